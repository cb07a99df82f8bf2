package protocol

import "time"

// Push channel event names.
const (
	EventConnected            = "connected"
	EventDisconnected         = "disconnected"
	EventPairingCodeUpdated   = "pairing-code-updated"
	EventPairingAttemptFailed = "pairing-attempt-failed"
)

// ConnectedPayload accompanies EventConnected.
type ConnectedPayload struct {
	PhoneNumber string     `json:"phoneNumber,omitempty"`
	DisplayName string     `json:"displayName,omitempty"`
	LastSeenAt  *time.Time `json:"lastSeenAt,omitempty"`
}

// DisconnectedPayload accompanies EventDisconnected.
type DisconnectedPayload struct {
	Reason string `json:"reason,omitempty"`
}

// PairingCodePayload accompanies EventPairingCodeUpdated.
// Format is "text" (raw QR contents), "png", "jpeg" or "data-url".
type PairingCodePayload struct {
	PairingCode          string    `json:"pairingCode"`
	PairingCodeExpiresAt time.Time `json:"pairingCodeExpiresAt"`
	Format               string    `json:"format,omitempty"`
}

// PairingFailedPayload accompanies EventPairingAttemptFailed.
type PairingFailedPayload struct {
	Reason string `json:"reason"`
}
