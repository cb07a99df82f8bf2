// Package status defines the connection status shapes shared by the poller,
// the push listener and the reconciliation state machine.
package status

import (
	"errors"
	"net/url"
	"strings"
	"time"
)

// Phase is the coarse connection phase reported by a source.
type Phase string

const (
	PhaseDisconnected Phase = "disconnected"
	PhaseConnecting   Phase = "connecting"
	PhaseConnected    Phase = "connected"
	PhaseError        Phase = "error"
)

// Valid reports whether p is one of the known phases.
func (p Phase) Valid() bool {
	switch p {
	case PhaseDisconnected, PhaseConnecting, PhaseConnected, PhaseError:
		return true
	}
	return false
}

// Source tags where a snapshot came from.
type Source string

const (
	SourcePoll Source = "poll"
	SourcePush Source = "push"
)

// AttemptStatus is the lifecycle of one pairing attempt.
type AttemptStatus string

const (
	AttemptNone      AttemptStatus = ""
	AttemptPending   AttemptStatus = "pending"
	AttemptSucceeded AttemptStatus = "succeeded"
	AttemptFailed    AttemptStatus = "failed"
)

// ConnectionStatus is an immutable snapshot of a pairing's connection state.
// Producers build a fresh value per signal; nothing mutates a published one.
type ConnectionStatus struct {
	Connected            bool       `json:"connected"`
	Phase                Phase      `json:"phase"`
	PhoneNumber          string     `json:"phoneNumber,omitempty"`
	DisplayName          string     `json:"displayName,omitempty"`
	LastSeenAt           *time.Time `json:"lastSeenAt,omitempty"`
	PairingCode          string     `json:"pairingCode,omitempty"`
	PairingCodeExpiresAt *time.Time `json:"pairingCodeExpiresAt,omitempty"`
	Error                string     `json:"error,omitempty"`
}

// Disconnected is the zero canonical status.
func Disconnected() ConnectionStatus {
	return ConnectionStatus{Phase: PhaseDisconnected}
}

// Normalize fills in a phase consistent with the connected flag when the
// producer left it empty or sent an unknown value.
func (s ConnectionStatus) Normalize() ConnectionStatus {
	if s.Connected {
		s.Phase = PhaseConnected
		return s
	}
	if !s.Phase.Valid() || s.Phase == PhaseConnected {
		if s.Error != "" {
			s.Phase = PhaseError
		} else {
			s.Phase = PhaseDisconnected
		}
	}
	return s
}

// Equal reports whether two snapshots carry the same values.
func (s ConnectionStatus) Equal(o ConnectionStatus) bool {
	return s.Connected == o.Connected &&
		s.Phase == o.Phase &&
		s.PhoneNumber == o.PhoneNumber &&
		s.DisplayName == o.DisplayName &&
		s.PairingCode == o.PairingCode &&
		s.Error == o.Error &&
		timeEqual(s.LastSeenAt, o.LastSeenAt) &&
		timeEqual(s.PairingCodeExpiresAt, o.PairingCodeExpiresAt)
}

func timeEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// Target identifies one logical connection: a user pairing one bot target.
type Target struct {
	UserID   string `json:"userId"`
	TargetID string `json:"targetId"`
}

// ErrInvalidTarget is returned when a target is missing either identifier.
var ErrInvalidTarget = errors.New("targetId and userId are required")

// Key is the registry key for the target. Both IDs are escaped, so IDs
// containing ':' cannot collide with another user's target.
func (t Target) Key() string {
	return url.QueryEscape(t.UserID) + ":" + url.QueryEscape(t.TargetID)
}

// Validate checks both identifiers are present.
func (t Target) Validate() error {
	if strings.TrimSpace(t.UserID) == "" || strings.TrimSpace(t.TargetID) == "" {
		return ErrInvalidTarget
	}
	return nil
}

func (t Target) String() string { return t.Key() }
