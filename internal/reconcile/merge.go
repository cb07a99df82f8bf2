package reconcile

import "github.com/nextlevelbuilder/botlink/internal/status"

// Merge fuses the latest poll snapshot, the latest push snapshot and the
// pairing attempt outcome into one status. Either snapshot may be nil.
//
// Any source asserting connection is sufficient. Otherwise the phase is the
// most severe one reported: error, then connecting, then disconnected.
// Identity fields prefer the push snapshot since it is the fresher channel.
func Merge(poll, push *status.ConnectionStatus, attempt status.AttemptStatus) status.ConnectionStatus {
	out := status.ConnectionStatus{Phase: status.PhaseDisconnected}

	for _, s := range []*status.ConnectionStatus{poll, push} {
		if s == nil {
			continue
		}
		if s.Connected {
			out.Connected = true
		}
		if s.PhoneNumber != "" {
			out.PhoneNumber = s.PhoneNumber
		}
		if s.DisplayName != "" {
			out.DisplayName = s.DisplayName
		}
		if s.LastSeenAt != nil {
			out.LastSeenAt = s.LastSeenAt
		}
		if s.Error != "" {
			out.Error = s.Error
		}
	}
	if attempt == status.AttemptSucceeded {
		out.Connected = true
	}

	switch {
	case out.Connected:
		out.Phase = status.PhaseConnected
		out.Error = ""
	case phaseIs(status.PhaseError, poll, push) || attempt == status.AttemptFailed:
		out.Phase = status.PhaseError
	case phaseIs(status.PhaseConnecting, poll, push):
		out.Phase = status.PhaseConnecting
	}
	if out.Phase != status.PhaseError {
		out.Error = ""
	}
	return out
}

func phaseIs(p status.Phase, snaps ...*status.ConnectionStatus) bool {
	for _, s := range snaps {
		if s != nil && s.Phase == p {
			return true
		}
	}
	return false
}
