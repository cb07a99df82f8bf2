// Package reconcile folds poll and push status snapshots into one canonical
// connection state and drives the side effects of its transitions.
package reconcile

import (
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/botlink/internal/status"
)

// State is the lifecycle state of a target's pairing.
type State string

const (
	StateIdle            State = "idle"
	StateAwaitingPairing State = "awaiting-pairing"
	StateConnecting      State = "connecting"
	StateConnected       State = "connected"
	StateError           State = "error"
)

// Source tags who reported a terminal failure.
type Source string

const (
	SourcePoller   Source = "poller"
	SourceListener Source = "listener"
	SourcePairing  Source = "pairing"
)

// Effects are the side effects the machine drives. Both must be idempotent.
type Effects struct {
	StopPolling   func()
	StopListening func()
}

// Change is emitted whenever the canonical view changes.
type Change struct {
	Status    status.ConnectionStatus
	State     State
	Err       string
	AttemptID string
}

// Machine is the reconciliation state machine for one target.
// It is safe for concurrent use; effects and observers run without the lock held.
type Machine struct {
	effects Effects

	mu        sync.Mutex
	state     State
	attemptID string
	attempt   status.AttemptStatus
	poll      *status.ConnectionStatus
	push      *status.ConnectionStatus
	code      string
	codeExp   *time.Time
	err       string
	last      Change
	observers []func(Change)
}

// New creates an idle machine.
func New(effects Effects) *Machine {
	m := &Machine{effects: effects, state: StateIdle}
	m.last = m.viewLocked()
	return m
}

// OnChange registers an observer for canonical changes.
func (m *Machine) OnChange(fn func(Change)) {
	m.mu.Lock()
	m.observers = append(m.observers, fn)
	m.mu.Unlock()
}

// Status returns the canonical status.
func (m *Machine) Status() status.ConnectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last.Status
}

// State returns the lifecycle state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Err returns the error text of the error state, or "".
func (m *Machine) Err() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// AttemptID returns the pairing attempt the machine is tracking.
func (m *Machine) AttemptID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attemptID
}

// BeginPairing starts tracking a new pairing attempt. It is the only way out
// of the error state; all snapshots and the pairing code are discarded.
func (m *Machine) BeginPairing(attemptID string) {
	m.mu.Lock()
	m.attemptID = attemptID
	m.attempt = status.AttemptPending
	m.poll, m.push = nil, nil
	m.code, m.codeExp = "", nil
	m.err = ""
	m.state = StateAwaitingPairing
	m.commit(nil)
}

// SetPairingCode records a display-ready pairing code. Expiry never moves
// backwards within an attempt; an older code is rejected and false returned.
func (m *Machine) SetPairingCode(code string, expiresAt time.Time) bool {
	m.mu.Lock()
	if m.state != StateAwaitingPairing && m.state != StateConnecting {
		m.mu.Unlock()
		return false
	}
	if m.codeExp != nil && expiresAt.Before(*m.codeExp) {
		m.mu.Unlock()
		slog.Debug("reconcile: stale pairing code ignored", "expires_at", expiresAt)
		return false
	}
	m.code = code
	m.codeExp = &expiresAt
	m.state = StateConnecting
	m.commit(nil)
	return true
}

// ExpirePairingCode drops the code if it still carries expiresAt.
// A code replaced since the expiry was scheduled is left alone.
func (m *Machine) ExpirePairingCode(expiresAt time.Time) bool {
	m.mu.Lock()
	if m.code == "" || m.codeExp == nil || !m.codeExp.Equal(expiresAt) {
		m.mu.Unlock()
		return false
	}
	m.code, m.codeExp = "", nil
	m.commit(nil)
	return true
}

// ApplyPoll folds a poll snapshot.
func (m *Machine) ApplyPoll(s status.ConnectionStatus) {
	m.apply(status.SourcePoll, s)
}

// ApplyPush folds a push snapshot.
func (m *Machine) ApplyPush(s status.ConnectionStatus) {
	m.apply(status.SourcePush, s)
}

// ApplyAttempt records the pairing attempt outcome.
func (m *Machine) ApplyAttempt(attemptID string, st status.AttemptStatus, reason string) {
	m.mu.Lock()
	if attemptID != m.attemptID || m.state == StateError || m.state == StateIdle {
		m.mu.Unlock()
		return
	}
	if m.state == StateConnected && st != status.AttemptFailed {
		m.mu.Unlock()
		return
	}
	m.attempt = st
	if st == status.AttemptFailed {
		if reason == "" {
			reason = "Pairing attempt failed"
		}
		m.enterErrorLocked(reason)
		m.commit(m.stopAll())
		return
	}
	m.commit(m.reduceLocked())
}

// Fail moves the machine to error. Ignored while idle or already failed.
func (m *Machine) Fail(src Source, err error) {
	m.mu.Lock()
	if m.state == StateIdle || m.state == StateError {
		m.mu.Unlock()
		slog.Debug("reconcile: failure ignored", "source", src, "state", m.state, "error", err)
		return
	}
	slog.Warn("reconcile: entering error", "source", src, "error", err)
	m.enterErrorLocked(err.Error())
	m.commit(m.stopAll())
}

// Reset returns to idle, stopping both sources. Used on explicit disconnect.
func (m *Machine) Reset() {
	m.mu.Lock()
	m.state = StateIdle
	m.attemptID = ""
	m.attempt = status.AttemptNone
	m.poll, m.push = nil, nil
	m.code, m.codeExp = "", nil
	m.err = ""
	m.commit(m.stopAll())
}

func (m *Machine) apply(src status.Source, s status.ConnectionStatus) {
	s = s.Normalize()
	m.mu.Lock()
	switch m.state {
	case StateError:
		m.mu.Unlock()
		return
	case StateConnected:
		if s.Phase != status.PhaseError {
			m.mu.Unlock()
			return
		}
	}

	snap := s
	if src == status.SourcePush {
		m.push = &snap
	} else {
		m.poll = &snap
	}
	slog.Debug("reconcile: snapshot", "source", src, "phase", s.Phase, "connected", s.Connected)
	if m.state == StateConnected {
		// Only an error gets past a connected determination.
		m.enterErrorLocked(s.Error)
		m.commit(m.stopAll())
		return
	}
	m.commit(m.reduceLocked())
}

// reduceLocked derives the state from the current inputs and returns the
// effects the transition requires.
func (m *Machine) reduceLocked() []func() {
	merged := Merge(m.poll, m.push, m.attempt)
	switch {
	case merged.Connected:
		if m.state == StateConnected {
			return nil
		}
		m.state = StateConnected
		m.code, m.codeExp = "", nil
		if m.attempt == status.AttemptPending {
			m.attempt = status.AttemptSucceeded
		}
		return []func(){m.effects.StopPolling}

	case merged.Phase == status.PhaseError:
		if m.state == StateIdle {
			return nil
		}
		m.enterErrorLocked(merged.Error)
		return m.stopAll()

	case merged.Phase == status.PhaseConnecting:
		if m.state == StateAwaitingPairing {
			m.state = StateConnecting
		}
	}
	return nil
}

func (m *Machine) enterErrorLocked(msg string) {
	if msg == "" {
		msg = "Connection failed"
	}
	m.state = StateError
	m.err = msg
	m.code, m.codeExp = "", nil
}

func (m *Machine) stopAll() []func() {
	return []func(){m.effects.StopPolling, m.effects.StopListening}
}

func (m *Machine) viewLocked() Change {
	st := Merge(m.poll, m.push, m.attempt)
	switch m.state {
	case StateAwaitingPairing, StateConnecting:
		if st.Phase == status.PhaseDisconnected {
			st.Phase = status.PhaseConnecting
		}
	case StateError:
		st.Connected = false
		st.Phase = status.PhaseError
		st.Error = m.err
	}
	if m.state != StateConnected && m.state != StateError && m.code != "" {
		st.PairingCode = m.code
		st.PairingCodeExpiresAt = m.codeExp
	}
	return Change{Status: st, State: m.state, Err: m.err, AttemptID: m.attemptID}
}

// commit publishes the new view, releases the lock, then runs effects and
// notifies observers if anything changed.
func (m *Machine) commit(effects []func()) {
	view := m.viewLocked()
	changed := view.State != m.last.State || view.Err != m.last.Err ||
		view.AttemptID != m.last.AttemptID || !view.Status.Equal(m.last.Status)
	m.last = view
	observers := m.observers
	m.mu.Unlock()

	for _, fn := range effects {
		if fn != nil {
			fn()
		}
	}
	if !changed {
		return
	}
	for _, fn := range observers {
		fn(view)
	}
}
