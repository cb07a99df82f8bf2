// Package pairing runs pairing attempts for one target: requesting a code from
// the backend, starting the status sources and expiring stale codes.
package pairing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/botlink/internal/backend"
	"github.com/nextlevelbuilder/botlink/internal/clock"
	"github.com/nextlevelbuilder/botlink/internal/reconcile"
	"github.com/nextlevelbuilder/botlink/internal/status"
	"github.com/nextlevelbuilder/botlink/internal/store"
)

// DefaultRequestDebounce absorbs duplicate pairing requests.
const DefaultRequestDebounce = 500 * time.Millisecond

const storeTimeout = 5 * time.Second

// Attempt is one pairing attempt.
type Attempt = store.PairingAttemptData

// CodeRequester asks the backend for a pairing code.
type CodeRequester interface {
	RequestPairingCode(ctx context.Context, target status.Target) (*backend.PairResult, error)
}

// Channels are the status sources the manager starts and stops.
type Channels interface {
	StartPolling() bool
	StopPolling()
	StartListening(ctx context.Context) error
	ResetListening()
}

// Config configures a Manager.
type Config struct {
	Target          status.Target
	RequestDebounce time.Duration
	// OnCode, if set, receives every accepted code before normalization.
	OnCode func(payload, format string, expiresAt time.Time)
}

// Manager owns the pairing attempts of one target.
type Manager struct {
	cfg      Config
	backend  CodeRequester
	machine  *reconcile.Machine
	channels Channels
	store    store.AttemptStore
	clock    clock.Clock

	mu          sync.Mutex
	current     *Attempt
	expiryTimer clock.Timer
}

// NewManager creates a manager. st may be nil to skip recording attempts.
func NewManager(cfg Config, be CodeRequester, m *reconcile.Machine, ch Channels, st store.AttemptStore, clk clock.Clock) *Manager {
	if cfg.RequestDebounce <= 0 {
		cfg.RequestDebounce = DefaultRequestDebounce
	}
	if clk == nil {
		clk = clock.Real()
	}
	mgr := &Manager{
		cfg:      cfg,
		backend:  be,
		machine:  m,
		channels: ch,
		store:    st,
		clock:    clk,
	}
	m.OnChange(mgr.onChange)
	return mgr
}

// Current returns a copy of the latest attempt, or nil.
func (m *Manager) Current() *Attempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil
	}
	a := *m.current
	return &a
}

// RequestPairing starts a new pairing attempt. A pending attempt younger than
// the debounce window is returned unchanged. On rejection the attempt is
// returned together with an error wrapping backend.ErrPairingRejected.
func (m *Manager) RequestPairing(ctx context.Context) (*Attempt, error) {
	m.mu.Lock()
	now := m.clock.Now()
	if c := m.current; c != nil && c.Status == string(status.AttemptPending) && now.Sub(c.StartedAt) < m.cfg.RequestDebounce {
		a := *c
		m.mu.Unlock()
		slog.Debug("pairing: duplicate request absorbed", "target", m.cfg.Target.Key(), "attempt", a.ID)
		return &a, nil
	}
	attempt := &Attempt{
		ID:        store.GenNewID().String(),
		UserID:    m.cfg.Target.UserID,
		TargetID:  m.cfg.Target.TargetID,
		Status:    string(status.AttemptPending),
		StartedAt: now,
	}
	m.current = attempt
	m.stopExpiryLocked()
	m.mu.Unlock()

	// A new request starts from fresh counters.
	m.channels.StopPolling()
	m.channels.ResetListening()
	m.machine.BeginPairing(attempt.ID)
	m.record(*attempt)

	slog.Info("pairing: requesting code", "target", m.cfg.Target.Key(), "attempt", attempt.ID)
	res, err := m.backend.RequestPairingCode(ctx, m.cfg.Target)
	if err != nil {
		reason := err.Error()
		var rej *backend.PairingRejectedError
		if errors.As(err, &rej) && rej.Reason != "" {
			reason = rej.Reason
		}
		m.machine.ApplyAttempt(attempt.ID, status.AttemptFailed, reason)
		return m.Current(), fmt.Errorf("request pairing: %w", err)
	}

	if res.AlreadyPaired {
		m.machine.ApplyPoll(res.Status)
		m.machine.ApplyAttempt(attempt.ID, status.AttemptSucceeded, "")
		return m.Current(), nil
	}

	if !m.UpdateCode(attempt.ID, res.PairingCode, res.Format, res.ExpiresAt) {
		return m.Current(), nil
	}
	if !m.channels.StartPolling() {
		slog.Debug("pairing: polling already active", "target", m.cfg.Target.Key())
	}
	if m.machine.State() != reconcile.StateConnected {
		if err := m.channels.StartListening(ctx); err != nil {
			slog.Warn("pairing: push channel unavailable", "target", m.cfg.Target.Key(), "error", err)
		}
	}
	return m.Current(), nil
}

// UpdateCode normalizes a pairing payload, stores it and schedules its
// expiry. Returns false when the code was rejected.
func (m *Manager) UpdateCode(attemptID, payload, format string, expiresAt time.Time) bool {
	if attemptID != m.machine.AttemptID() {
		return false
	}
	code, err := NormalizeCodeImage(payload, format)
	if err != nil {
		if errors.Is(err, ErrEmptyCode) {
			return false
		}
		slog.Warn("pairing: code image normalization failed, using raw payload", "error", err)
		code = payload
	}
	if !m.machine.SetPairingCode(code, expiresAt) {
		return false
	}
	if m.cfg.OnCode != nil {
		m.cfg.OnCode(payload, format, expiresAt)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopExpiryLocked()
	if !expiresAt.IsZero() {
		wait := expiresAt.Sub(m.clock.Now())
		if wait < 0 {
			wait = 0
		}
		m.expiryTimer = m.clock.AfterFunc(wait, func() {
			if m.machine.ExpirePairingCode(expiresAt) {
				slog.Info("pairing: code expired", "target", m.cfg.Target.Key())
			}
		})
	}
	return true
}

// Stop clears the expiry timer.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.stopExpiryLocked()
	m.mu.Unlock()
}

func (m *Manager) stopExpiryLocked() {
	if m.expiryTimer != nil {
		m.expiryTimer.Stop()
		m.expiryTimer = nil
	}
}

// onChange finalizes the current attempt when the machine settles.
func (m *Manager) onChange(c reconcile.Change) {
	var next status.AttemptStatus
	switch c.State {
	case reconcile.StateConnected:
		next = status.AttemptSucceeded
	case reconcile.StateError:
		next = status.AttemptFailed
	default:
		if c.State == reconcile.StateIdle {
			m.Stop()
		}
		return
	}

	m.mu.Lock()
	a := m.current
	if a == nil || a.Status != string(status.AttemptPending) || a.ID != c.AttemptID {
		m.mu.Unlock()
		return
	}
	now := m.clock.Now()
	a.Status = string(next)
	a.FinishedAt = &now
	a.ErrorReason = c.Err
	m.stopExpiryLocked()
	snapshot := *a
	m.mu.Unlock()

	slog.Info("pairing: attempt finished", "target", m.cfg.Target.Key(), "attempt", snapshot.ID, "status", snapshot.Status)
	m.record(snapshot)
}

func (m *Manager) record(a Attempt) {
	if m.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := m.store.Save(ctx, a); err != nil {
		slog.Warn("pairing: failed to record attempt", "attempt", a.ID, "error", err)
	}
}
