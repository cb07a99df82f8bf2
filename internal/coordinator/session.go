package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/botlink/internal/bus"
	"github.com/nextlevelbuilder/botlink/internal/clock"
	"github.com/nextlevelbuilder/botlink/internal/listener"
	"github.com/nextlevelbuilder/botlink/internal/pairing"
	"github.com/nextlevelbuilder/botlink/internal/poller"
	"github.com/nextlevelbuilder/botlink/internal/reconcile"
	"github.com/nextlevelbuilder/botlink/internal/status"
	"github.com/nextlevelbuilder/botlink/pkg/protocol"
)

// reconnectTimeout bounds a caller-driven push reconnect.
const reconnectTimeout = 30 * time.Second

// Session ties together the status sources of one target.
type Session struct {
	target   status.Target
	tokens   TokenSource
	clock    clock.Clock
	bus      *bus.Bus
	machine  *reconcile.Machine
	poller   *poller.Poller
	listener *listener.Listener // nil when push is disabled
	manager  *pairing.Manager

	mu    sync.Mutex
	retry clock.Timer
}

func newSession(target status.Target, cfg Config, deps Deps) *Session {
	s := &Session{
		target: target,
		tokens: deps.Tokens,
		clock:  deps.Clock,
		bus:    deps.Bus,
	}
	s.machine = reconcile.New(reconcile.Effects{
		StopPolling:   s.StopPolling,
		StopListening: s.stopListening,
	})
	s.poller = poller.New(cfg.Poller, deps.Backend, deps.Clock, deps.Registry, poller.Handlers{
		OnStatus: s.machine.ApplyPoll,
		OnTerminal: func(err error) {
			s.machine.Fail(reconcile.SourcePoller, err)
		},
	})
	if cfg.Listener.URL != "" && deps.Tokens != nil {
		s.listener = listener.New(cfg.Listener, deps.Clock, deps.Registry, listener.Handlers{
			OnEvent: s.onPush,
			OnDrop:  s.onDrop,
		})
	}
	pcfg := pairing.Config{Target: target, RequestDebounce: cfg.PairingDebounce}
	if hook := cfg.OnPairingCode; hook != nil {
		pcfg.OnCode = func(payload, format string, expiresAt time.Time) {
			hook(target, payload, format, expiresAt)
		}
	}
	s.manager = pairing.NewManager(pcfg, deps.Backend, s.machine, s, deps.Store, deps.Clock)
	s.machine.OnChange(s.publish)
	return s
}

// Target returns the session's target.
func (s *Session) Target() status.Target { return s.target }

// Status returns the canonical connection status.
func (s *Session) Status() status.ConnectionStatus { return s.machine.Status() }

// State returns the reconciliation state.
func (s *Session) State() reconcile.State { return s.machine.State() }

// Err returns the surfaced error text, if any.
func (s *Session) Err() string { return s.machine.Err() }

// IsActive reports whether polling or the push channel is running.
func (s *Session) IsActive() bool {
	if s.poller.IsRunning() {
		return true
	}
	return s.listener != nil && s.listener.State() != listener.StateIdle
}

// PollingSession returns the poller's bookkeeping.
func (s *Session) PollingSession() poller.Session { return s.poller.Session() }

// Attempt returns the latest pairing attempt, or nil.
func (s *Session) Attempt() *pairing.Attempt { return s.manager.Current() }

// RequestPairing starts a new pairing attempt. It is the way out of the error state.
func (s *Session) RequestPairing(ctx context.Context) (*pairing.Attempt, error) {
	return s.manager.RequestPairing(ctx)
}

// StartPolling starts a polling session. When one is already running for
// the target it triggers an immediate, debounced query and returns false.
// A failed session only polls again after a new pairing request.
func (s *Session) StartPolling() bool {
	if s.machine.State() == reconcile.StateError {
		return false
	}
	if s.poller.IsRunning() {
		s.poller.PollNow()
		return false
	}
	return s.poller.Start(s.target)
}

// StopPolling stops polling. Idempotent.
func (s *Session) StopPolling() { s.poller.Stop() }

// StartListening opens the push channel if it is configured.
func (s *Session) StartListening(ctx context.Context) error {
	return s.connect(ctx)
}

// ResetListening gives the push channel a fresh reconnect budget.
func (s *Session) ResetListening() {
	s.cancelRetry()
	if s.listener != nil {
		s.listener.Reset()
	}
}

// Disconnect stops every source and returns the session to idle.
func (s *Session) Disconnect() {
	s.machine.Reset()
	s.manager.Stop()
	s.cancelRetry()
	slog.Info("coordinator: session disconnected", "target", s.target.Key())
}

func (s *Session) stopListening() {
	s.cancelRetry()
	if s.listener != nil {
		s.listener.Disconnect()
	}
}

func (s *Session) connect(ctx context.Context) error {
	if s.listener == nil {
		return nil
	}
	tok, err := s.tokens.Token(ctx)
	if err != nil {
		s.scheduleReconnect()
		return fmt.Errorf("push token: %w", err)
	}
	err = s.listener.Connect(ctx, tok.Value, s.target)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, listener.ErrReconnectLimit):
		s.machine.Fail(reconcile.SourceListener, err)
		return err
	case errors.Is(err, listener.ErrDisconnected):
		return err
	default:
		s.scheduleReconnect()
		return err
	}
}

func (s *Session) onDrop(err error) {
	slog.Debug("coordinator: push channel dropped", "target", s.target.Key(), "error", err)
	s.scheduleReconnect()
}

// scheduleReconnect retries the push channel after the listener's minimum
// spacing, as long as the target is still being paired.
func (s *Session) scheduleReconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.retry != nil {
		s.retry.Stop()
	}
	s.retry = s.clock.AfterFunc(s.listener.MinConnectInterval(), func() {
		s.mu.Lock()
		s.retry = nil
		s.mu.Unlock()

		switch s.machine.State() {
		case reconcile.StateAwaitingPairing, reconcile.StateConnecting:
		default:
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), reconnectTimeout)
		defer cancel()
		if err := s.connect(ctx); err != nil {
			slog.Warn("coordinator: push reconnect failed", "target", s.target.Key(), "error", err)
		}
	})
}

func (s *Session) cancelRetry() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
}

func (s *Session) onPush(ev listener.Event) {
	switch ev.Kind {
	case protocol.EventPairingCodeUpdated:
		exp := ev.Status.PairingCodeExpiresAt
		if exp == nil {
			return
		}
		if !s.manager.UpdateCode(s.machine.AttemptID(), ev.Status.PairingCode, ev.CodeFormat, *exp) {
			slog.Debug("coordinator: pushed pairing code ignored", "target", s.target.Key())
		}
	case protocol.EventPairingAttemptFailed:
		s.machine.ApplyAttempt(s.machine.AttemptID(), status.AttemptFailed, ev.Status.Error)
	default:
		s.machine.ApplyPush(ev.Status)
	}
}

func (s *Session) publish(c reconcile.Change) {
	slog.Debug("coordinator: status changed", "target", s.target.Key(), "state", c.State, "phase", c.Status.Phase)
	s.bus.Broadcast(bus.Event{
		Name:      bus.EventStatusChanged,
		UserID:    s.target.UserID,
		TargetID:  s.target.TargetID,
		Status:    c.Status,
		State:     string(c.State),
		Error:     c.Err,
		AttemptID: c.AttemptID,
	})
}
