// Package coordinator owns the per-target connection sessions: one poller,
// one push listener, one reconciliation machine and one pairing manager for
// every user and target pair.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/botlink/internal/bus"
	"github.com/nextlevelbuilder/botlink/internal/clock"
	"github.com/nextlevelbuilder/botlink/internal/credential"
	"github.com/nextlevelbuilder/botlink/internal/listener"
	"github.com/nextlevelbuilder/botlink/internal/pairing"
	"github.com/nextlevelbuilder/botlink/internal/poller"
	"github.com/nextlevelbuilder/botlink/internal/registry"
	"github.com/nextlevelbuilder/botlink/internal/status"
	"github.com/nextlevelbuilder/botlink/internal/store"
)

// Backend is the bot backend as seen by a session.
type Backend interface {
	poller.Querier
	pairing.CodeRequester
}

// TokenSource hands out the credential used for the push handshake.
type TokenSource interface {
	Token(ctx context.Context) (credential.Token, error)
}

// Config holds the limits applied to new sessions.
type Config struct {
	Poller          poller.Config
	Listener        listener.Config // empty URL disables the push channel
	PairingDebounce time.Duration
	// OnPairingCode receives raw pairing codes, e.g. for terminal rendering.
	OnPairingCode func(target status.Target, payload, format string, expiresAt time.Time)
}

// Deps are the collaborators shared by all sessions of a coordinator.
// Registry, Bus and Clock default to fresh in-process instances; Store may be nil.
type Deps struct {
	Backend  Backend
	Tokens   TokenSource
	Registry registry.Registry
	Store    store.AttemptStore
	Bus      *bus.Bus
	Clock    clock.Clock
}

// Coordinator maps targets to sessions. Coordinators share nothing unless
// they are given the same Registry.
type Coordinator struct {
	deps Deps

	mu       sync.Mutex
	cfg      Config
	sessions map[string]*Session
}

// New creates a coordinator.
func New(cfg Config, deps Deps) *Coordinator {
	if deps.Registry == nil {
		deps.Registry = registry.NewMemory()
	}
	if deps.Bus == nil {
		deps.Bus = bus.New()
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	return &Coordinator{
		deps:     deps,
		cfg:      cfg,
		sessions: make(map[string]*Session),
	}
}

// Bus returns the bus status changes are broadcast on.
func (c *Coordinator) Bus() *bus.Bus { return c.deps.Bus }

// Store returns the attempt store, or nil.
func (c *Coordinator) Store() store.AttemptStore { return c.deps.Store }

// Session returns the session for target, creating it on first use.
func (c *Coordinator) Session(target status.Target) (*Session, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.sessions[target.Key()]; ok {
		return s, nil
	}
	s := newSession(target, c.cfg, c.deps)
	c.sessions[target.Key()] = s
	slog.Debug("coordinator: session created", "target", target.Key())
	return s, nil
}

// Lookup returns an existing session without creating one.
func (c *Coordinator) Lookup(target status.Target) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[target.Key()]
	return s, ok
}

// Len returns the number of known sessions.
func (c *Coordinator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// UpdateLimits replaces the limits for sessions created from now on and for
// pollers that are not currently running.
func (c *Coordinator) UpdateLimits(cfg Config) {
	c.mu.Lock()
	c.cfg = cfg
	sessions := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()

	for _, s := range sessions {
		s.poller.UpdateConfig(cfg.Poller)
	}
	slog.Info("coordinator: limits updated", "sessions", len(sessions))
}

// Attempts lists the recorded pairing attempts of target, newest first.
func (c *Coordinator) Attempts(ctx context.Context, target status.Target, limit int) ([]pairing.Attempt, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}
	if c.deps.Store == nil {
		return nil, nil
	}
	list, err := c.deps.Store.ListByTarget(ctx, target.UserID, target.TargetID, limit)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	return list, nil
}

// Close disconnects every session.
func (c *Coordinator) Close() {
	c.mu.Lock()
	sessions := c.sessions
	c.sessions = make(map[string]*Session)
	c.mu.Unlock()
	for _, s := range sessions {
		s.Disconnect()
	}
}
