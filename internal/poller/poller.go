// Package poller periodically queries the backend for a target's connection
// status with debounce, exponential backoff on rate limits and hard ceilings.
package poller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/botlink/internal/backend"
	"github.com/nextlevelbuilder/botlink/internal/clock"
	"github.com/nextlevelbuilder/botlink/internal/registry"
	"github.com/nextlevelbuilder/botlink/internal/status"
)

// LimitError is a terminal polling condition. Its text is shown to the user.
type LimitError string

func (e LimitError) Error() string { return string(e) }

var (
	ErrMaxAttempts       error = LimitError("Maximum retry attempts reached")
	ErrMaxDuration       error = LimitError("Maximum polling duration reached")
	ErrConsecutiveErrors error = LimitError("Too many consecutive status errors")
)

const (
	DefaultInterval             = time.Second
	DefaultBackoffCeiling       = 30 * time.Second
	DefaultMaxAttempts          = 120
	DefaultMaxDuration          = 5 * time.Minute
	DefaultMaxConsecutiveErrors = 5
	DefaultDebounce             = 500 * time.Millisecond
	defaultQueryTimeout         = 10 * time.Second
	acquireTimeout              = 5 * time.Second
)

// Config bounds a polling session.
type Config struct {
	Interval             time.Duration // steady-state spacing; also the initial backoff
	BackoffCeiling       time.Duration
	MaxAttempts          int
	MaxDuration          time.Duration
	MaxConsecutiveErrors int
	Debounce             time.Duration
	QueryTimeout         time.Duration
}

// DefaultConfig returns the standard polling limits.
func DefaultConfig() Config {
	return Config{
		Interval:             DefaultInterval,
		BackoffCeiling:       DefaultBackoffCeiling,
		MaxAttempts:          DefaultMaxAttempts,
		MaxDuration:          DefaultMaxDuration,
		MaxConsecutiveErrors: DefaultMaxConsecutiveErrors,
		Debounce:             DefaultDebounce,
		QueryTimeout:         defaultQueryTimeout,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.BackoffCeiling <= 0 {
		c.BackoffCeiling = d.BackoffCeiling
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.MaxDuration <= 0 {
		c.MaxDuration = d.MaxDuration
	}
	if c.MaxConsecutiveErrors <= 0 {
		c.MaxConsecutiveErrors = d.MaxConsecutiveErrors
	}
	if c.Debounce <= 0 {
		c.Debounce = d.Debounce
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = d.QueryTimeout
	}
	return c
}

// Session is the bookkeeping of one polling run.
type Session struct {
	StartedAt             time.Time
	AttemptCount          int
	ConsecutiveErrorCount int
	CurrentBackoff        time.Duration
}

// Querier fetches the backend's status for a target.
type Querier interface {
	Status(ctx context.Context, target status.Target) (status.ConnectionStatus, error)
}

// Handlers receive poller output. Both are called without internal locks held.
type Handlers struct {
	OnStatus   func(status.ConnectionStatus)
	OnTerminal func(error)
}

// Poller runs at most one polling session at a time.
type Poller struct {
	cfg      Config
	querier  Querier
	clock    clock.Clock
	registry registry.Registry
	handlers Handlers

	mu       sync.Mutex
	running  bool
	gen      uint64 // bumped on every start and stop; stale callbacks compare and bail
	target   status.Target
	session  Session
	limiter  *rate.Limiter
	timer    clock.Timer
	deadline clock.Timer // fires at StartedAt + MaxDuration
	lease    registry.Lease
	ctx      context.Context
	cancel   context.CancelFunc
}

// New creates a stopped poller.
func New(cfg Config, q Querier, clk clock.Clock, reg registry.Registry, h Handlers) *Poller {
	if clk == nil {
		clk = clock.Real()
	}
	if reg == nil {
		reg = registry.NewMemory()
	}
	return &Poller{
		cfg:      cfg.withDefaults(),
		querier:  q,
		clock:    clk,
		registry: reg,
		handlers: h,
	}
}

// Start begins polling target. It returns false and starts nothing when a
// polling session for the target is already registered.
func (p *Poller) Start(target status.Target) bool {
	acquireCtx, cancelAcquire := context.WithTimeout(context.Background(), acquireTimeout)
	lease, err := p.registry.Acquire(acquireCtx, registry.Key(target.Key(), registry.KindPolling))
	cancelAcquire()
	if err != nil {
		if !errors.Is(err, registry.ErrHeld) {
			slog.Warn("poller: acquire failed", "target", target.Key(), "error", err)
		}
		return false
	}

	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		lease.Release()
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.running = true
	p.gen++
	p.target = target
	p.lease = lease
	p.ctx = ctx
	p.cancel = cancel
	p.session = Session{StartedAt: p.clock.Now(), CurrentBackoff: p.cfg.Interval}
	p.limiter = rate.NewLimiter(rate.Every(p.cfg.Debounce), 1)
	gen := p.gen
	p.scheduleLocked(ctx, gen, 0)
	p.deadline = p.clock.AfterFunc(p.cfg.MaxDuration, func() { p.expire(gen) })
	p.mu.Unlock()

	slog.Info("poller: started", "target", target.Key(), "interval", p.cfg.Interval)
	return true
}

// Stop ends the session. Safe from any state; a stopped poller is a no-op.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	target := p.teardownLocked()
	p.mu.Unlock()
	slog.Info("poller: stopped", "target", target.Key())
}

// PollNow triggers an immediate query, subject to the debounce window.
func (p *Poller) PollNow() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	gen, ctx := p.gen, p.ctx
	p.mu.Unlock()
	p.attempt(ctx, gen, false)
}

// IsRunning reports whether a session is active.
func (p *Poller) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Session returns a copy of the current session bookkeeping.
func (p *Poller) Session() Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session
}

// UpdateConfig swaps limits for the next Start. A running session keeps its limits.
func (p *Poller) UpdateConfig(cfg Config) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.cfg = cfg.withDefaults()
}

func (p *Poller) teardownLocked() status.Target {
	p.running = false
	p.gen++
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	if p.deadline != nil {
		p.deadline.Stop()
		p.deadline = nil
	}
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
		p.ctx = nil
	}
	if p.lease != nil {
		p.lease.Release()
		p.lease = nil
	}
	return p.target
}

func (p *Poller) scheduleLocked(ctx context.Context, gen uint64, d time.Duration) {
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = p.clock.AfterFunc(d, func() { p.attempt(ctx, gen, true) })
}

func (p *Poller) attempt(ctx context.Context, gen uint64, scheduled bool) {
	p.mu.Lock()
	if !p.running || gen != p.gen {
		p.mu.Unlock()
		return
	}
	now := p.clock.Now()
	if !p.limiter.AllowN(now, 1) {
		if scheduled {
			// The timer chain must survive a debounced tick.
			p.scheduleLocked(ctx, gen, p.cfg.Debounce)
		}
		target := p.target
		p.mu.Unlock()
		slog.Debug("poller: attempt debounced", "target", target.Key())
		return
	}
	if p.session.AttemptCount+1 > p.cfg.MaxAttempts {
		p.terminateLocked(ErrMaxAttempts)
		return
	}
	if now.Sub(p.session.StartedAt) > p.cfg.MaxDuration {
		p.terminateLocked(ErrMaxDuration)
		return
	}
	p.session.AttemptCount++
	target := p.target
	timeout := p.cfg.QueryTimeout
	p.mu.Unlock()

	qctx, cancel := context.WithTimeout(ctx, timeout)
	st, err := p.querier.Status(qctx, target)
	cancel()

	p.mu.Lock()
	if !p.running || gen != p.gen {
		// Stopped while the query was in flight.
		p.mu.Unlock()
		return
	}

	switch {
	case err == nil:
		p.session.AttemptCount = 0
		p.session.ConsecutiveErrorCount = 0
		p.session.CurrentBackoff = p.cfg.Interval
		p.scheduleLocked(ctx, gen, p.cfg.Interval)
		p.mu.Unlock()
		if p.handlers.OnStatus != nil {
			p.handlers.OnStatus(st)
		}

	case backend.IsRateLimited(err):
		next := p.session.CurrentBackoff * 2
		var rl *backend.RateLimitError
		if errors.As(err, &rl) && rl.RetryAfter > next {
			next = rl.RetryAfter
		}
		if next > p.cfg.BackoffCeiling {
			next = p.cfg.BackoffCeiling
		}
		p.session.CurrentBackoff = next
		p.scheduleLocked(ctx, gen, next)
		p.mu.Unlock()
		slog.Info("poller: rate limited, backing off", "target", target.Key(), "backoff", next)

	default:
		p.session.ConsecutiveErrorCount++
		if p.session.ConsecutiveErrorCount >= p.cfg.MaxConsecutiveErrors {
			slog.Warn("poller: status query failed", "target", target.Key(), "error", err)
			p.terminateLocked(ErrConsecutiveErrors)
			return
		}
		p.scheduleLocked(ctx, gen, p.session.CurrentBackoff)
		count := p.session.ConsecutiveErrorCount
		p.mu.Unlock()
		slog.Warn("poller: status query failed", "target", target.Key(), "consecutive", count, "error", err)
	}
}

// expire ends the session when MaxDuration elapses, even mid-backoff.
func (p *Poller) expire(gen uint64) {
	p.mu.Lock()
	if !p.running || gen != p.gen {
		p.mu.Unlock()
		return
	}
	p.terminateLocked(ErrMaxDuration)
}

// terminateLocked tears down and reports err once. Releases p.mu.
func (p *Poller) terminateLocked(err error) {
	target := p.teardownLocked()
	p.mu.Unlock()
	slog.Warn("poller: giving up", "target", target.Key(), "reason", err)
	if p.handlers.OnTerminal != nil {
		p.handlers.OnTerminal(err)
	}
}
