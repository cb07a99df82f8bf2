// Package credential caches the short-lived token used against the bot backend
// and refreshes it on demand.
package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"github.com/nextlevelbuilder/botlink/internal/clock"
)

const (
	// DefaultSkew is subtracted from the expiry so a token is never used right at its deadline.
	DefaultSkew = 30 * time.Second
	// DefaultTTL applies when neither the issuer nor the token carries an expiry.
	DefaultTTL = 5 * time.Minute
	// refreshTimeout bounds a shared refresh, which outlives the caller that started it.
	refreshTimeout = 30 * time.Second
)

// ErrEmptyToken is returned when the source issues a blank token.
var ErrEmptyToken = errors.New("credential source returned an empty token")

// Token is an issued bearer credential.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// Source issues fresh tokens. ExpiresAt may be zero when the issuer omits it.
type Source interface {
	IssueToken(ctx context.Context) (Token, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (Token, error)

func (f SourceFunc) IssueToken(ctx context.Context) (Token, error) { return f(ctx) }

// Provider hands out a cached token while it is fresh and collapses
// concurrent refreshes into one call to the Source.
type Provider struct {
	source Source
	clock  clock.Clock
	skew   time.Duration
	ttl    time.Duration

	mu     sync.Mutex
	cached Token
	group  singleflight.Group
}

// Option configures a Provider.
type Option func(*Provider)

// WithClock overrides the time source.
func WithClock(c clock.Clock) Option { return func(p *Provider) { p.clock = c } }

// WithSkew sets how long before expiry a token is considered stale.
func WithSkew(d time.Duration) Option { return func(p *Provider) { p.skew = d } }

// WithDefaultTTL sets the lifetime assumed for tokens without any expiry.
func WithDefaultTTL(d time.Duration) Option { return func(p *Provider) { p.ttl = d } }

// NewProvider creates a provider backed by src.
func NewProvider(src Source, opts ...Option) *Provider {
	p := &Provider{
		source: src,
		clock:  clock.Real(),
		skew:   DefaultSkew,
		ttl:    DefaultTTL,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Token returns the cached token or refreshes it.
func (p *Provider) Token(ctx context.Context) (Token, error) {
	if tok, ok := p.fresh(); ok {
		return tok, nil
	}

	ch := p.group.DoChan("token", func() (interface{}, error) {
		// Another caller may have refreshed while we waited for the group.
		if tok, ok := p.fresh(); ok {
			return tok, nil
		}
		// Waiters share this call, so one caller going away must not fail the rest.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		return p.refresh(rctx)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return Token{}, res.Err
		}
		return res.Val.(Token), nil
	case <-ctx.Done():
		return Token{}, ctx.Err()
	}
}

// Invalidate drops the cached token so the next call refreshes.
func (p *Provider) Invalidate() {
	p.mu.Lock()
	p.cached = Token{}
	p.mu.Unlock()
}

func (p *Provider) fresh() (Token, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cached.Value == "" {
		return Token{}, false
	}
	if !p.clock.Now().Before(p.cached.ExpiresAt.Add(-p.skew)) {
		return Token{}, false
	}
	return p.cached, true
}

func (p *Provider) refresh(ctx context.Context) (Token, error) {
	tok, err := p.source.IssueToken(ctx)
	if err != nil {
		return Token{}, fmt.Errorf("refresh token: %w", err)
	}
	if tok.Value == "" {
		return Token{}, ErrEmptyToken
	}
	if tok.ExpiresAt.IsZero() {
		if exp, ok := ExpiryFromJWT(tok.Value); ok {
			tok.ExpiresAt = exp
		} else {
			tok.ExpiresAt = p.clock.Now().Add(p.ttl)
		}
	}

	p.mu.Lock()
	p.cached = tok
	p.mu.Unlock()

	slog.Debug("credential: token refreshed", "expires_at", tok.ExpiresAt)
	return tok, nil
}

// ExpiryFromJWT reads the exp claim of a JWT without verifying its signature.
// The backend is the verifier; the client only needs to know when to refresh.
func ExpiryFromJWT(raw string) (time.Time, bool) {
	claims := jwt.RegisteredClaims{}
	_, _, err := jwt.NewParser().ParseUnverified(raw, &claims)
	if err != nil || claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}
