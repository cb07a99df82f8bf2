// Package backend is the HTTP client for the opaque bot backend: credential
// issuance, pairing code requests and status queries.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/botlink/internal/clock"
	"github.com/nextlevelbuilder/botlink/internal/credential"
	"github.com/nextlevelbuilder/botlink/internal/status"
	"github.com/nextlevelbuilder/botlink/pkg/protocol"
)

const (
	defaultTimeout = 15 * time.Second
	apiKeyHeader   = "X-Api-Key"
	maxErrorBody   = 4 << 10
)

var tracer = otel.Tracer("github.com/nextlevelbuilder/botlink/internal/backend")

// Config configures the backend client.
type Config struct {
	BaseURL string        // e.g. "https://bots.example.com/api"
	PushURL string        // WebSocket endpoint; derived from BaseURL when empty
	APIKey  string        // exchanged for short-lived tokens
	Timeout time.Duration // per-request timeout (default 15s)
}

// PairResult is the outcome of a pairing code request.
type PairResult struct {
	PairingCode   string
	ExpiresAt     time.Time
	Format        string // "text", "png", "jpeg", "data-url" or empty
	AlreadyPaired bool
	Status        status.ConnectionStatus // set when AlreadyPaired
}

// Client talks to the bot backend.
type Client struct {
	baseURL string
	pushURL string
	apiKey  string
	http    *http.Client
	creds   *credential.Provider
}

// NewClient creates a client. The client is its own credential source.
func NewClient(cfg Config, clk clock.Clock) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if clk == nil {
		clk = clock.Real()
	}
	c := &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		pushURL: cfg.PushURL,
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
	}
	c.creds = credential.NewProvider(credential.SourceFunc(c.IssueToken), credential.WithClock(clk))
	return c
}

// Credentials returns the token provider shared with the push listener.
func (c *Client) Credentials() *credential.Provider { return c.creds }

// PushURL returns the push channel endpoint.
func (c *Client) PushURL() string {
	if c.pushURL != "" {
		return c.pushURL
	}
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/push"
	return u.String()
}

type tokenResponse struct {
	Token     string     `json:"token"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// IssueToken exchanges the API key for a bearer token.
func (c *Client) IssueToken(ctx context.Context) (credential.Token, error) {
	ctx, span := tracer.Start(ctx, "backend.IssueToken")
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/auth/token", nil)
	if err != nil {
		return credential.Token{}, endSpan(span, fmt.Errorf("create token request: %w", err))
	}
	req.Header.Set(apiKeyHeader, c.apiKey)

	var out tokenResponse
	if err := c.do(req, span, &out); err != nil {
		return credential.Token{}, endSpan(span, fmt.Errorf("issue token: %w", err))
	}
	tok := credential.Token{Value: out.Token}
	if out.ExpiresAt != nil {
		tok.ExpiresAt = *out.ExpiresAt
	}
	return tok, nil
}

type pairRequest struct {
	TargetID string `json:"targetId"`
	UserID   string `json:"userId"`
}

type pairResponse struct {
	PairingCode          string                   `json:"pairingCode"`
	PairingCodeExpiresAt *time.Time               `json:"pairingCodeExpiresAt"`
	Format               string                   `json:"format,omitempty"`
	AlreadyPaired        bool                     `json:"alreadyPaired,omitempty"`
	Status               *status.ConnectionStatus `json:"status,omitempty"`
}

// RequestPairingCode asks the backend for a fresh one-time pairing code.
func (c *Client) RequestPairingCode(ctx context.Context, target status.Target) (*PairResult, error) {
	ctx, span := tracer.Start(ctx, "backend.RequestPairingCode", trace.WithAttributes(
		attribute.String("botlink.target_id", target.TargetID),
	))
	defer span.End()

	body, err := json.Marshal(pairRequest{TargetID: target.TargetID, UserID: target.UserID})
	if err != nil {
		return nil, endSpan(span, fmt.Errorf("marshal pair request: %w", err))
	}

	var out pairResponse
	err = c.authorized(ctx, span, func(token string) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/pair", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)
		return req, nil
	}, &out)

	var apiErr *APIError
	switch {
	case err == nil:
	case errors.As(err, &apiErr) && (apiErr.StatusCode == http.StatusConflict || apiErr.Code == protocol.ErrAlreadyPaired):
		out.AlreadyPaired = true
	case errors.As(err, &apiErr) && isRejection(apiErr):
		return nil, endSpan(span, &PairingRejectedError{Code: apiErr.Code, Reason: apiErr.Message})
	default:
		return nil, endSpan(span, fmt.Errorf("request pairing code: %w", err))
	}

	if out.AlreadyPaired {
		var st status.ConnectionStatus
		if out.Status != nil {
			st = *out.Status
		}
		st.Connected = true
		return &PairResult{AlreadyPaired: true, Status: st.Normalize()}, nil
	}
	if out.PairingCode == "" {
		return nil, endSpan(span, &PairingRejectedError{Reason: "backend returned no pairing code"})
	}
	res := &PairResult{PairingCode: out.PairingCode, Format: out.Format}
	if out.PairingCodeExpiresAt != nil {
		res.ExpiresAt = *out.PairingCodeExpiresAt
	}
	return res, nil
}

// Status queries the backend's view of the target's connection.
func (c *Client) Status(ctx context.Context, target status.Target) (status.ConnectionStatus, error) {
	ctx, span := tracer.Start(ctx, "backend.Status", trace.WithAttributes(
		attribute.String("botlink.target_id", target.TargetID),
	))
	defer span.End()

	q := url.Values{}
	q.Set("targetId", target.TargetID)
	q.Set("userId", target.UserID)

	var out status.ConnectionStatus
	err := c.authorized(ctx, span, func(token string) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status?"+q.Encode(), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		return req, nil
	}, &out)
	if err != nil {
		return status.ConnectionStatus{}, endSpan(span, fmt.Errorf("query status: %w", err))
	}
	out = out.Normalize()
	span.SetAttributes(attribute.Bool("botlink.connected", out.Connected))
	return out, nil
}

// authorized runs a bearer-authenticated request, refreshing the token once on 401.
func (c *Client) authorized(ctx context.Context, span trace.Span, build func(token string) (*http.Request, error), out any) error {
	for attempt := 0; attempt < 2; attempt++ {
		tok, err := c.creds.Token(ctx)
		if err != nil {
			return err
		}
		req, err := build(tok.Value)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		err = c.do(req, span, out)
		if err == nil || !errors.Is(err, ErrUnauthorized) || attempt == 1 {
			return err
		}
		slog.Debug("backend: token rejected, refreshing", "path", req.URL.Path)
		c.creds.Invalidate()
	}
	return ErrUnauthorized
}

// errorBody is the backend's JSON error envelope.
type errorBody struct {
	Error *protocol.ErrorShape `json:"error,omitempty"`
}

func (c *Client) do(req *http.Request, span trace.Span, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var eb errorBody
	_ = json.Unmarshal(data, &eb)

	if resp.StatusCode == http.StatusTooManyRequests || (eb.Error != nil && eb.Error.Code == protocol.ErrRateLimited) {
		rl := &RateLimitError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
		if eb.Error != nil {
			rl.Message = eb.Error.Message
			if rl.RetryAfter == 0 && eb.Error.RetryAfterMs > 0 {
				rl.RetryAfter = time.Duration(eb.Error.RetryAfterMs) * time.Millisecond
			}
		}
		return rl
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 || eb.Error != nil {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if eb.Error != nil {
			apiErr.Code = eb.Error.Code
			apiErr.Message = eb.Error.Message
		} else {
			apiErr.Message = truncate(string(data), maxErrorBody)
		}
		return apiErr
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// isRejection reports whether a /pair error means the backend refused this request
// rather than failed to process it.
func isRejection(e *APIError) bool {
	if e.Code == protocol.ErrPairingFailed || e.Code == protocol.ErrInvalidRequest {
		return true
	}
	return e.StatusCode >= 400 && e.StatusCode < 500
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func endSpan(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
