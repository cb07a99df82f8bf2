// Package listener holds the push channel to the bot backend: one WebSocket
// per target, normalized into connection status snapshots.
package listener

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/botlink/internal/clock"
	"github.com/nextlevelbuilder/botlink/internal/registry"
	"github.com/nextlevelbuilder/botlink/internal/status"
	"github.com/nextlevelbuilder/botlink/pkg/protocol"
)

const (
	DefaultMinConnectInterval = 2 * time.Second
	DefaultMaxReconnects      = 5
	DefaultHandshakeTimeout   = 10 * time.Second
	DefaultPingInterval       = 30 * time.Second

	// maxFrameSize bounds a single inbound frame (pairing code images included).
	maxFrameSize = 1 << 20
	writeTimeout = 10 * time.Second
	dedupeSize   = 256
	dedupeTTL    = 10 * time.Minute
)

var (
	// ErrReconnectLimit is returned once Connect has been called more than MaxReconnects times.
	ErrReconnectLimit = errors.New("push channel reconnect limit reached")
	// ErrDebounced is returned when Connect is called within MinConnectInterval of the previous call.
	ErrDebounced = errors.New("push channel connect debounced")
	// ErrDisconnected is returned when Disconnect won the race against an in-flight Connect.
	ErrDisconnected = errors.New("push channel disconnected")
	// ErrHandshakeRejected is returned when the backend answers the handshake with an error.
	ErrHandshakeRejected = errors.New("push channel handshake rejected")
)

// State of the channel.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
)

// Event is one normalized push notification.
type Event struct {
	Kind       string                  // protocol.Event* name
	Status     status.ConnectionStatus // normalized snapshot
	CodeFormat string                  // format hint for pairing-code-updated
}

// Config configures the listener.
type Config struct {
	URL                string
	MinConnectInterval time.Duration
	MaxReconnects      int
	HandshakeTimeout   time.Duration
	PingInterval       time.Duration
	Dialer             *websocket.Dialer
}

// Handlers receive listener output. OnDrop fires at most once per channel instance.
type Handlers struct {
	OnEvent func(Event)
	OnDrop  func(error)
}

// Listener owns a single push channel for one target.
type Listener struct {
	cfg      Config
	clock    clock.Clock
	registry registry.Registry
	handlers Handlers
	seen     *expirable.LRU[int64, struct{}]

	mu       sync.Mutex
	state    State
	gen      uint64
	attempts int
	limiter  *rate.Limiter
	conn     *websocket.Conn
	lease    registry.Lease
	stopPing chan struct{}
}

// New creates an idle listener.
func New(cfg Config, clk clock.Clock, reg registry.Registry, h Handlers) *Listener {
	if cfg.MinConnectInterval <= 0 {
		cfg.MinConnectInterval = DefaultMinConnectInterval
	}
	if cfg.MaxReconnects <= 0 {
		cfg.MaxReconnects = DefaultMaxReconnects
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		}
	}
	if clk == nil {
		clk = clock.Real()
	}
	if reg == nil {
		reg = registry.NewMemory()
	}
	return &Listener{
		cfg:      cfg,
		clock:    clk,
		registry: reg,
		handlers: h,
		seen:     expirable.NewLRU[int64, struct{}](dedupeSize, nil, dedupeTTL),
		state:    StateIdle,
		limiter:  rate.NewLimiter(rate.Every(cfg.MinConnectInterval), 1),
	}
}

// MinConnectInterval is the spacing enforced between Connect calls.
func (l *Listener) MinConnectInterval() time.Duration { return l.cfg.MinConnectInterval }

// State returns the channel state.
func (l *Listener) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Attempts returns how many Connect calls counted toward the ceiling.
func (l *Listener) Attempts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.attempts
}

// Connect opens the push channel and performs the handshake. It is a no-op
// while a channel is connecting or connected. There is no automatic
// reconnection: a dropped channel is reported through OnDrop.
func (l *Listener) Connect(ctx context.Context, token string, target status.Target) error {
	l.mu.Lock()
	if l.state != StateIdle {
		l.mu.Unlock()
		return nil
	}
	if !l.limiter.AllowN(l.clock.Now(), 1) {
		l.mu.Unlock()
		return ErrDebounced
	}
	l.attempts++
	if l.attempts > l.cfg.MaxReconnects {
		l.mu.Unlock()
		return ErrReconnectLimit
	}
	l.state = StateConnecting
	l.gen++
	gen := l.gen
	// Seq numbers restart on every channel.
	l.seen.Purge()
	attempt := l.attempts
	l.mu.Unlock()

	slog.Info("listener: connecting", "target", target.Key(), "attempt", attempt)

	lease, err := l.registry.Acquire(ctx, registry.Key(target.Key(), registry.KindPush))
	if err != nil {
		l.abort(gen)
		return fmt.Errorf("register push channel: %w", err)
	}

	conn, err := l.dial(ctx, token, target)
	if err != nil {
		lease.Release()
		l.abort(gen)
		return err
	}

	l.mu.Lock()
	if gen != l.gen {
		l.mu.Unlock()
		conn.Close()
		lease.Release()
		return ErrDisconnected
	}
	l.state = StateConnected
	l.conn = conn
	l.lease = lease
	l.stopPing = make(chan struct{})
	stopPing := l.stopPing
	l.mu.Unlock()

	slog.Info("listener: connected", "target", target.Key())
	go l.readLoop(conn, gen, target)
	go l.pingLoop(conn, stopPing)
	return nil
}

// Disconnect closes the channel. Idempotent and safe before Connect returns.
func (l *Listener) Disconnect() {
	l.mu.Lock()
	l.gen++
	conn := l.closeLocked()
	l.mu.Unlock()
	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		conn.Close()
	}
}

// Reset clears the reconnect counter so a fresh pairing gets a full budget.
func (l *Listener) Reset() {
	l.mu.Lock()
	l.attempts = 0
	l.mu.Unlock()
}

func (l *Listener) closeLocked() *websocket.Conn {
	conn := l.conn
	l.conn = nil
	l.state = StateIdle
	if l.stopPing != nil {
		close(l.stopPing)
		l.stopPing = nil
	}
	if l.lease != nil {
		l.lease.Release()
		l.lease = nil
	}
	return conn
}

func (l *Listener) abort(gen uint64) {
	l.mu.Lock()
	if gen == l.gen {
		l.state = StateIdle
	}
	l.mu.Unlock()
}

func (l *Listener) dial(ctx context.Context, token string, target status.Target) (*websocket.Conn, error) {
	hctx, cancel := context.WithTimeout(ctx, l.cfg.HandshakeTimeout)
	defer cancel()

	conn, _, err := l.cfg.Dialer.DialContext(hctx, l.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial push channel: %w", err)
	}
	conn.SetReadLimit(maxFrameSize)

	reqID := uuid.NewString()
	req, err := protocol.NewConnectRequest(reqID, protocol.ConnectParams{
		Token:    token,
		TargetID: target.TargetID,
		UserID:   target.UserID,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("build handshake: %w", err)
	}

	deadline := time.Now().Add(l.cfg.HandshakeTimeout)
	conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(req); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send handshake: %w", err)
	}

	conn.SetReadDeadline(deadline)
	var resp protocol.ResponseFrame
	if err := conn.ReadJSON(&resp); err != nil {
		conn.Close()
		return nil, fmt.Errorf("read handshake response: %w", err)
	}
	if resp.Type != protocol.FrameTypeResponse || resp.ID != reqID {
		conn.Close()
		return nil, fmt.Errorf("%w: unexpected frame %q", ErrHandshakeRejected, resp.Type)
	}
	if !resp.OK {
		conn.Close()
		if resp.Error != nil {
			return nil, fmt.Errorf("%w: %s: %s", ErrHandshakeRejected, resp.Error.Code, resp.Error.Message)
		}
		return nil, ErrHandshakeRejected
	}

	conn.SetReadDeadline(time.Time{})
	return conn, nil
}

func (l *Listener) readLoop(conn *websocket.Conn, gen uint64, target status.Target) {
	readWindow := 2 * l.cfg.PingInterval
	conn.SetReadDeadline(time.Now().Add(readWindow))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readWindow))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			l.dropped(conn, gen, target, err)
			return
		}
		conn.SetReadDeadline(time.Now().Add(readWindow))

		l.mu.Lock()
		current := gen == l.gen
		l.mu.Unlock()
		if !current {
			return
		}
		l.handleFrame(data, target)
	}
}

func (l *Listener) dropped(conn *websocket.Conn, gen uint64, target status.Target, err error) {
	l.mu.Lock()
	if gen != l.gen {
		// Disconnect closed it on purpose.
		l.mu.Unlock()
		return
	}
	l.gen++
	l.closeLocked()
	l.mu.Unlock()
	conn.Close()

	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		slog.Warn("listener: push channel dropped", "target", target.Key(), "error", err)
	} else {
		slog.Info("listener: push channel closed", "target", target.Key())
	}
	if l.handlers.OnDrop != nil {
		l.handlers.OnDrop(err)
	}
}

func (l *Listener) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(l.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				slog.Debug("listener: ping failed", "error", err)
				return
			}
		}
	}
}

func (l *Listener) handleFrame(data []byte, target status.Target) {
	frameType, err := protocol.ParseFrameType(data)
	if err != nil {
		slog.Warn("listener: invalid frame", "target", target.Key(), "error", err)
		return
	}
	if frameType != protocol.FrameTypeEvent {
		slog.Debug("listener: ignoring frame", "type", frameType)
		return
	}

	var frame protocol.EventFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		slog.Warn("listener: malformed event", "target", target.Key(), "error", err)
		return
	}
	if frame.Seq > 0 {
		if _, dup := l.seen.Get(frame.Seq); dup {
			slog.Debug("listener: duplicate event dropped", "seq", frame.Seq)
			return
		}
		l.seen.Add(frame.Seq, struct{}{})
	}

	ev, ok := Normalize(frame)
	if !ok {
		slog.Debug("listener: unknown event", "event", frame.Event, "seq", frame.Seq)
		return
	}
	if l.handlers.OnEvent != nil {
		l.handlers.OnEvent(ev)
	}
}

// Normalize maps a push event frame to a status snapshot. Unknown events report false.
func Normalize(frame protocol.EventFrame) (Event, bool) {
	ev := Event{Kind: frame.Event}
	switch frame.Event {
	case protocol.EventConnected:
		var p protocol.ConnectedPayload
		decodePayload(frame, &p)
		ev.Status = status.ConnectionStatus{
			Connected:   true,
			Phase:       status.PhaseConnected,
			PhoneNumber: p.PhoneNumber,
			DisplayName: p.DisplayName,
			LastSeenAt:  p.LastSeenAt,
		}

	case protocol.EventDisconnected:
		ev.Status = status.ConnectionStatus{Phase: status.PhaseDisconnected}

	case protocol.EventPairingCodeUpdated:
		var p protocol.PairingCodePayload
		decodePayload(frame, &p)
		if p.PairingCode == "" {
			return Event{}, false
		}
		exp := p.PairingCodeExpiresAt
		ev.Status = status.ConnectionStatus{
			Phase:                status.PhaseConnecting,
			PairingCode:          p.PairingCode,
			PairingCodeExpiresAt: &exp,
		}
		ev.CodeFormat = p.Format

	case protocol.EventPairingAttemptFailed:
		var p protocol.PairingFailedPayload
		decodePayload(frame, &p)
		reason := p.Reason
		if reason == "" {
			reason = "Pairing attempt failed"
		}
		ev.Status = status.ConnectionStatus{Phase: status.PhaseError, Error: reason}

	default:
		return Event{}, false
	}
	return ev, true
}

func decodePayload(frame protocol.EventFrame, v any) {
	if len(frame.Payload) == 0 {
		return
	}
	if err := json.Unmarshal(frame.Payload, v); err != nil {
		slog.Warn("listener: bad event payload", "event", frame.Event, "error", err)
	}
}
