package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/nextlevelbuilder/botlink/internal/bus"
	"github.com/nextlevelbuilder/botlink/internal/coordinator"
	"github.com/nextlevelbuilder/botlink/pkg/protocol"
)

const (
	// maxWSMessageSize bounds inbound frames; clients only send control frames.
	maxWSMessageSize = 4 * 1024
	wsReadWindow     = 60 * time.Second
	wsPingInterval   = 30 * time.Second
	wsWriteTimeout   = 10 * time.Second
	wsSendBuffer     = 64
)

func (s *Server) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
}

// checkOrigin admits non-browser clients, listed origins and the API's own
// origin. Other browser origins are refused.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if slices.Contains(s.cfg.AllowedOrigins, origin) || slices.Contains(s.cfg.AllowedOrigins, "*") {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

func (s *Server) handleEvents(c echo.Context) error {
	sess, err := s.session(c)
	if sess == nil {
		return err
	}
	up := s.upgrader()
	conn, err := up.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader has already answered the request.
		slog.Debug("httpapi: websocket upgrade failed", "error", err)
		return nil
	}

	client := newEventClient(conn)
	key := sess.Target().Key()
	s.coord.Bus().Subscribe(client.id, func(e bus.Event) {
		if e.TargetKey() == key {
			client.enqueue(e)
		}
	})
	defer s.coord.Bus().Unsubscribe(client.id)

	client.enqueue(currentEvent(sess))
	slog.Info("httpapi: events client connected", "client", client.id, "target", key)

	go client.writePump()
	client.readPump()
	client.close()
	slog.Info("httpapi: events client disconnected", "client", client.id, "target", key)
	return nil
}

func currentEvent(sess *coordinator.Session) bus.Event {
	t := sess.Target()
	e := bus.Event{
		Name:     bus.EventStatusChanged,
		UserID:   t.UserID,
		TargetID: t.TargetID,
		Status:   sess.Status(),
		State:    string(sess.State()),
		Error:    sess.Err(),
	}
	if a := sess.Attempt(); a != nil {
		e.AttemptID = a.ID
	}
	return e
}

// eventClient is one WebSocket subscriber of a target's status changes.
type eventClient struct {
	id   string
	conn *websocket.Conn

	mu     sync.Mutex
	seq    int64
	send   chan []byte
	closed bool
}

func newEventClient(conn *websocket.Conn) *eventClient {
	return &eventClient{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, wsSendBuffer),
	}
}

// enqueue frames e without blocking; a slow client loses events.
func (c *eventClient) enqueue(e bus.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.seq++
	frame, err := protocol.NewEvent(e.Name, c.seq, e)
	if err != nil {
		slog.Error("marshal event failed", "error", err)
		return
	}
	data, err := json.Marshal(frame)
	if err != nil {
		slog.Error("marshal event failed", "error", err)
		return
	}
	select {
	case c.send <- data:
	default:
		slog.Warn("client send buffer full, dropping event", "client", c.id)
	}
}

func (c *eventClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// readPump drains control frames until the client goes away.
func (c *eventClient) readPump() {
	defer c.conn.Close()

	c.conn.SetReadLimit(maxWSMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(wsReadWindow))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsReadWindow))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("websocket read error", "client", c.id, "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(wsReadWindow))
	}
}

// writePump writes frames and pings to the WebSocket connection.
func (c *eventClient) writePump() {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
