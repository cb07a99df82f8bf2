package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/botlink/internal/backend"
	"github.com/nextlevelbuilder/botlink/internal/bus"
	"github.com/nextlevelbuilder/botlink/internal/clock"
	"github.com/nextlevelbuilder/botlink/internal/coordinator"
	"github.com/nextlevelbuilder/botlink/internal/reconcile"
	"github.com/nextlevelbuilder/botlink/internal/status"
	"github.com/nextlevelbuilder/botlink/internal/store/file"
	"github.com/nextlevelbuilder/botlink/pkg/protocol"
)

var epoch = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

type fakeBackend struct {
	clk     *clock.Manual
	mu      sync.Mutex
	pairErr error
}

func (f *fakeBackend) Status(context.Context, status.Target) (status.ConnectionStatus, error) {
	return status.ConnectionStatus{Phase: status.PhaseConnecting}, nil
}

func (f *fakeBackend) RequestPairingCode(context.Context, status.Target) (*backend.PairResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pairErr != nil {
		return nil, f.pairErr
	}
	return &backend.PairResult{PairingCode: "2@code", Format: "text", ExpiresAt: f.clk.Now().Add(time.Minute)}, nil
}

type apiFixture struct {
	srv   *httptest.Server
	be    *fakeBackend
	coord *coordinator.Coordinator
	token string
}

func newAPI(t *testing.T, cfg Config) *apiFixture {
	t.Helper()
	clk := clock.NewManual(epoch)
	be := &fakeBackend{clk: clk}
	st, err := file.NewAttemptStore(filepath.Join(t.TempDir(), "attempts.json"), 0)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	coord := coordinator.New(coordinator.Config{}, coordinator.Deps{Backend: be, Store: st, Clock: clk})
	s := New(cfg, coord)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		srv.Close()
		s.Close()
		coord.Close()
	})
	return &apiFixture{srv: srv, be: be, coord: coord, token: cfg.Token}
}

func (f *apiFixture) do(t *testing.T, method, path, user string, out any) int {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, bytes.NewReader(nil))
	if err != nil {
		t.Fatal(err)
	}
	if user != "" {
		req.Header.Set(HeaderUserID, user)
	}
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

func TestServer_Health(t *testing.T) {
	f := newAPI(t, Config{Token: "secret"})
	resp, err := http.Get(f.srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health = %d, want 200", resp.StatusCode)
	}
}

func TestServer_RequiresToken(t *testing.T) {
	f := newAPI(t, Config{Token: "secret"})

	f.token = ""
	var body errorBody
	if code := f.do(t, http.MethodGet, "/v1/targets/bot-1/status", "u1", &body); code != http.StatusUnauthorized {
		t.Errorf("no token = %d, want 401", code)
	}
	if body.Error.Code != protocol.ErrUnauthorized {
		t.Errorf("error code = %q", body.Error.Code)
	}

	f.token = "wrong"
	if code := f.do(t, http.MethodGet, "/v1/targets/bot-1/status", "u1", nil); code != http.StatusUnauthorized {
		t.Errorf("wrong token = %d, want 401", code)
	}

	f.token = "secret"
	if code := f.do(t, http.MethodGet, "/v1/targets/bot-1/status", "u1", nil); code != http.StatusOK {
		t.Errorf("valid token = %d, want 200", code)
	}
}

func TestServer_RequiresUser(t *testing.T) {
	f := newAPI(t, Config{})
	if code := f.do(t, http.MethodGet, "/v1/targets/bot-1/status", "", nil); code != http.StatusBadRequest {
		t.Errorf("missing user = %d, want 400", code)
	}
	if code := f.do(t, http.MethodGet, "/v1/targets/bot-1/status", strings.Repeat("u", 300), nil); code != http.StatusBadRequest {
		t.Errorf("long user = %d, want 400", code)
	}
}

func TestServer_StatusOfUnknownTarget(t *testing.T) {
	f := newAPI(t, Config{})
	var got statusResponse
	if code := f.do(t, http.MethodGet, "/v1/targets/bot-1/status", "u1", &got); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if got.State != string(reconcile.StateIdle) || got.IsActive {
		t.Errorf("status = %+v, want idle", got)
	}
	if f.coord.Len() != 0 {
		t.Errorf("status read created %d sessions", f.coord.Len())
	}
}

func TestServer_PairAndDisconnect(t *testing.T) {
	f := newAPI(t, Config{})

	var first pairResponse
	if code := f.do(t, http.MethodPost, "/v1/targets/bot-1/pair", "u1", &first); code != http.StatusOK {
		t.Fatalf("pair = %d", code)
	}
	if first.Attempt == nil || first.Status.PairingCode == "" || first.State != string(reconcile.StateConnecting) {
		t.Fatalf("pair response = %+v", first)
	}

	var again pairResponse
	f.do(t, http.MethodPost, "/v1/targets/bot-1/pair", "u1", &again)
	if again.Attempt == nil || again.Attempt.ID != first.Attempt.ID {
		t.Errorf("duplicate pair created a new attempt")
	}

	var st statusResponse
	f.do(t, http.MethodGet, "/v1/targets/bot-1/status", "u1", &st)
	if !st.IsActive || st.Status.Phase != status.PhaseConnecting {
		t.Errorf("status after pair = %+v", st)
	}

	// Another user's target with the same id is a different session.
	var other statusResponse
	f.do(t, http.MethodGet, "/v1/targets/bot-1/status", "u2", &other)
	if other.IsActive {
		t.Error("session leaked across users")
	}

	var after statusResponse
	if code := f.do(t, http.MethodPost, "/v1/targets/bot-1/disconnect", "u1", &after); code != http.StatusOK {
		t.Fatalf("disconnect = %d", code)
	}
	if after.IsActive || after.State != string(reconcile.StateIdle) || after.Status.PairingCode != "" {
		t.Errorf("after disconnect = %+v", after)
	}

	var hist struct {
		Attempts []map[string]any `json:"attempts"`
	}
	f.do(t, http.MethodGet, "/v1/targets/bot-1/attempts?limit=5", "u1", &hist)
	if len(hist.Attempts) != 1 || hist.Attempts[0]["attemptId"] != first.Attempt.ID {
		t.Errorf("attempts = %v", hist.Attempts)
	}
}

func TestServer_PairFailures(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
		want string
	}{
		{"rejected", &backend.PairingRejectedError{Reason: "no plan"}, http.StatusUnprocessableEntity, protocol.ErrPairingFailed},
		{"rate limited", &backend.RateLimitError{RetryAfter: 3 * time.Second}, http.StatusTooManyRequests, protocol.ErrRateLimited},
		{"unavailable", errors.New("connection refused"), http.StatusBadGateway, protocol.ErrUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newAPI(t, Config{})
			f.be.pairErr = tt.err
			var resp pairResponse
			if code := f.do(t, http.MethodPost, "/v1/targets/bot-1/pair", "u1", &resp); code != tt.code {
				t.Errorf("status = %d, want %d", code, tt.code)
			}
			if resp.Error == nil || resp.Error.Code != tt.want {
				t.Errorf("error = %+v, want code %s", resp.Error, tt.want)
			}
			if resp.State != string(reconcile.StateError) {
				t.Errorf("state = %s, want error", resp.State)
			}
		})
	}
}

func TestServer_RateLimitPerUser(t *testing.T) {
	f := newAPI(t, Config{RateLimitRPM: 1, RateLimitBurst: 2})
	for i := 0; i < 2; i++ {
		if code := f.do(t, http.MethodGet, "/v1/targets/bot-1/status", "u1", nil); code != http.StatusOK {
			t.Fatalf("request %d = %d", i, code)
		}
	}
	if code := f.do(t, http.MethodGet, "/v1/targets/bot-1/status", "u1", nil); code != http.StatusTooManyRequests {
		t.Errorf("over limit = %d, want 429", code)
	}
	if code := f.do(t, http.MethodGet, "/v1/targets/bot-1/status", "u2", nil); code != http.StatusOK {
		t.Errorf("other user = %d, want 200", code)
	}
}

func TestServer_EventsStream(t *testing.T) {
	f := newAPI(t, Config{Token: "secret"})

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/v1/targets/bot-1/events?token=secret&userId=u1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	read := func() bus.Event {
		t.Helper()
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var frame protocol.EventFrame
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("read: %v", err)
		}
		if frame.Event != bus.EventStatusChanged {
			t.Fatalf("event = %q", frame.Event)
		}
		var e bus.Event
		if err := json.Unmarshal(frame.Payload, &e); err != nil {
			t.Fatalf("payload: %v", err)
		}
		return e
	}

	if e := read(); e.State != string(reconcile.StateIdle) || e.TargetID != "bot-1" {
		t.Errorf("initial event = %+v", e)
	}

	f.do(t, http.MethodPost, "/v1/targets/bot-1/pair", "u1", nil)
	for {
		e := read()
		if e.State == string(reconcile.StateConnecting) {
			if e.Status.PairingCode == "" {
				t.Error("connecting event without pairing code")
			}
			break
		}
	}
}

func TestServer_EventsOriginCheck(t *testing.T) {
	f := newAPI(t, Config{Token: "secret"})
	wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/v1/targets/bot-1/events?token=secret&userId=u1"

	hdr := http.Header{}
	hdr.Set("Origin", "https://evil.example")
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, hdr)
	if err == nil {
		conn.Close()
		t.Fatal("cross-site upgrade accepted")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("response = %v, want 403", resp)
	}

	hdr.Set("Origin", f.srv.URL)
	conn, _, err = websocket.DefaultDialer.Dial(wsURL, hdr)
	if err != nil {
		t.Fatalf("same-origin dial: %v", err)
	}
	conn.Close()
}

func TestServer_CheckOriginAllowList(t *testing.T) {
	s := &Server{cfg: Config{AllowedOrigins: []string{"https://app.example"}}}
	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"https://app.example", true},
		{"http://api.local:8790", true},
		{"https://evil.example", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "http://api.local:8790/v1/targets/bot-1/events", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		if got := s.checkOrigin(r); got != tt.want {
			t.Errorf("checkOrigin(%q) = %v, want %v", tt.origin, got, tt.want)
		}
	}
}
