package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/botlink/internal/backend"
	"github.com/nextlevelbuilder/botlink/internal/bus"
	"github.com/nextlevelbuilder/botlink/internal/clock"
	"github.com/nextlevelbuilder/botlink/internal/poller"
	"github.com/nextlevelbuilder/botlink/internal/reconcile"
	"github.com/nextlevelbuilder/botlink/internal/registry"
	"github.com/nextlevelbuilder/botlink/internal/status"
)

var (
	epoch  = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	target = status.Target{UserID: "u1", TargetID: "bot-1"}
)

type result struct {
	st  status.ConnectionStatus
	err error
}

func rateLimited() result {
	return result{err: &backend.RateLimitError{Message: "slow down"}}
}

func pending() result {
	return result{st: status.ConnectionStatus{Phase: status.PhaseConnecting}}
}

func connected() result {
	return result{st: status.ConnectionStatus{Connected: true, PhoneNumber: "+15550100"}}
}

// fakeBackend serves scripted status results and a fixed pairing code.
type fakeBackend struct {
	clk      *clock.Manual
	mu       sync.Mutex
	script   []result
	fallback result
	calls    []time.Time
	pairs    int
	pairErr  error
}

func (f *fakeBackend) Status(ctx context.Context, _ status.Target) (status.ConnectionStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, f.clk.Now())
	r := f.fallback
	if len(f.script) > 0 {
		r = f.script[0]
		f.script = f.script[1:]
	}
	return r.st, r.err
}

func (f *fakeBackend) RequestPairingCode(ctx context.Context, _ status.Target) (*backend.PairResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pairs++
	if f.pairErr != nil {
		return nil, f.pairErr
	}
	return &backend.PairResult{
		PairingCode: "2@pair-code,abc",
		Format:      "text",
		ExpiresAt:   f.clk.Now().Add(10 * time.Minute),
	}, nil
}

func (f *fakeBackend) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestCoordinator(t *testing.T, be *fakeBackend, reg registry.Registry) (*Coordinator, *Session) {
	t.Helper()
	c := New(Config{Poller: poller.DefaultConfig()}, Deps{
		Backend:  be,
		Registry: reg,
		Clock:    be.clk,
	})
	s, err := c.Session(target)
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	t.Cleanup(c.Close)
	return c, s
}

func TestCoordinator_RateLimitedPairingConnects(t *testing.T) {
	clk := clock.NewManual(epoch)
	be := &fakeBackend{
		clk:      clk,
		script:   []result{rateLimited(), rateLimited(), rateLimited(), connected()},
		fallback: pending(),
	}
	_, s := newTestCoordinator(t, be, nil)

	if _, err := s.RequestPairing(context.Background()); err != nil {
		t.Fatalf("RequestPairing: %v", err)
	}
	if s.Status().PairingCode == "" {
		t.Fatal("no pairing code after request")
	}
	clk.Advance(0)

	var backoffs []time.Duration
	for i := 0; i < 3; i++ {
		ps := s.PollingSession()
		backoffs = append(backoffs, ps.CurrentBackoff)
		if ps.ConsecutiveErrorCount != 0 {
			t.Errorf("consecutive errors = %d, want 0", ps.ConsecutiveErrorCount)
		}
		clk.Advance(ps.CurrentBackoff)
	}

	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}
	for i := range want {
		if backoffs[i] != want[i] {
			t.Errorf("backoff[%d] = %v, want %v", i, backoffs[i], want[i])
		}
	}
	if s.State() != reconcile.StateConnected {
		t.Fatalf("state = %s, want connected", s.State())
	}
	st := s.Status()
	if !st.Connected || st.PairingCode != "" || st.PairingCodeExpiresAt != nil {
		t.Errorf("status = %+v, want connected without code", st)
	}
	if s.IsActive() {
		t.Error("session still active after connected")
	}
	if a := s.Attempt(); a == nil || a.Status != string(status.AttemptSucceeded) {
		t.Errorf("attempt = %+v, want succeeded", a)
	}

	clk.Advance(time.Hour)
	if be.callCount() != 4 {
		t.Errorf("status calls = %d, want 4", be.callCount())
	}
}

func TestCoordinator_MaxDurationFails(t *testing.T) {
	clk := clock.NewManual(epoch)
	be := &fakeBackend{clk: clk, fallback: pending()}
	_, s := newTestCoordinator(t, be, nil)

	s.RequestPairing(context.Background())
	clk.Advance(poller.DefaultMaxDuration + 2*time.Second)

	if s.State() != reconcile.StateError {
		t.Fatalf("state = %s, want error", s.State())
	}
	if got := s.Err(); got != "Maximum polling duration reached" {
		t.Errorf("Err() = %q, want %q", got, "Maximum polling duration reached")
	}
	if st := s.Status(); st.Phase != status.PhaseError || st.PairingCode != "" {
		t.Errorf("status = %+v, want error phase without code", st)
	}
	if s.IsActive() {
		t.Error("poller still running after max duration")
	}
	if a := s.Attempt(); a == nil || a.Status != string(status.AttemptFailed) {
		t.Errorf("attempt = %+v, want failed", a)
	}
	if clk.Pending() != 0 {
		t.Errorf("pending timers = %d, want 0", clk.Pending())
	}
}

func TestCoordinator_ConsecutiveErrorsStopUntilNewPairing(t *testing.T) {
	clk := clock.NewManual(epoch)
	be := &fakeBackend{clk: clk, fallback: result{err: errors.New("backend down")}}
	_, s := newTestCoordinator(t, be, nil)

	s.RequestPairing(context.Background())
	clk.Advance(time.Hour)

	if got := be.callCount(); got != poller.DefaultMaxConsecutiveErrors {
		t.Fatalf("status calls = %d, want %d", got, poller.DefaultMaxConsecutiveErrors)
	}
	if s.State() != reconcile.StateError {
		t.Errorf("state = %s, want error", s.State())
	}
	s.StartPolling()
	clk.Advance(time.Hour)
	if s.State() != reconcile.StateError {
		t.Errorf("state left error without a new pairing: %s", s.State())
	}

	be.mu.Lock()
	be.fallback = connected()
	be.mu.Unlock()
	before := be.callCount()
	if _, err := s.RequestPairing(context.Background()); err != nil {
		t.Fatalf("RequestPairing: %v", err)
	}
	clk.Advance(0)
	if be.callCount() <= before {
		t.Error("no status query after new pairing")
	}
	if s.State() != reconcile.StateConnected {
		t.Errorf("state = %s, want connected", s.State())
	}
}

func TestCoordinator_StartTwiceOneSession(t *testing.T) {
	clk := clock.NewManual(epoch)
	be := &fakeBackend{clk: clk, fallback: pending()}
	reg := registry.NewMemory()
	c, s := newTestCoordinator(t, be, reg)

	if !s.StartPolling() {
		t.Fatal("first StartPolling returned false")
	}
	if s.StartPolling() {
		t.Error("second StartPolling started another session")
	}
	again, _ := c.Session(target)
	if again != s {
		t.Error("Session returned a different session for the same target")
	}

	// A second coordinator sharing the registry must respect the lease.
	other := New(Config{}, Deps{Backend: be, Registry: reg, Clock: clk})
	t.Cleanup(other.Close)
	peer, _ := other.Session(target)
	if peer.StartPolling() {
		t.Error("second coordinator started polling a held target")
	}
	if reg.Len() != 1 {
		t.Errorf("registry leases = %d, want 1", reg.Len())
	}

	clk.Advance(0)
	if be.callCount() != 1 {
		t.Errorf("status calls = %d, want 1", be.callCount())
	}
}

func TestCoordinator_DuplicatePairingRequestsCollapse(t *testing.T) {
	clk := clock.NewManual(epoch)
	be := &fakeBackend{clk: clk, fallback: pending()}
	_, s := newTestCoordinator(t, be, nil)

	a1, _ := s.RequestPairing(context.Background())
	a2, _ := s.RequestPairing(context.Background())
	if a1.ID != a2.ID || be.pairs != 1 {
		t.Errorf("attempts %s/%s with %d backend calls, want one", a1.ID, a2.ID, be.pairs)
	}
}

func TestCoordinator_PairingRejectedStartsNothing(t *testing.T) {
	clk := clock.NewManual(epoch)
	be := &fakeBackend{clk: clk, pairErr: &backend.PairingRejectedError{Reason: "no subscription"}}
	_, s := newTestCoordinator(t, be, nil)

	if _, err := s.RequestPairing(context.Background()); !errors.Is(err, backend.ErrPairingRejected) {
		t.Fatalf("err = %v, want ErrPairingRejected", err)
	}
	clk.Advance(time.Minute)
	if be.callCount() != 0 || s.IsActive() {
		t.Errorf("sources started after rejection: calls = %d, active = %v", be.callCount(), s.IsActive())
	}
	if s.Err() != "no subscription" {
		t.Errorf("Err() = %q", s.Err())
	}
}

func TestCoordinator_DisconnectIsIdempotent(t *testing.T) {
	clk := clock.NewManual(epoch)
	be := &fakeBackend{clk: clk, fallback: pending()}
	_, s := newTestCoordinator(t, be, nil)

	s.Disconnect()
	s.RequestPairing(context.Background())
	clk.Advance(0)
	s.Disconnect()
	s.Disconnect()

	if s.State() != reconcile.StateIdle || s.IsActive() {
		t.Errorf("state = %s, active = %v after disconnect", s.State(), s.IsActive())
	}
	calls := be.callCount()
	clk.Advance(time.Hour)
	if be.callCount() != calls {
		t.Errorf("status calls after disconnect: %d -> %d", calls, be.callCount())
	}
	if clk.Pending() != 0 {
		t.Errorf("pending timers = %d, want 0", clk.Pending())
	}
}

func TestCoordinator_BroadcastsChanges(t *testing.T) {
	clk := clock.NewManual(epoch)
	be := &fakeBackend{clk: clk, fallback: connected()}
	c, s := newTestCoordinator(t, be, nil)

	var mu sync.Mutex
	var states []string
	c.Bus().Subscribe("test", func(e bus.Event) {
		mu.Lock()
		states = append(states, e.State)
		mu.Unlock()
	})

	s.RequestPairing(context.Background())
	clk.Advance(0)

	mu.Lock()
	defer mu.Unlock()
	if len(states) == 0 || states[len(states)-1] != string(reconcile.StateConnected) {
		t.Errorf("broadcast states = %v, want last connected", states)
	}
}

func TestCoordinator_InvalidTarget(t *testing.T) {
	c := New(Config{}, Deps{})
	if _, err := c.Session(status.Target{UserID: "u1"}); !errors.Is(err, status.ErrInvalidTarget) {
		t.Errorf("err = %v, want ErrInvalidTarget", err)
	}
	if c.Len() != 0 {
		t.Errorf("Len() = %d, want 0", c.Len())
	}
}

func TestCoordinator_ColonInIDsKeepsSessionsApart(t *testing.T) {
	c := New(Config{}, Deps{})
	a, err := c.Session(status.Target{UserID: "alice:x", TargetID: "y"})
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	b, err := c.Session(status.Target{UserID: "alice", TargetID: "x:y"})
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if a == b {
		t.Fatal("two users share one session")
	}
	if c.Len() != 2 {
		t.Errorf("Len() = %d, want 2", c.Len())
	}
	if got, ok := c.Lookup(status.Target{UserID: "alice", TargetID: "x:y"}); !ok || got != b {
		t.Errorf("Lookup returned %p, want %p", got, b)
	}
}
