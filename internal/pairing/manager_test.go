package pairing

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/botlink/internal/backend"
	"github.com/nextlevelbuilder/botlink/internal/clock"
	"github.com/nextlevelbuilder/botlink/internal/reconcile"
	"github.com/nextlevelbuilder/botlink/internal/status"
	"github.com/nextlevelbuilder/botlink/internal/store/file"
)

var (
	epoch  = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	target = status.Target{UserID: "u1", TargetID: "bot-1"}
)

type fakeBackend struct {
	calls int
	res   *backend.PairResult
	err   error
}

func (f *fakeBackend) RequestPairingCode(ctx context.Context, _ status.Target) (*backend.PairResult, error) {
	f.calls++
	return f.res, f.err
}

type fakeChannels struct {
	startPolling, stopPolling, startListening, resetListening int
	listenErr                                                 error
}

func (f *fakeChannels) StartPolling() bool { f.startPolling++; return true }
func (f *fakeChannels) StopPolling()       { f.stopPolling++ }
func (f *fakeChannels) StartListening(ctx context.Context) error {
	f.startListening++
	return f.listenErr
}
func (f *fakeChannels) ResetListening() { f.resetListening++ }

type fixture struct {
	clk     *clock.Manual
	be      *fakeBackend
	ch      *fakeChannels
	machine *reconcile.Machine
	store   *file.AttemptStore
	mgr     *Manager
}

func newFixture(t *testing.T, res *backend.PairResult, err error) *fixture {
	t.Helper()
	f := &fixture{
		clk: clock.NewManual(epoch),
		be:  &fakeBackend{res: res, err: err},
		ch:  &fakeChannels{},
	}
	f.machine = reconcile.New(reconcile.Effects{StopPolling: f.ch.StopPolling})
	st, serr := file.NewAttemptStore(filepath.Join(t.TempDir(), "attempts.json"), 0)
	if serr != nil {
		t.Fatalf("store: %v", serr)
	}
	f.store = st
	f.mgr = NewManager(Config{Target: target}, f.be, f.machine, f.ch, st, f.clk)
	return f
}

func codeResult(exp time.Time) *backend.PairResult {
	return &backend.PairResult{PairingCode: "2@abc,def", Format: "text", ExpiresAt: exp}
}

func TestManager_RequestPairingStartsSources(t *testing.T) {
	f := newFixture(t, codeResult(epoch.Add(time.Minute)), nil)

	a, err := f.mgr.RequestPairing(context.Background())
	if err != nil {
		t.Fatalf("RequestPairing: %v", err)
	}
	if a.Status != string(status.AttemptPending) {
		t.Errorf("attempt status = %q, want pending", a.Status)
	}
	if f.machine.State() != reconcile.StateConnecting {
		t.Errorf("state = %s, want connecting", f.machine.State())
	}
	st := f.machine.Status()
	if !strings.HasPrefix(st.PairingCode, dataURLPrefix) {
		t.Errorf("pairing code not normalized: %.40q", st.PairingCode)
	}
	if f.ch.startPolling != 1 || f.ch.startListening != 1 {
		t.Errorf("channels = %+v, want one poll and one listen start", f.ch)
	}
	if f.ch.resetListening != 1 {
		t.Errorf("listener budget not reset")
	}
}

func TestManager_DuplicateRequestDebounced(t *testing.T) {
	f := newFixture(t, codeResult(epoch.Add(time.Minute)), nil)

	a1, _ := f.mgr.RequestPairing(context.Background())
	f.clk.Advance(100 * time.Millisecond)
	a2, _ := f.mgr.RequestPairing(context.Background())
	if a1.ID != a2.ID {
		t.Errorf("attempt ids differ within debounce: %s vs %s", a1.ID, a2.ID)
	}
	if f.be.calls != 1 {
		t.Errorf("backend calls = %d, want 1", f.be.calls)
	}

	f.clk.Advance(DefaultRequestDebounce)
	a3, _ := f.mgr.RequestPairing(context.Background())
	if a3.ID == a1.ID {
		t.Error("new request after debounce reused the attempt")
	}
	if f.be.calls != 2 {
		t.Errorf("backend calls = %d, want 2", f.be.calls)
	}
}

func TestManager_Rejected(t *testing.T) {
	f := newFixture(t, nil, &backend.PairingRejectedError{Reason: "subscription inactive"})

	a, err := f.mgr.RequestPairing(context.Background())
	if !errors.Is(err, backend.ErrPairingRejected) {
		t.Fatalf("err = %v, want ErrPairingRejected", err)
	}
	if a.Status != string(status.AttemptFailed) || a.ErrorReason != "subscription inactive" {
		t.Errorf("attempt = %+v", a)
	}
	if f.machine.State() != reconcile.StateError {
		t.Errorf("state = %s, want error", f.machine.State())
	}
	if f.ch.startPolling != 0 || f.ch.startListening != 0 {
		t.Errorf("sources started after rejection: %+v", f.ch)
	}

	saved, err := f.store.Get(context.Background(), a.ID)
	if err != nil || saved.Status != string(status.AttemptFailed) || saved.FinishedAt == nil {
		t.Errorf("stored attempt = %+v, %v", saved, err)
	}
}

func TestManager_AlreadyPaired(t *testing.T) {
	f := newFixture(t, &backend.PairResult{
		AlreadyPaired: true,
		Status:        status.ConnectionStatus{Connected: true, PhoneNumber: "+1555"},
	}, nil)

	a, err := f.mgr.RequestPairing(context.Background())
	if err != nil {
		t.Fatalf("RequestPairing: %v", err)
	}
	if a.Status != string(status.AttemptSucceeded) {
		t.Errorf("attempt status = %q, want succeeded", a.Status)
	}
	if f.machine.State() != reconcile.StateConnected {
		t.Errorf("state = %s, want connected", f.machine.State())
	}
	if f.machine.Status().PhoneNumber != "+1555" {
		t.Errorf("phone = %q", f.machine.Status().PhoneNumber)
	}
	if f.ch.startPolling != 0 || f.ch.startListening != 0 {
		t.Errorf("sources started for paired target: %+v", f.ch)
	}
}

func TestManager_CodeExpires(t *testing.T) {
	f := newFixture(t, codeResult(epoch.Add(time.Minute)), nil)
	f.mgr.RequestPairing(context.Background())

	f.clk.Advance(59 * time.Second)
	if f.machine.Status().PairingCode == "" {
		t.Fatal("code cleared before expiry")
	}
	f.clk.Advance(time.Second)
	if st := f.machine.Status(); st.PairingCode != "" || st.PairingCodeExpiresAt != nil {
		t.Errorf("code not cleared at expiry: %+v", st)
	}
}

func TestManager_CodeRefreshReschedulesExpiry(t *testing.T) {
	f := newFixture(t, codeResult(epoch.Add(time.Minute)), nil)
	a, _ := f.mgr.RequestPairing(context.Background())

	f.clk.Advance(50 * time.Second)
	if !f.mgr.UpdateCode(a.ID, "2@new", "text", epoch.Add(2*time.Minute)) {
		t.Fatal("UpdateCode rejected")
	}
	f.clk.Advance(20 * time.Second)
	if f.machine.Status().PairingCode == "" {
		t.Error("refreshed code cleared by the old expiry")
	}
	f.clk.Advance(time.Minute)
	if f.machine.Status().PairingCode != "" {
		t.Error("refreshed code not cleared at its own expiry")
	}
	if f.mgr.UpdateCode("other-attempt", "2@x", "text", epoch.Add(time.Hour)) {
		t.Error("code for another attempt accepted")
	}
}

func TestManager_ConnectedFinishesAttempt(t *testing.T) {
	f := newFixture(t, codeResult(epoch.Add(time.Minute)), nil)
	a, _ := f.mgr.RequestPairing(context.Background())

	f.machine.ApplyPush(status.ConnectionStatus{Connected: true})

	cur := f.mgr.Current()
	if cur.Status != string(status.AttemptSucceeded) || cur.FinishedAt == nil {
		t.Errorf("attempt = %+v, want succeeded", cur)
	}
	list, _ := f.store.ListByTarget(context.Background(), target.UserID, target.TargetID, 0)
	if len(list) != 1 || list[0].ID != a.ID || list[0].Status != string(status.AttemptSucceeded) {
		t.Errorf("stored = %+v", list)
	}
	if f.clk.Pending() != 0 {
		t.Errorf("expiry timer still pending after connect")
	}
}

func TestManager_OnCodeReceivesRawPayload(t *testing.T) {
	f := newFixture(t, codeResult(epoch.Add(time.Minute)), nil)
	var raw []string
	f.mgr.cfg.OnCode = func(payload, format string, _ time.Time) { raw = append(raw, payload+"|"+format) }

	f.mgr.RequestPairing(context.Background())
	if len(raw) != 1 || raw[0] != "2@abc,def|text" {
		t.Errorf("OnCode got %v", raw)
	}
}
