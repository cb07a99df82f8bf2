package registry

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"
)

func TestMemory_AcquireExclusive(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	key := Key("u1:bot", KindPolling)

	lease, err := m.Acquire(ctx, key)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := m.Acquire(ctx, key); !errors.Is(err, ErrHeld) {
		t.Errorf("second Acquire err = %v, want ErrHeld", err)
	}
	if !m.Held(ctx, key) {
		t.Error("Held = false, want true")
	}

	// A different kind for the same target is independent.
	if _, err := m.Acquire(ctx, Key("u1:bot", KindPush)); err != nil {
		t.Errorf("push Acquire: %v", err)
	}

	lease.Release()
	lease.Release()
	if m.Held(ctx, key) {
		t.Error("Held after Release = true")
	}
	if m.Len() != 1 {
		t.Errorf("Len = %d, want 1", m.Len())
	}
}

func TestMemory_StaleReleaseKeepsNewOwner(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	first, _ := m.Acquire(ctx, "k")
	first.Release()
	second, err := m.Acquire(ctx, "k")
	if err != nil {
		t.Fatalf("re-Acquire: %v", err)
	}
	first.Release()
	if !m.Held(ctx, "k") {
		t.Error("stale release dropped the new owner")
	}
	second.Release()
}

func TestRedis_AcquireRelease(t *testing.T) {
	url := os.Getenv("BOTLINK_TEST_REDIS_URL")
	if url == "" {
		t.Skip("BOTLINK_TEST_REDIS_URL not set")
	}
	ctx := context.Background()
	client, err := DialRedis(ctx, url)
	if err != nil {
		t.Fatalf("DialRedis: %v", err)
	}
	defer client.Close()

	r := NewRedis(client, "botlink:test:"+time.Now().Format("150405.000")+":", 3*time.Second)
	lease, err := r.Acquire(ctx, "k")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := r.Acquire(ctx, "k"); !errors.Is(err, ErrHeld) {
		t.Errorf("second Acquire err = %v, want ErrHeld", err)
	}
	lease.Release()
	if r.Held(ctx, "k") {
		t.Error("Held after Release = true")
	}
}
