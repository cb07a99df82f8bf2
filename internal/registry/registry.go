// Package registry guarantees at most one polling session and one push
// channel per target, locally or across replicas.
package registry

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// Kind names the resource a lease guards.
type Kind string

const (
	KindPolling Kind = "polling"
	KindPush    Kind = "push"
)

// ErrHeld is returned by Acquire when another owner holds the key.
var ErrHeld = errors.New("registry: session already active")

// Key builds the registry key for a target key and resource kind.
func Key(targetKey string, kind Kind) string {
	return targetKey + "#" + string(kind)
}

// Lease is an acquired slot. Release is idempotent.
type Lease interface {
	Key() string
	Release()
}

// Registry hands out exclusive leases keyed by target and kind.
type Registry interface {
	Acquire(ctx context.Context, key string) (Lease, error)
	Held(ctx context.Context, key string) bool
}

// Memory is an in-process Registry.
type Memory struct {
	mu     sync.Mutex
	owners map[string]string
}

// NewMemory creates an empty in-process registry.
func NewMemory() *Memory {
	return &Memory{owners: make(map[string]string)}
}

func (m *Memory) Acquire(_ context.Context, key string) (Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.owners[key]; ok {
		return nil, ErrHeld
	}
	owner := uuid.NewString()
	m.owners[key] = owner
	return &memoryLease{m: m, key: key, owner: owner}, nil
}

func (m *Memory) Held(_ context.Context, key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.owners[key]
	return ok
}

// Len returns the number of held leases.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.owners)
}

type memoryLease struct {
	m     *Memory
	key   string
	owner string
	once  sync.Once
}

func (l *memoryLease) Key() string { return l.key }

func (l *memoryLease) Release() {
	l.once.Do(func() {
		l.m.mu.Lock()
		defer l.m.mu.Unlock()
		if l.m.owners[l.key] == l.owner {
			delete(l.m.owners, l.key)
		}
	})
}
