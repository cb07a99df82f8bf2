// Package bus broadcasts canonical status changes to subscribers such as
// WebSocket clients and the CLI.
package bus

import (
	"sync"

	"github.com/nextlevelbuilder/botlink/internal/status"
)

// EventStatusChanged is the name of every status event.
const EventStatusChanged = "status.changed"

// Event is one canonical status change of a target.
type Event struct {
	Name      string                  `json:"event"`
	UserID    string                  `json:"userId"`
	TargetID  string                  `json:"targetId"`
	Status    status.ConnectionStatus `json:"status"`
	State     string                  `json:"state"`
	Error     string                  `json:"error,omitempty"`
	AttemptID string                  `json:"attemptId,omitempty"`
}

// TargetKey is the key of the target the event belongs to.
func (e Event) TargetKey() string {
	return status.Target{UserID: e.UserID, TargetID: e.TargetID}.Key()
}

// EventHandler receives broadcast events. It must not block.
type EventHandler func(Event)

// Bus fans events out to subscribers.
type Bus struct {
	subscribers map[string]EventHandler
	subMu       sync.RWMutex
}

func New() *Bus {
	return &Bus{subscribers: make(map[string]EventHandler)}
}

// Subscribe registers an event subscriber under id, replacing any previous one.
func (b *Bus) Subscribe(id string, handler EventHandler) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	b.subscribers[id] = handler
}

// Unsubscribe removes an event subscriber.
func (b *Bus) Unsubscribe(id string) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	delete(b.subscribers, id)
}

// Broadcast sends an event to all subscribers.
func (b *Bus) Broadcast(event Event) {
	b.subMu.RLock()
	defer b.subMu.RUnlock()
	for _, handler := range b.subscribers {
		handler(event) // handlers should be non-blocking
	}
}

// Len returns the number of subscribers.
func (b *Bus) Len() int {
	b.subMu.RLock()
	defer b.subMu.RUnlock()
	return len(b.subscribers)
}
