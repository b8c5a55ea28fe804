// Package events provides the typed event bus the sync engine reports
// through. Handlers run synchronously on the emitting goroutine.
package events

import (
	"sort"
	"sync"
	"time"

	"github.com/afenda/offlinesync/internal/models"
)

// Type names an engine event.
type Type string

const (
	StatusChanged    Type = "status-changed"
	SyncStarted      Type = "sync-started"
	SyncCompleted    Type = "sync-completed"
	SyncFailed       Type = "sync-failed"
	ConflictDetected Type = "conflict-detected"
	ConflictResolved Type = "conflict-resolved"
)

// Types lists every event type.
var Types = []Type{StatusChanged, SyncStarted, SyncCompleted, SyncFailed, ConflictDetected, ConflictResolved}

// Event is one notification. Fields irrelevant to the type are empty.
type Event struct {
	Type        Type                      `json:"type"`
	EntityType  models.EntityType         `json:"entityType,omitempty"`
	EntityID    string                    `json:"entityId,omitempty"`
	Operation   models.Operation          `json:"operation,omitempty"`
	Strategy    models.ResolutionStrategy `json:"strategy,omitempty"`
	Status      string                    `json:"status,omitempty"`
	QueueItemID string                    `json:"queueItemId,omitempty"`
	ConflictID  string                    `json:"conflictId,omitempty"`
	Error       string                    `json:"error,omitempty"`
	At          time.Time                 `json:"at"`
}

// Handler receives events.
type Handler func(Event)

type subscription struct {
	handler Handler
	types   map[Type]bool
}

func (s subscription) wants(t Type) bool {
	return len(s.types) == 0 || s.types[t]
}

// Bus fans events out to subscribers. The zero value is not usable; use NewBus.
type Bus struct {
	mu   sync.RWMutex
	subs map[uint64]subscription
	next uint64
	now  func() time.Time
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]subscription), now: time.Now}
}

// Subscribe registers h for the given types, or for all types when none
// are given. The returned func unsubscribes and is safe to call twice.
func (b *Bus) Subscribe(h Handler, types ...Type) func() {
	sub := subscription{handler: h}
	if len(types) > 0 {
		sub.types = make(map[Type]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Emit delivers e to every matching subscriber in subscription order.
// A zero At is stamped with the current time.
func (b *Bus) Emit(e Event) {
	if e.At.IsZero() {
		e.At = b.now().UTC()
	}

	b.mu.RLock()
	ids := make([]uint64, 0, len(b.subs))
	for id, s := range b.subs {
		if s.wants(e.Type) {
			ids = append(ids, id)
		}
	}
	handlers := make([]Handler, 0, len(ids))
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		handlers = append(handlers, b.subs[id].handler)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(e)
	}
}

// Channel adapts the bus to a buffered channel. Events are dropped when the
// buffer is full. The returned func unsubscribes and closes the channel.
func (b *Bus) Channel(buffer int, types ...Type) (<-chan Event, func()) {
	ch := make(chan Event, buffer)
	var (
		mu     sync.Mutex
		closed bool
	)
	unsub := b.Subscribe(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- e:
		default:
		}
	}, types...)

	return ch, func() {
		unsub()
		mu.Lock()
		if !closed {
			closed = true
			close(ch)
		}
		mu.Unlock()
	}
}

// Len returns the number of live subscriptions.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
