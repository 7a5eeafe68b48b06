// Package broadcaster manages observers of the index and distributes
// Add/Delete events to them without ever blocking the emitting worker.
package broadcaster

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jamesainslie/dirmon/pkg/dirmon/node"
	"github.com/jamesainslie/dirmon/pkg/dirmon/types"
)

// DefaultBuffer is the channel capacity used when Subscribe gets none.
const DefaultBuffer = 256

// EventType distinguishes index events.
type EventType int

const (
	// EventAdd reports a newly materialized directory.
	EventAdd EventType = iota
	// EventDelete reports a directory removed from the index.
	EventDelete
)

// String returns the event type name.
func (t EventType) String() string {
	switch t {
	case EventAdd:
		return "add"
	case EventDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Event describes one index change. Totals is the directory aggregate at
// emission time; Node is the live record and keeps changing afterwards.
type Event struct {
	Type   EventType
	Path   string
	Totals node.Totals
	Node   *node.Node
	Time   time.Time
}

// NewEvent captures n for an event of type t.
func NewEvent(t EventType, n *node.Node) *Event {
	return &Event{
		Type:   t,
		Path:   n.Path(),
		Totals: n.Total(),
		Node:   n,
		Time:   time.Now(),
	}
}

// Subscriber is one registered observer.
type Subscriber struct {
	ID     string
	Root   string
	Events chan *Event
}

// Broadcaster manages subscribers and distributes events.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	closed      bool
	dropped     atomic.Uint64
}

// New creates a new Broadcaster.
func New() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[string]*Subscriber),
	}
}

// Subscribe registers an observer for events at or below root. An empty
// root receives everything. It returns nil once the broadcaster is closed.
func (b *Broadcaster) Subscribe(root string, buffer int) *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	if buffer <= 0 {
		buffer = DefaultBuffer
	}

	sub := &Subscriber{
		ID:     uuid.New().String(),
		Root:   root,
		Events: make(chan *Event, buffer),
	}
	b.subscribers[sub.ID] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subscribers[id]; ok {
		close(sub.Events)
		delete(b.subscribers, id)
	}
}

// Notify delivers event to every matching subscriber. A subscriber whose
// buffer is full misses the event and the drop counter is incremented.
func (b *Broadcaster) Notify(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, sub := range b.subscribers {
		if !matches(sub, event.Path) {
			continue
		}
		select {
		case sub.Events <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

func matches(sub *Subscriber, path string) bool {
	return sub.Root == "" || path == sub.Root || types.IsSubPath(path, sub.Root)
}

// Dropped returns how many deliveries were skipped on full buffers.
func (b *Broadcaster) Dropped() uint64 {
	return b.dropped.Load()
}

// Close closes the broadcaster and all subscriptions.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.closed = true
	for _, sub := range b.subscribers {
		close(sub.Events)
	}
	b.subscribers = make(map[string]*Subscriber)
}

// SubscriberCount returns the number of active subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
