// Package eventbus provides in-process broadcast of workflow lifecycle
// events. Delivery is at-least-once and ordered per session; the bus is
// not a durable log. Durability belongs to the session and snapshot
// stores, not here.
package eventbus

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Kind identifies the event variant.
type Kind string

const (
	// KindSessionCreated is published when a new session enters Ready.
	KindSessionCreated Kind = "session_created"
	// KindTransition is published once per committed state transition.
	KindTransition Kind = "transition"
	// KindSnapshotCreated is published when a context snapshot is stored.
	KindSnapshotCreated Kind = "snapshot_created"
)

// Event is a broadcast workflow or snapshot event. States are carried as
// their string names so subscribers need no dependency on the engine.
type Event struct {
	Kind       Kind       `json:"kind"`
	SessionID  string     `json:"session_id"`
	From       string     `json:"from,omitempty"`
	To         string     `json:"to,omitempty"`
	Reason     string     `json:"reason,omitempty"`
	By         string     `json:"by,omitempty"`
	Deadline   *time.Time `json:"deadline,omitempty"`
	Version    uint64     `json:"version"`
	SnapshotID string     `json:"snapshot_id,omitempty"`
	At         time.Time  `json:"at"`
}

// Bus is a single-writer-many-reader broadcast channel. Publish fans the
// event out to every subscriber's buffered queue; a subscriber that falls
// behind has events dropped with a warning rather than blocking the
// publisher.
type Bus struct {
	logger *zap.Logger

	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

// DefaultBuffer is the per-subscriber queue depth.
const DefaultBuffer = 256

// New creates an event bus.
func New(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		logger: logger,
		subs:   make(map[int]chan Event),
	}
}

// Subscribe registers a subscriber and returns its event channel and a
// cancel function. The channel is closed on cancel or bus close. Events
// published for a single session arrive in commit order.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish broadcasts an event to all subscribers. It never blocks: a full
// subscriber queue drops the event for that subscriber only.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.logger.Warn("event dropped for slow subscriber",
				zap.String("kind", string(e.Kind)),
				zap.String("session_id", e.SessionID))
		}
	}
}

// HasSubscribers reports whether anyone is listening. Publishers may use
// this to skip event construction entirely.
func (b *Bus) HasSubscribers() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs) > 0
}

// Close closes the bus and all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
