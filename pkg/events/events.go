package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of storage event
type EventType string

const (
	EventMetricsSnapshot  EventType = "storage.metrics"
	EventQueryPerformance EventType = "storage.query"
	EventHNSWBuilt        EventType = "storage.hnsw.built"
	EventHNSWLoaded       EventType = "storage.hnsw.loaded"
	EventPathfinding      EventType = "storage.pathfinding"
	EventReconciliation   EventType = "storage.reconciliation"
	EventFlush            EventType = "storage.flush"
	EventShardDown        EventType = "storage.shard.down"
)

// Event is one storage event, delivered to in-process subscribers and to
// the external sink.
type Event struct {
	ID        string            `msgpack:"id"`
	NodeID    string            `msgpack:"node_id"`
	Type      EventType         `msgpack:"type"`
	Timestamp time.Time         `msgpack:"timestamp"`
	Message   string            `msgpack:"message,omitempty"`
	Fields    map[string]string `msgpack:"fields,omitempty"`
}

// NewEvent stamps an event with a fresh id and the current time.
func NewEvent(nodeID string, typ EventType, fields map[string]string) *Event {
	return &Event{
		ID:        uuid.NewString(),
		NodeID:    nodeID,
		Type:      typ,
		Timestamp: time.Now(),
		Fields:    fields,
	}
}

// Subscription receives matching events on C. A subscriber that falls
// behind loses events rather than stalling the write path.
type Subscription struct {
	C     chan *Event
	kinds map[EventType]struct{}
}

func (s *Subscription) wants(typ EventType) bool {
	if len(s.kinds) == 0 {
		return true
	}
	_, ok := s.kinds[typ]
	return ok
}

// Broker fans storage events out to in-process subscribers, filtered by
// event type. Publishing is synchronous and never blocks: a full
// subscriber channel drops the event and bumps the drop counter.
type Broker struct {
	mu      sync.RWMutex
	subs    map[*Subscription]struct{}
	dropped atomic.Uint64
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a consumer for the given event types; no types
// means every event.
func (b *Broker) Subscribe(kinds ...EventType) *Subscription {
	sub := &Subscription{C: make(chan *Event, 64)}
	if len(kinds) > 0 {
		sub.kinds = make(map[EventType]struct{}, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = struct{}{}
		}
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broker) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	close(sub.C)
}

// Publish delivers an event to every matching subscriber without
// blocking.
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs {
		if !sub.wants(event.Type) {
			continue
		}
		select {
		case sub.C <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns how many deliveries were lost to slow subscribers.
func (b *Broker) Dropped() uint64 {
	return b.dropped.Load()
}

// Subscribers returns the current subscription count.
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
