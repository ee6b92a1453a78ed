// Package eventbus is an in-process pub/sub bus for task lifecycle events
// published by the scheduler. Subscribers include the supervisor's debug
// log and the telemetry counters.
package eventbus

import (
	"sync"
	"time"
)

// EventType identifies the type of event.
type EventType string

const (
	EventScheduled EventType = "scheduled"
	EventRequeued  EventType = "requeued"
	EventDropped   EventType = "dropped"
	EventCancelled EventType = "cancelled"
	EventCompleted EventType = "completed"
	EventTimedOut  EventType = "timed_out"
	EventFailed    EventType = "failed"
)

// Event is one task lifecycle transition.
type Event struct {
	Type     EventType
	TaskID   string
	Bot      string
	Priority int
	Reason   string
	At       time.Time
}

// Bus broadcasts every event to every subscriber.
// Safe for concurrent publish/subscribe.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int]chan Event
	nextID      int
	closed      bool
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{
		subscribers: make(map[int]chan Event),
	}
}

// Subscribe creates a new subscription. The returned unsubscribe function
// must be called when done. The channel is buffered so publishers never wait.
func (b *Bus) Subscribe() (events <-chan Event, unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}

	b.nextID++
	id := b.nextID
	ch := make(chan Event, 256)
	b.subscribers[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if ch, ok := b.subscribers[id]; ok {
			close(ch)
			delete(b.subscribers, id)
		}
	}
}

// Publish sends an event to all subscribers. A subscriber whose buffer is
// full misses the event.
func (b *Bus) Publish(event Event) {
	if b == nil {
		return
	}
	if event.At.IsZero() {
		event.At = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

// Close shuts down the bus and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.closed = true
	for id, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, id)
	}
}

// SubscriberCount returns the current number of subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
