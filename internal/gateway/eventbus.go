// Package gateway wires the radio core to its outward surfaces: the
// event bus feeding WebSocket clients, the display bridge, and the
// connect orchestration flow.
package gateway

import (
	"sync"
	"time"
)

// EventType classifies an event for WebSocket clients.
type EventType string

const (
	EventMessage  EventType = "message"
	EventNotice   EventType = "notice"
	EventContacts EventType = "contacts"
	EventStatus   EventType = "status"
)

// Event is the JSON-serialisable envelope broadcast to WebSocket
// clients.
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// eventBufferSize is how far a client may lag before it starts losing
// events.
const eventBufferSize = 64

// EventBus fans chat events out to every attached client. A
// subscription is just a buffered Event channel; slow consumers lose
// events rather than stalling the radio pipeline.
type EventBus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
}

// NewEventBus constructs a ready EventBus.
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[chan Event]struct{})}
}

// Subscribe registers a new client. The returned unsubscribe function
// closes the channel and is safe to call more than once.
func (b *EventBus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, eventBufferSize)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

// Publish stamps e if needed and delivers it to all current
// subscribers, skipping any whose buffer is full.
func (b *EventBus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Broadcast wraps data in an Event of the given type and publishes it.
func (b *EventBus) Broadcast(t EventType, data interface{}) {
	b.Publish(Event{Type: t, Data: data})
}

// Len returns the current subscriber count.
func (b *EventBus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
