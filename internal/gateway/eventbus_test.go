package gateway

import (
	"testing"
	"time"
)

func TestEventBus_PublishReachesAllSubscribers(t *testing.T) {
	bus := NewEventBus()
	ch1, unsub1 := bus.Subscribe()
	ch2, unsub2 := bus.Subscribe()
	defer unsub1()
	defer unsub2()

	bus.Publish(Event{Type: EventNotice, Data: "hello"})

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			if ev.Type != EventNotice || ev.Data != "hello" {
				t.Fatalf("event = %+v", ev)
			}
			if ev.Timestamp.IsZero() {
				t.Fatalf("publish must stamp the event")
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber did not receive the event")
		}
	}
}

func TestEventBus_UnsubscribeClosesChannel(t *testing.T) {
	bus := NewEventBus()
	ch, unsub := bus.Subscribe()
	if bus.Len() != 1 {
		t.Fatalf("len = %d", bus.Len())
	}

	unsub()
	if bus.Len() != 0 {
		t.Fatalf("len after unsubscribe = %d", bus.Len())
	}
	if _, ok := <-ch; ok {
		t.Fatalf("channel must be closed after unsubscribe")
	}

	// Publishing after unsubscribe must not panic.
	bus.Publish(Event{Type: EventNotice, Data: "late"})
}

func TestEventBus_UnsubscribeIsIdempotent(t *testing.T) {
	bus := NewEventBus()
	_, unsub := bus.Subscribe()
	unsub()
	unsub() // second call must be a no-op, not a double close

	if bus.Len() != 0 {
		t.Fatalf("len = %d", bus.Len())
	}
}

func TestEventBus_Broadcast(t *testing.T) {
	bus := NewEventBus()
	ch, unsub := bus.Subscribe()
	defer unsub()

	bus.Broadcast(EventStatus, "connected")

	select {
	case ev := <-ch:
		if ev.Type != EventStatus || ev.Data != "connected" {
			t.Fatalf("event = %+v", ev)
		}
		if ev.Timestamp.IsZero() {
			t.Fatalf("broadcast must stamp the event")
		}
	case <-time.After(time.Second):
		t.Fatalf("subscriber did not receive the event")
	}
}

func TestEventBus_SlowSubscriberDropped(t *testing.T) {
	bus := NewEventBus()
	ch, unsub := bus.Subscribe()
	defer unsub()

	// Fill past the buffer; extra events are dropped, never blocking.
	for i := 0; i < 200; i++ {
		bus.Publish(Event{Type: EventNotice, Data: i})
	}

	received := 0
	for {
		select {
		case <-ch:
			received++
		default:
			if received == 0 || received > 64 {
				t.Fatalf("received = %d, want 1..64", received)
			}
			return
		}
	}
}
