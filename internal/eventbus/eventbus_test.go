package eventbus

import (
	"sync"
	"testing"
	"time"
)

func TestBusPublishSubscribe(t *testing.T) {
	bus := New()
	defer bus.Close()

	events, unsub := bus.Subscribe()
	defer unsub()

	bus.Publish(Event{Type: EventScheduled, TaskID: "rotate-alpha", Bot: "alpha", Priority: 3})

	select {
	case event := <-events:
		if event.Type != EventScheduled {
			t.Errorf("expected EventScheduled, got %v", event.Type)
		}
		if event.TaskID != "rotate-alpha" {
			t.Errorf("expected task rotate-alpha, got %v", event.TaskID)
		}
		if event.At.IsZero() {
			t.Error("expected publish to stamp the event")
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for event")
	}
}

func TestBusMultipleSubscribers(t *testing.T) {
	bus := New()
	defer bus.Close()

	events1, unsub1 := bus.Subscribe()
	defer unsub1()

	events2, unsub2 := bus.Subscribe()
	defer unsub2()

	bus.Publish(Event{Type: EventCompleted, TaskID: "write-alpha"})

	var wg sync.WaitGroup
	wg.Add(2)

	received := make([]bool, 2)

	go func() {
		defer wg.Done()
		select {
		case <-events1:
			received[0] = true
		case <-time.After(100 * time.Millisecond):
		}
	}()

	go func() {
		defer wg.Done()
		select {
		case <-events2:
			received[1] = true
		case <-time.After(100 * time.Millisecond):
		}
	}()

	wg.Wait()

	if !received[0] || !received[1] {
		t.Errorf("not all subscribers received event: %v", received)
	}
}

func TestBusUnsubscribe(t *testing.T) {
	bus := New()
	defer bus.Close()

	events, unsub := bus.Subscribe()
	if bus.SubscriberCount() != 1 {
		t.Fatalf("expected 1 subscriber, got %d", bus.SubscriberCount())
	}

	unsub()
	if bus.SubscriberCount() != 0 {
		t.Errorf("expected 0 subscribers after unsubscribe, got %d", bus.SubscriberCount())
	}

	if _, ok := <-events; ok {
		t.Error("expected channel to be closed after unsubscribe")
	}

	// Unsubscribing twice is harmless.
	unsub()
}

func TestBusClose(t *testing.T) {
	bus := New()
	events, _ := bus.Subscribe()
	bus.Close()

	if _, ok := <-events; ok {
		t.Error("expected channel to be closed after bus close")
	}

	// Publishing and subscribing after close must not panic.
	bus.Publish(Event{Type: EventDropped})
	late, unsub := bus.Subscribe()
	defer unsub()
	if _, ok := <-late; ok {
		t.Error("expected closed channel from closed bus")
	}
	bus.Close()
}

func TestBusDropsForSlowSubscriber(t *testing.T) {
	bus := New()
	defer bus.Close()

	events, unsub := bus.Subscribe()
	defer unsub()

	for i := 0; i < 1000; i++ {
		bus.Publish(Event{Type: EventRequeued, TaskID: "c"})
	}

	if n := len(events); n != cap(events) {
		t.Errorf("expected full buffer (%d), got %d", cap(events), n)
	}
}

func TestNilBusPublish(t *testing.T) {
	var bus *Bus
	bus.Publish(Event{Type: EventFailed})
}
