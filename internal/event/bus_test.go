package event

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestBus_SubscribeAndPublish(t *testing.T) {
	bus := NewBus(nil)

	var got Event
	id := bus.Subscribe(TypeSessionTransition, func(e Event) { got = e })
	if id == "" {
		t.Fatal("Subscribe should return a non-empty ID")
	}

	bus.Publish(NewSessionTransitionEvent("s1", "demo", "created", "starting", ""))

	tr, ok := got.(SessionTransitionEvent)
	if !ok {
		t.Fatalf("handler received %T, want SessionTransitionEvent", got)
	}
	if tr.From != "created" || tr.To != "starting" || tr.Name != "demo" {
		t.Errorf("unexpected event: %+v", tr)
	}
	if tr.Timestamp().IsZero() {
		t.Error("timestamp should be set")
	}
}

func TestBus_OnlyMatchingTypeDelivered(t *testing.T) {
	bus := NewBus(nil)

	calls := 0
	bus.Subscribe(TypeSessionAttached, func(Event) { calls++ })
	bus.Publish(NewSessionDetachedEvent("s1", "detach", nil))

	if calls != 0 {
		t.Errorf("handler called %d times for a different event type", calls)
	}
}

func TestBus_OrderSpecificThenWildcard(t *testing.T) {
	bus := NewBus(nil)

	var order []string
	bus.SubscribeAll(func(Event) { order = append(order, "all") })
	bus.Subscribe(TypeResourceLeak, func(Event) { order = append(order, "first") })
	bus.Subscribe(TypeResourceLeak, func(Event) { order = append(order, "second") })

	bus.Publish(NewResourceLeakEvent("s1", "container", "c1", nil))

	want := []string{"first", "second", "all"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %q, want %q", i, order[i], want[i])
		}
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(nil)

	calls := 0
	id := bus.Subscribe(TypeSessionAttached, func(Event) { calls++ })

	if !bus.Unsubscribe(id) {
		t.Fatal("Unsubscribe should find the subscription")
	}
	if bus.Unsubscribe(id) {
		t.Error("second Unsubscribe should report false")
	}
	bus.Publish(NewSessionAttachedEvent("s1"))
	if calls != 0 {
		t.Errorf("unsubscribed handler called %d times", calls)
	}
	if bus.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount() = %d, want 0", bus.SubscriptionCount())
	}
}

func TestBus_PanickingHandlerDoesNotStopDelivery(t *testing.T) {
	bus := NewBus(nil)

	reached := false
	bus.Subscribe(TypeSessionAttached, func(Event) { panic("boom") })
	bus.Subscribe(TypeSessionAttached, func(Event) { reached = true })

	bus.Publish(NewSessionAttachedEvent("s1"))

	if !reached {
		t.Error("handler after the panicking one was not called")
	}
}

func TestBus_Clear(t *testing.T) {
	bus := NewBus(nil)
	bus.Subscribe("a", func(Event) {})
	bus.SubscribeAll(func(Event) {})

	bus.Clear()

	if bus.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount() = %d after Clear", bus.SubscriptionCount())
	}
}

func TestBus_ConcurrentPublishAndSubscribe(t *testing.T) {
	bus := NewBus(nil)

	var delivered atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			id := bus.Subscribe(TypeSessionTransition, func(Event) { delivered.Add(1) })
			bus.Unsubscribe(id)
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				bus.Publish(NewSessionTransitionEvent("s", "n", "a", "b", ""))
			}
		}()
	}
	wg.Wait()
}
