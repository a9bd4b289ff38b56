package bridge

import "testing"

func TestSubscribersOrderedDelivery(t *testing.T) {
	var subs subscribers
	var order []int

	subs.add(func(Event) { order = append(order, 1) })
	subs.add(func(Event) { order = append(order, 2) })
	subs.add(func(Event) { order = append(order, 3) })

	subs.emit(Event{Kind: EventStatus})

	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("expected in-order delivery, got %v", order)
	}
}

func TestSubscribersUnsubscribeMidEmission(t *testing.T) {
	var subs subscribers
	var calls []string

	var unsub func()
	unsub = subs.add(func(Event) {
		calls = append(calls, "first")
		unsub()
	})
	subs.add(func(Event) { calls = append(calls, "second") })

	subs.emit(Event{Kind: EventStatus})
	if len(calls) != 2 {
		t.Fatalf("expected both callbacks to run on the emission that unsubscribes, got %v", calls)
	}

	calls = nil
	subs.emit(Event{Kind: EventStatus})
	if len(calls) != 1 || calls[0] != "second" {
		t.Fatalf("expected unsubscribed callback to be skipped, got %v", calls)
	}
}

func TestSubscribersPanicDoesNotAbortEmission(t *testing.T) {
	var subs subscribers
	var secondCalled bool

	subs.add(func(Event) { panic("boom") })
	subs.add(func(Event) { secondCalled = true })

	subs.emit(Event{Kind: EventStatus})

	if !secondCalled {
		t.Fatalf("expected second subscriber to still run after first panicked")
	}
}
