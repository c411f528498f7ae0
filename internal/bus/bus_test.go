package bus

import (
	"sync"
	"testing"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	b := New()

	var got []Event
	unsub := b.Subscribe(EventOnboardingComplete, func(ev Event) {
		got = append(got, ev)
	})
	defer unsub()

	b.Publish(Event{
		Type:    EventOnboardingComplete,
		Payload: ProfileCreated{ProfileID: "p1"},
	})

	if len(got) != 1 {
		t.Fatalf("expected 1 event, got %d", len(got))
	}
	p, ok := got[0].Payload.(ProfileCreated)
	if !ok {
		t.Fatalf("unexpected payload type %T", got[0].Payload)
	}
	if p.ProfileID != "p1" {
		t.Errorf("expected profile id p1, got %s", p.ProfileID)
	}
}

func TestPublishSkipsOtherTypes(t *testing.T) {
	b := New()

	called := false
	unsub := b.Subscribe(EventEntryFailed, func(ev Event) {
		called = true
	})
	defer unsub()

	b.Publish(Event{Type: EventConnectivityChanged, Payload: ConnectivityChanged{Online: true}})

	if called {
		t.Error("subscriber received an event of a different type")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()

	count := 0
	unsub := b.Subscribe(EventConnectivityChanged, func(ev Event) {
		count++
	})

	b.Publish(Event{Type: EventConnectivityChanged, Payload: ConnectivityChanged{Online: false}})
	unsub()
	b.Publish(Event{Type: EventConnectivityChanged, Payload: ConnectivityChanged{Online: true}})

	if count != 1 {
		t.Errorf("expected exactly 1 delivery, got %d", count)
	}
}

func TestMultipleSubscribers(t *testing.T) {
	b := New()

	var mu sync.Mutex
	seen := make(map[int]int)
	for i := 0; i < 3; i++ {
		i := i
		defer b.Subscribe(EventEntryFailed, func(ev Event) {
			mu.Lock()
			seen[i]++
			mu.Unlock()
		})()
	}

	b.Publish(Event{
		Type:    EventEntryFailed,
		Payload: EntryFailed{Sequence: 7, EntityType: "sessions", EntityID: "s1", Reason: "boom"},
	})

	for i := 0; i < 3; i++ {
		if seen[i] != 1 {
			t.Errorf("subscriber %d saw %d events, want 1", i, seen[i])
		}
	}
}
