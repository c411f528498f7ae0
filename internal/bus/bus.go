// Package bus provides typed in-process event signaling between modules.
//
// Consumers subscribe to named event types explicitly and unsubscribe on
// teardown; there is no ambient global dispatch.
package bus

import "sync"

// EventType names a cross-module notification.
type EventType string

// Named event types with their payload contracts.
const (
	// EventOnboardingComplete is published when the onboarding flow
	// commits a user profile. Payload: ProfileCreated.
	EventOnboardingComplete EventType = "onboarding_complete"
	// EventConnectivityChanged is published on offline/online transitions.
	// Payload: ConnectivityChanged.
	EventConnectivityChanged EventType = "connectivity_changed"
	// EventEntryFailed is published when a queue entry goes terminal.
	// Payload: EntryFailed.
	EventEntryFailed EventType = "entry_failed"
)

// ProfileCreated is the payload for EventOnboardingComplete.
type ProfileCreated struct {
	ProfileID string
}

// ConnectivityChanged is the payload for EventConnectivityChanged.
type ConnectivityChanged struct {
	Online bool
}

// EntryFailed is the payload for EventEntryFailed.
type EntryFailed struct {
	Sequence   int64
	EntityType string
	EntityID   string
	Reason     string
}

// Event pairs a type with its payload.
type Event struct {
	Type    EventType
	Payload any
}

// Bus dispatches events synchronously to subscribers.
type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   map[EventType]map[int]func(Event)
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[EventType]map[int]func(Event))}
}

// Subscribe registers fn for events of type et. The returned function
// removes the subscription; call it on teardown.
func (b *Bus) Subscribe(et EventType, fn func(Event)) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subs[et] == nil {
		b.subs[et] = make(map[int]func(Event))
	}
	id := b.nextID
	b.nextID++
	b.subs[et][id] = fn

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[et], id)
	}
}

// Publish delivers ev to every current subscriber of its type, in the
// caller's goroutine.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	fns := make([]func(Event), 0, len(b.subs[ev.Type]))
	for _, fn := range b.subs[ev.Type] {
		fns = append(fns, fn)
	}
	b.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}
