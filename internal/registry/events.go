package registry

import "sync"

// Event kinds published by the registry.
const (
	EventRegistered = "device:registered"
	EventPatched    = "device:patched"
	EventUpdated    = "device:updated"
	EventDeleted    = "device:deleted"
)

// Event is a registry change notification.
// Device is a deep copy; handlers may retain or mutate it freely. For
// deleted events it holds the record as it was just before removal.
type Event struct {
	Kind     string
	DeviceID string
	Device   *Device
}

// Handler receives registry events. Handlers run synchronously on the
// mutating goroutine and should hand off long work.
type Handler func(Event)

// EventBus is a minimal in-process pub/sub for registry events.
// Subscriptions are per-kind; the empty kind subscribes to all events.
type EventBus struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[string]map[int]Handler
}

// NewEventBus creates an empty event bus.
func NewEventBus() *EventBus {
	return &EventBus{handlers: make(map[string]map[int]Handler)}
}

// Subscribe registers a handler for the given event kind ("" for all
// kinds) and returns a function that removes the subscription.
func (b *EventBus) Subscribe(kind string, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++

	if b.handlers[kind] == nil {
		b.handlers[kind] = make(map[int]Handler)
	}
	b.handlers[kind][id] = h

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers[kind], id)
	}
}

// publish delivers the event to kind-specific and catch-all subscribers.
func (b *EventBus) publish(ev Event) {
	b.mu.RLock()
	snapshot := make([]Handler, 0, len(b.handlers[ev.Kind])+len(b.handlers[""]))
	for _, h := range b.handlers[ev.Kind] {
		snapshot = append(snapshot, h)
	}
	for _, h := range b.handlers[""] {
		snapshot = append(snapshot, h)
	}
	b.mu.RUnlock()

	for _, h := range snapshot {
		h(ev)
	}
}
