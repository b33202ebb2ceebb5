package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Payload is the loose key/value body attached to a notification.
type Payload map[string]any

// Event is one notification emitted by the core for external observers.
type Event struct {
	Name    string
	Payload Payload
	At      time.Time
}

type Handler func(Event)

// Emitter is the narrow capability the core needs from a notification
// layer. *Bus satisfies it.
type Emitter interface {
	Emit(name string, payload Payload)
}

type subscription struct {
	id      uint64
	handler Handler
}

// Bus is an in-process, goroutine-safe notification bus. Dispatch is
// synchronous so that events for a single worker reach observers in arrival
// order. Panicking handlers are recovered and logged.
type Bus struct {
	mu     sync.RWMutex
	named  map[string][]subscription
	all    []subscription
	nextID atomic.Uint64
	logger *slog.Logger
}

func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		named:  make(map[string][]subscription),
		logger: logger,
	}
}

// Emit fans an event out to subscribers of its name and to all-event
// subscribers.
func (b *Bus) Emit(name string, payload Payload) {
	event := Event{Name: name, Payload: payload, At: time.Now()}

	b.mu.RLock()
	named := make([]subscription, len(b.named[name]))
	copy(named, b.named[name])
	all := make([]subscription, len(b.all))
	copy(all, b.all)
	b.mu.RUnlock()

	for _, sub := range named {
		b.dispatch(event, sub)
	}
	for _, sub := range all {
		b.dispatch(event, sub)
	}
}

func (b *Bus) dispatch(event Event, sub subscription) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", "event", event.Name, "panic", r)
		}
	}()
	sub.handler(event)
}

// Subscribe registers a handler for one event name. The returned function
// unsubscribes it.
func (b *Bus) Subscribe(name string, handler Handler) func() {
	id := b.nextID.Add(1)

	b.mu.Lock()
	b.named[name] = append(b.named[name], subscription{id: id, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.named[name]
		for i, s := range subs {
			if s.id == id {
				b.named[name] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}
}

// SubscribeAll registers a handler for every event.
func (b *Bus) SubscribeAll(handler Handler) func() {
	id := b.nextID.Add(1)

	b.mu.Lock()
	b.all = append(b.all, subscription{id: id, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.all {
			if s.id == id {
				b.all = append(b.all[:i], b.all[i+1:]...)
				return
			}
		}
	}
}
