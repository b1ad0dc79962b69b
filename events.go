package chatsync

import (
	"sync"

	"github.com/rs/zerolog"
)

// ============================================================================
// Event Dispatcher
// ============================================================================

// Handler receives a dispatched event payload. Handlers type-assert to the
// concrete variant for the event they registered on.
type Handler func(EventPayload)

// Subscription is the handle returned by On. Pass it to Off to remove the
// registration. Registering the same handler twice creates two
// registrations and two deliveries; the caller owns On/Off symmetry.
type Subscription struct {
	event EventName
	id    uint64
}

type listener struct {
	id uint64
	fn Handler
}

// Dispatcher is a typed publish/subscribe registry keyed by event name.
// Listeners for one event are invoked synchronously in registration order;
// a panicking handler is isolated and logged, and never prevents delivery
// to the handlers after it.
type Dispatcher struct {
	mu        sync.RWMutex
	nextID    uint64
	listeners map[EventName][]listener
	log       zerolog.Logger
}

// NewDispatcher creates an event dispatcher. Pass zerolog.Nop() to disable
// logging.
func NewDispatcher(log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		listeners: make(map[EventName][]listener),
		log:       log.With().Str("component", "dispatcher").Logger(),
	}
}

// On registers a handler for the named event and returns its handle.
func (d *Dispatcher) On(event EventName, fn Handler) Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	d.listeners[event] = append(d.listeners[event], listener{id: d.nextID, fn: fn})
	return Subscription{event: event, id: d.nextID}
}

// Off removes a registration. Unknown or already-removed handles are
// ignored.
func (d *Dispatcher) Off(sub Subscription) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ls := d.listeners[sub.event]
	for i, l := range ls {
		if l.id == sub.id {
			d.listeners[sub.event] = append(ls[:i:i], ls[i+1:]...)
			return
		}
	}
}

// Emit delivers the payload to every handler currently registered for the
// payload's event name.
func (d *Dispatcher) Emit(p EventPayload) {
	d.mu.RLock()
	ls := append([]listener(nil), d.listeners[p.Event()]...)
	d.mu.RUnlock()

	for _, l := range ls {
		d.invoke(l, p)
	}
}

func (d *Dispatcher) invoke(l listener, p EventPayload) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().
				Str("event", string(p.Event())).
				Interface("panic", r).
				Msg("event handler panicked")
		}
	}()
	l.fn(p)
}

// ListenerCount returns the number of handlers registered for an event.
func (d *Dispatcher) ListenerCount(event EventName) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.listeners[event])
}
