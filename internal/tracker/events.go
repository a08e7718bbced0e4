package tracker

import (
	"sort"
	"sync"
)

// EventKind names a host-environment signal relayed from the exam page.
type EventKind string

const (
	// EventVisibility fires when the page becomes hidden or visible again.
	EventVisibility EventKind = "visibility"
	// EventFullscreen fires when fullscreen is left (Hidden=true) or re-entered.
	EventFullscreen EventKind = "fullscreen"
	// EventPageHide fires when the page is being hidden or frozen.
	EventPageHide EventKind = "pagehide"
	// EventUnload fires right before the page is torn down.
	EventUnload EventKind = "unload"
)

// HostEvent is a single signal. Hidden reports "focus is now lost" for
// visibility and fullscreen events and is ignored for the others.
type HostEvent struct {
	Kind   EventKind `json:"kind"`
	Hidden bool      `json:"hidden"`
}

// IsExit reports whether the event counts against the exit threshold.
func (e HostEvent) IsExit() bool {
	return e.Hidden && (e.Kind == EventVisibility || e.Kind == EventFullscreen)
}

// TriggersSave reports whether the event should force an immediate snapshot.
func (e HostEvent) TriggersSave() bool {
	switch e.Kind {
	case EventPageHide, EventUnload:
		return true
	case EventVisibility:
		return e.Hidden
	}
	return false
}

// HostEvents delivers host signals to subscribers. The returned cancel func
// detaches the handler and is safe to call more than once.
type HostEvents interface {
	Subscribe(fn func(HostEvent)) (cancel func())
}

// EventBus is the HostEvents implementation for hosts that forward their
// signals over a connection (one bus per attempt).
type EventBus struct {
	mu       sync.Mutex
	next     int
	handlers map[int]func(HostEvent)
}

// NewEventBus creates an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{handlers: make(map[int]func(HostEvent))}
}

func (b *EventBus) Subscribe(fn func(HostEvent)) func() {
	b.mu.Lock()
	id := b.next
	b.next++
	b.handlers[id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.handlers, id)
			b.mu.Unlock()
		})
	}
}

// Publish hands ev to every current subscriber in subscription order.
// Handlers run without the bus lock held, so they may unsubscribe.
func (b *EventBus) Publish(ev HostEvent) {
	b.mu.Lock()
	ids := make([]int, 0, len(b.handlers))
	for id := range b.handlers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(HostEvent), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, b.handlers[id])
	}
	b.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// Len returns the number of live subscriptions.
func (b *EventBus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handlers)
}
