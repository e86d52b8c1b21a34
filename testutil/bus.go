package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/flowsmith/flowsmith/events"
)

// CaptureBus is a synchronous events.Bus for tests. Publish records the
// event and runs matching handlers on the caller's goroutine, so
// ordering assertions need no waiting. The production MemoryBus
// dispatches handlers on goroutines, which makes such assertions racy.
type CaptureBus struct {
	mu     sync.Mutex
	events []events.Event
	subs   []busSubscription
	seq    int
}

type busSubscription struct {
	id      string
	kind    events.Kind
	handler events.Handler
}

// NewCaptureBus creates an empty capture bus.
func NewCaptureBus() *CaptureBus {
	return &CaptureBus{}
}

// Publish records the event and dispatches it inline to subscribers
// whose kind matches, KindAll included.
func (b *CaptureBus) Publish(_ context.Context, event events.Event) error {
	b.mu.Lock()
	b.events = append(b.events, event)
	matched := make([]events.Handler, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.kind == event.Kind || sub.kind == events.KindAll {
			matched = append(matched, sub.handler)
		}
	}
	b.mu.Unlock()

	// 锁外分发，处理器可以再次 Publish
	for _, h := range matched {
		h(event)
	}
	return nil
}

// Subscribe registers handler for kind in registration order.
func (b *CaptureBus) Subscribe(kind events.Kind, handler events.Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	id := fmt.Sprintf("capture-%d", b.seq)
	b.subs = append(b.subs, busSubscription{id: id, kind: kind, handler: handler})
	return id
}

// Unsubscribe removes the subscription with the given id.
func (b *CaptureBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub.id == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Close is a no-op.
func (b *CaptureBus) Close() error { return nil }

// Events returns a copy of everything published so far.
func (b *CaptureBus) Events() []events.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]events.Event, len(b.events))
	copy(out, b.events)
	return out
}

// Kinds returns the event kinds in publish order.
func (b *CaptureBus) Kinds() []events.Kind {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]events.Kind, 0, len(b.events))
	for _, e := range b.events {
		out = append(out, e.Kind)
	}
	return out
}

// ByKind returns the published events of the given kind, in order.
func (b *CaptureBus) ByKind(kind events.Kind) []events.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []events.Event
	for _, e := range b.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// Has reports whether at least one event of the given kind was
// published.
func (b *CaptureBus) Has(kind events.Kind) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range b.events {
		if e.Kind == kind {
			return true
		}
	}
	return false
}

// Reset drops all recorded events, subscriptions stay.
func (b *CaptureBus) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = nil
}
