package domain

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a fact recorded by an aggregate.
type Event interface {
	EventID() uuid.UUID
	OccurredAt() time.Time
	SetCorrelationID(id uuid.UUID)
}

// EventBase is embedded by every concrete event.
type EventBase struct {
	ID            uuid.UUID `json:"id"`
	OccurredOn    time.Time `json:"occurred_on"`
	CorrelationID uuid.UUID `json:"correlation_id"`
}

func NewEventBase(now time.Time) EventBase {
	return EventBase{ID: uuid.New(), OccurredOn: now.UTC()}
}

func (b *EventBase) EventID() uuid.UUID            { return b.ID }
func (b *EventBase) OccurredAt() time.Time         { return b.OccurredOn }
func (b *EventBase) SetCorrelationID(id uuid.UUID) { b.CorrelationID = id }

// EventSource is anything that buffers events until they are pulled.
type EventSource interface {
	PullEvents() []Event
}

// AggregateRoot buffers recorded events in order.
type AggregateRoot struct {
	events []Event
}

func (a *AggregateRoot) Record(e Event) {
	a.events = append(a.events, e)
}

// PullEvents returns the buffered events and clears the buffer.
func (a *AggregateRoot) PullEvents() []Event {
	out := a.events
	a.events = nil
	return out
}

// PendingEvents returns the buffered events without clearing them.
func (a *AggregateRoot) PendingEvents() []Event {
	return append([]Event(nil), a.events...)
}

// Tracker collects the aggregates touched during one unit of work, in the
// order they were first tracked.
type Tracker struct {
	mu      sync.Mutex
	sources []EventSource
	seen    map[EventSource]struct{}
}

type trackerKey struct{}

// WithTracker binds a fresh Tracker to ctx.
func WithTracker(ctx context.Context) (context.Context, *Tracker) {
	t := &Tracker{seen: make(map[EventSource]struct{})}
	return context.WithValue(ctx, trackerKey{}, t), t
}

// Track registers src with the unit of work in ctx. Repositories call it
// when they persist an aggregate. Without a tracker it is a no-op.
func Track(ctx context.Context, src EventSource) {
	t, ok := ctx.Value(trackerKey{}).(*Tracker)
	if !ok {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, dup := t.seen[src]; dup {
		return
	}
	t.seen[src] = struct{}{}
	t.sources = append(t.sources, src)
}

// Drain pulls every pending event from the tracked aggregates.
func (t *Tracker) Drain() []Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Event
	for _, src := range t.sources {
		out = append(out, src.PullEvents()...)
	}
	return out
}
