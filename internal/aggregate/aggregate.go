package aggregate

import (
	"fmt"

	"github.com/example/cqrs-engine/internal/eventstore"
)

// EventHandler mutates aggregate state for one event type.
type EventHandler func(eventstore.Event) error

// Aggregate is implemented by event-sourced domain objects. Embedding
// Root provides everything except ApplyEvent registration, which the
// concrete type does in its constructor via RegisterHandler.
type Aggregate interface {
	AggregateID() string
	AggregateType() string
	CurrentVersion() int64
	ApplyEvent(eventstore.Event) error
	UncommittedEvents() []eventstore.Event
	ClearUncommitted()
	LoadFromHistory([]eventstore.Event) error
	restoreVersion(int64)
}

// Root is the embeddable base for aggregates. It tracks identity, the
// replayed version, registered event handlers, and the events raised
// since the last save.
//
// Raising an event applies it immediately, so aggregate state and version
// always reflect every raised event; persistence happens later through
// the Repository.
type Root struct {
	id            string
	aggregateType string
	version       int64

	handlers    map[string]EventHandler
	uncommitted []eventstore.Event
}

// Init sets identity and must be called by the concrete type's
// constructor before any handler registration.
func (r *Root) Init(id, aggregateType string) {
	r.id = id
	r.aggregateType = aggregateType
	r.handlers = make(map[string]EventHandler)
}

// RegisterHandler binds an event type to its state transition. A second
// registration for the same type replaces the first.
func (r *Root) RegisterHandler(eventType string, handler EventHandler) {
	r.handlers[eventType] = handler
}

func (r *Root) AggregateID() string   { return r.id }
func (r *Root) AggregateType() string { return r.aggregateType }
func (r *Root) CurrentVersion() int64 { return r.version }

// UncommittedEvents returns events raised since the last save, in raise
// order.
func (r *Root) UncommittedEvents() []eventstore.Event { return r.uncommitted }

// ClearUncommitted drops the pending events. The Repository calls this
// after a successful append.
func (r *Root) ClearUncommitted() { r.uncommitted = nil }

func (r *Root) restoreVersion(v int64) { r.version = v }

// ApplyEvent runs the registered handler for the event's type and
// advances the version. An event type with no handler is an error here;
// replay tolerates unknown types at a higher level only when the caller
// chooses to.
func (r *Root) ApplyEvent(event eventstore.Event) error {
	handler, ok := r.handlers[event.EventType]
	if !ok {
		return fmt.Errorf("no handler registered for event type %q", event.EventType)
	}
	if err := handler(event); err != nil {
		return fmt.Errorf("apply %s: %w", event.EventType, err)
	}
	r.version = event.SequenceNumber
	return nil
}

// Raise creates an event against this aggregate, applies it, and queues
// it for the next save. The sequence number is provisional; the store
// reassigns it at append and the Repository restores the authoritative
// version afterward.
func (r *Root) Raise(eventType string, data any) error {
	event, err := eventstore.NewEvent(eventType, r.id, r.aggregateType, data)
	if err != nil {
		return err
	}
	event.SequenceNumber = r.version + 1
	if err := r.ApplyEvent(event); err != nil {
		return err
	}
	r.uncommitted = append(r.uncommitted, event)
	return nil
}

// LoadFromHistory replays events in order. Events at or below the
// current version are skipped, which makes replay after a snapshot
// restore safe with a full event slice.
func (r *Root) LoadFromHistory(events []eventstore.Event) error {
	for _, event := range events {
		if event.SequenceNumber <= r.version {
			continue
		}
		if err := r.ApplyEvent(event); err != nil {
			return err
		}
	}
	return nil
}
