// Package aggregate defines the aggregate root, command and snapshot contracts.
package aggregate

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/lllypuk/eventcore/internal/domain/event"
)

// Aggregate is the consistency boundary that commands operate on.
// It is owned by a repository for the duration of a single load-mutate-save cycle.
type Aggregate interface {
	// EntityID returns the aggregate identifier.
	EntityID() uuid.UUID

	// AggregateType returns the aggregate type.
	AggregateType() event.AggregateType

	// AggregateVersion returns the last committed version, 0 if new.
	AggregateVersion() int

	// SetAggregateVersion is used by repositories after replay and save.
	SetAggregateVersion(version int)

	// UncommittedEvents returns events produced since the last save.
	UncommittedEvents() []event.Event

	// ClearUncommittedEvents drops the uncommitted events after a save.
	ClearUncommittedEvents()

	// ApplyEvent mutates in-memory state from a single event.
	ApplyEvent(ctx context.Context, e event.Event) error

	// HandleCommand runs domain logic, producing uncommitted events.
	HandleCommand(ctx context.Context, cmd Command) error
}

// Factory creates an empty aggregate with the given id.
type Factory func(id uuid.UUID) Aggregate

// Base implements the bookkeeping part of Aggregate. Concrete aggregates
// embed it and implement ApplyEvent and HandleCommand.
type Base struct {
	id            uuid.UUID
	aggregateType event.AggregateType
	version       int
	uncommitted   []event.Event
}

// NewBase creates the embeddable base for an aggregate.
func NewBase(aggregateType event.AggregateType, id uuid.UUID) *Base {
	return &Base{
		id:            id,
		aggregateType: aggregateType,
	}
}

// EntityID implements Aggregate.
func (b *Base) EntityID() uuid.UUID { return b.id }

// AggregateType implements Aggregate.
func (b *Base) AggregateType() event.AggregateType { return b.aggregateType }

// AggregateVersion implements Aggregate.
func (b *Base) AggregateVersion() int { return b.version }

// SetAggregateVersion implements Aggregate.
func (b *Base) SetAggregateVersion(version int) { b.version = version }

// UncommittedEvents implements Aggregate.
func (b *Base) UncommittedEvents() []event.Event {
	return append([]event.Event(nil), b.uncommitted...)
}

// ClearUncommittedEvents implements Aggregate.
func (b *Base) ClearUncommittedEvents() { b.uncommitted = nil }

// AppendEvent records a new uncommitted event at the next version and
// returns it. The caller applies it to its own state.
func (b *Base) AppendEvent(eventType event.Type, data []byte, timestamp time.Time, opts ...event.Option) event.Event {
	opts = append(opts, event.ForAggregate(b.aggregateType, b.id, b.version+len(b.uncommitted)+1))
	e := event.New(eventType, data, timestamp, opts...)
	b.uncommitted = append(b.uncommitted, e)
	return e
}
