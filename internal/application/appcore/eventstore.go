package appcore

import (
	"context"

	"github.com/google/uuid"

	"github.com/lllypuk/eventcore/internal/domain/event"
)

// EventStore defines the interface for saving and loading events.
// The interface is declared here (on the consumer side - application layer),
// not in infrastructure, following idiomatic Go approach.
type EventStore interface {
	// Save appends events for a single aggregate.
	// The versions must continue expectedVersion contiguously and the last
	// stored version must equal expectedVersion at the moment of the append,
	// otherwise errs.ErrConcurrencyConflict is returned and nothing is written.
	Save(ctx context.Context, events []event.Event, expectedVersion int) error

	// Load returns the full history of an aggregate, oldest first.
	// Returns errs.ErrNotFound if there are no events.
	Load(ctx context.Context, id uuid.UUID) ([]event.Event, error)

	// LoadFrom returns the events with version >= version.
	// Returns errs.ErrNotFound if there are none.
	LoadFrom(ctx context.Context, id uuid.UUID, version int) ([]event.Event, error)

	// LastVersion returns the last stored version, 0 if the aggregate is unknown.
	LastVersion(ctx context.Context, id uuid.UUID) (int, error)

	// Close releases underlying resources.
	Close() error
}

// EventMaintenance is implemented by stores that support audited rewrites of
// history. Both operations preserve aggregate id and version.
type EventMaintenance interface {
	// Replace overwrites the stored event with the same aggregate id and version.
	Replace(ctx context.Context, e event.Event) error

	// RenameEvent changes the type of every stored event named from.
	RenameEvent(ctx context.Context, from, to event.Type) error
}
