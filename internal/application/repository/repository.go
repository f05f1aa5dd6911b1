// Package repository loads and saves whole aggregates on top of an event
// store, optionally accelerated by snapshots and an in-memory cache.
package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/lllypuk/eventcore/internal/application/appcore"
	"github.com/lllypuk/eventcore/internal/domain/aggregate"
	"github.com/lllypuk/eventcore/internal/domain/errs"
	"github.com/lllypuk/eventcore/internal/domain/event"
	"github.com/lllypuk/eventcore/internal/domain/registry"
)

const component = "repository"

// Repository loads and saves aggregates.
type Repository interface {
	// New creates an empty aggregate of the given type.
	New(aggregateType event.AggregateType, id uuid.UUID) (aggregate.Aggregate, error)

	// Load rebuilds an aggregate from its history.
	// Returns errs.ErrNotFound if the aggregate has no events.
	Load(ctx context.Context, aggregateType event.AggregateType, id uuid.UUID) (aggregate.Aggregate, error)

	// Save commits the uncommitted events of the aggregate.
	// A concurrency conflict is returned unchanged and the aggregate is left as is.
	Save(ctx context.Context, agg aggregate.Aggregate) error
}

// EventSink receives committed events before Save returns. worker.Outbox
// implements it.
type EventSink interface {
	HandleEvents(ctx context.Context, events []event.Event) error
}

// EventSourced is the Repository backed directly by an event store.
type EventSourced struct {
	store         appcore.EventStore
	aggregates    *registry.Registry[aggregate.Factory]
	snapshots     appcore.SnapshotStore
	snapshotEvery int
	sink          EventSink
	logger        *slog.Logger
	now           func() time.Time
}

// Option configures EventSourced.
type Option func(*EventSourced)

// WithSnapshots saves a snapshot every time the version of a Snapshotter
// aggregate crosses a multiple of every, and uses snapshots on load.
func WithSnapshots(store appcore.SnapshotStore, every int) Option {
	return func(r *EventSourced) {
		r.snapshots = store
		r.snapshotEvery = every
	}
}

// WithOutbox hands committed events to sink before Save returns.
func WithOutbox(sink EventSink) Option {
	return func(r *EventSourced) {
		r.sink = sink
	}
}

// WithLogger sets the logger of the repository.
func WithLogger(logger *slog.Logger) Option {
	return func(r *EventSourced) {
		r.logger = logger
	}
}

// WithClock overrides the clock used to stamp snapshots.
func WithClock(now func() time.Time) Option {
	return func(r *EventSourced) {
		r.now = now
	}
}

// NewEventSourced creates a repository for the aggregates registered in aggregates.
func NewEventSourced(
	store appcore.EventStore,
	aggregates *registry.Registry[aggregate.Factory],
	opts ...Option,
) *EventSourced {
	r := &EventSourced{
		store:      store,
		aggregates: aggregates,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// New implements Repository.
func (r *EventSourced) New(aggregateType event.AggregateType, id uuid.UUID) (aggregate.Aggregate, error) {
	factory, err := r.aggregates.Lookup(string(aggregateType))
	if err != nil {
		return nil, &errs.AggregateError{
			Err:           err,
			Component:     component,
			Op:            "create",
			AggregateType: string(aggregateType),
			AggregateID:   id,
		}
	}
	return factory(id), nil
}

// Load implements Repository.
func (r *EventSourced) Load(
	ctx context.Context,
	aggregateType event.AggregateType,
	id uuid.UUID,
) (aggregate.Aggregate, error) {
	if r.snapshots != nil {
		agg, ok, err := r.loadFromSnapshot(ctx, aggregateType, id)
		if err != nil || ok {
			return agg, err
		}
	}

	agg, err := r.New(aggregateType, id)
	if err != nil {
		return nil, err
	}
	events, err := r.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err = r.apply(ctx, agg, events); err != nil {
		return nil, err
	}
	return agg, nil
}

// loadFromSnapshot returns ok == false when the aggregate must be replayed
// from the beginning.
func (r *EventSourced) loadFromSnapshot(
	ctx context.Context,
	aggregateType event.AggregateType,
	id uuid.UUID,
) (aggregate.Aggregate, bool, error) {
	snap, err := r.snapshots.LoadSnapshot(ctx, id)
	if err != nil {
		r.logger.WarnContext(ctx, "failed to load snapshot, replaying full history",
			slog.String("aggregate_id", id.String()),
			slog.String("error", err.Error()),
		)
		return nil, false, nil
	}
	if snap == nil || snap.AggregateType != aggregateType || snap.Version <= 0 {
		return nil, false, nil
	}

	agg, err := r.New(aggregateType, id)
	if err != nil {
		return nil, false, err
	}
	s, ok := agg.(aggregate.Snapshotter)
	if !ok {
		return nil, false, nil
	}
	if err = s.ApplySnapshot(snap.State); err != nil {
		r.logger.WarnContext(ctx, "failed to apply snapshot, replaying full history",
			slog.String("aggregate_id", id.String()),
			slog.Int("snapshot_version", snap.Version),
			slog.String("error", err.Error()),
		)
		return nil, false, nil
	}
	agg.SetAggregateVersion(snap.Version)

	events, err := r.store.LoadFrom(ctx, id, snap.Version+1)
	switch {
	case errors.Is(err, errs.ErrNotFound):
		// Nothing after the snapshot, unless the snapshot is ahead of the store.
		last, lastErr := r.store.LastVersion(ctx, id)
		if lastErr != nil {
			return nil, false, lastErr
		}
		if last != snap.Version {
			return nil, false, nil
		}
		return agg, true, nil
	case err != nil:
		return nil, false, err
	}

	if events[0].Version != snap.Version+1 {
		return nil, false, nil
	}
	if err = r.apply(ctx, agg, events); err != nil {
		return nil, false, err
	}
	return agg, true, nil
}

func (r *EventSourced) apply(ctx context.Context, agg aggregate.Aggregate, events []event.Event) error {
	for _, e := range events {
		if err := agg.ApplyEvent(ctx, e); err != nil {
			return &errs.AggregateError{
				Err:           fmt.Errorf("could not apply %s: %w", e, err),
				Component:     component,
				Op:            "load",
				AggregateType: string(agg.AggregateType()),
				AggregateID:   agg.EntityID(),
				Version:       e.Version,
			}
		}
		agg.SetAggregateVersion(e.Version)
	}
	return nil
}

// Save implements Repository.
func (r *EventSourced) Save(ctx context.Context, agg aggregate.Aggregate) error {
	events := agg.UncommittedEvents()
	if len(events) == 0 {
		return nil
	}

	previous := agg.AggregateVersion()
	if err := r.store.Save(ctx, events, previous); err != nil {
		return err
	}
	agg.SetAggregateVersion(events[len(events)-1].Version)
	agg.ClearUncommittedEvents()

	if r.sink != nil {
		if err := r.sink.HandleEvents(ctx, events); err != nil {
			return &errs.AggregateError{
				Err:           fmt.Errorf("events saved but not queued for delivery: %w", err),
				Component:     component,
				Op:            "save",
				AggregateType: string(agg.AggregateType()),
				AggregateID:   agg.EntityID(),
				Version:       agg.AggregateVersion(),
			}
		}
	}

	r.maybeSnapshot(ctx, agg, previous)
	return nil
}

func (r *EventSourced) maybeSnapshot(ctx context.Context, agg aggregate.Aggregate, previous int) {
	if r.snapshots == nil || r.snapshotEvery <= 0 {
		return
	}
	if agg.AggregateVersion()/r.snapshotEvery == previous/r.snapshotEvery {
		return
	}

	snap, ok, err := aggregate.TakeSnapshot(agg, r.now())
	if !ok {
		return
	}
	if err == nil {
		err = r.snapshots.SaveSnapshot(ctx, *snap)
	}
	if err != nil {
		r.logger.WarnContext(ctx, "failed to save snapshot",
			slog.String("aggregate_id", agg.EntityID().String()),
			slog.Int("version", agg.AggregateVersion()),
			slog.String("error", err.Error()),
		)
		return
	}
	r.logger.DebugContext(ctx, "snapshot saved",
		slog.String("aggregate_id", agg.EntityID().String()),
		slog.Int("version", snap.Version),
	)
}

var _ Repository = (*EventSourced)(nil)
