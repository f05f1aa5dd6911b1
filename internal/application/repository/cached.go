package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/lllypuk/eventcore/internal/domain/aggregate"
	"github.com/lllypuk/eventcore/internal/domain/errs"
	"github.com/lllypuk/eventcore/internal/domain/event"
)

// DefaultCacheSize is the number of aggregates kept by CachedRepository.
const DefaultCacheSize = 1024

// VersionReader reports the last committed version of an aggregate.
// appcore.EventStore satisfies it.
type VersionReader interface {
	LastVersion(ctx context.Context, id uuid.UUID) (int, error)
}

type cachedState struct {
	aggregateType event.AggregateType
	version       int
	state         []byte
}

// CachedRepository keeps the snapshot of recently used aggregates in memory.
//
// A cached entry is used only when its version equals the last version in
// the store, so a hit is equivalent to a full load. Aggregates that do not
// implement aggregate.Snapshotter bypass the cache.
type CachedRepository struct {
	inner    Repository
	versions VersionReader
	cache    *lru.Cache[uuid.UUID, cachedState]
	loads    singleflight.Group
}

// NewCachedRepository wraps inner with an LRU cache of size entries.
func NewCachedRepository(inner Repository, versions VersionReader, size int) (*CachedRepository, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[uuid.UUID, cachedState](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create aggregate cache: %w", err)
	}
	return &CachedRepository{
		inner:    inner,
		versions: versions,
		cache:    cache,
	}, nil
}

// InnerRepo returns the wrapped repository.
func (r *CachedRepository) InnerRepo() Repository {
	return r.inner
}

// New implements Repository.
func (r *CachedRepository) New(aggregateType event.AggregateType, id uuid.UUID) (aggregate.Aggregate, error) {
	return r.inner.New(aggregateType, id)
}

// Load implements Repository.
func (r *CachedRepository) Load(
	ctx context.Context,
	aggregateType event.AggregateType,
	id uuid.UUID,
) (aggregate.Aggregate, error) {
	probe, err := r.inner.New(aggregateType, id)
	if err != nil {
		return nil, err
	}
	if _, ok := probe.(aggregate.Snapshotter); !ok {
		return r.inner.Load(ctx, aggregateType, id)
	}

	version, err := r.versions.LastVersion(ctx, id)
	if err != nil {
		return nil, err
	}
	if entry, ok := r.cache.Get(id); ok && entry.aggregateType == aggregateType && entry.version == version && version > 0 {
		return r.materialize(aggregateType, id, entry)
	}

	key := string(aggregateType) + "/" + id.String()
	// The shared load outlives any single caller; each caller still gives up
	// on its own context.
	loadCtx := context.WithoutCancel(ctx)
	results := r.loads.DoChan(key, func() (any, error) {
		agg, loadErr := r.inner.Load(loadCtx, aggregateType, id)
		if loadErr != nil {
			r.cache.Remove(id)
			return nil, loadErr
		}
		return r.store(agg)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-results:
		if res.Err != nil {
			return nil, res.Err
		}
		return r.materialize(aggregateType, id, res.Val.(cachedState))
	}
}

// Save implements Repository. The save is forwarded unchanged.
func (r *CachedRepository) Save(ctx context.Context, agg aggregate.Aggregate) error {
	hadEvents := len(agg.UncommittedEvents()) > 0
	if err := r.inner.Save(ctx, agg); err != nil {
		r.cache.Remove(agg.EntityID())
		return err
	}
	if !hadEvents {
		return nil
	}
	if _, err := r.store(agg); err != nil {
		r.cache.Remove(agg.EntityID())
	}
	return nil
}

func (r *CachedRepository) store(agg aggregate.Aggregate) (cachedState, error) {
	s, ok := agg.(aggregate.Snapshotter)
	if !ok {
		return cachedState{}, errors.New("aggregate does not support snapshots")
	}
	state, err := s.CreateSnapshot()
	if err != nil {
		return cachedState{}, err
	}
	entry := cachedState{
		aggregateType: agg.AggregateType(),
		version:       agg.AggregateVersion(),
		state:         state,
	}
	r.cache.Add(agg.EntityID(), entry)
	return entry, nil
}

// materialize builds a private aggregate instance from a cached state.
func (r *CachedRepository) materialize(
	aggregateType event.AggregateType,
	id uuid.UUID,
	entry cachedState,
) (aggregate.Aggregate, error) {
	agg, err := r.inner.New(aggregateType, id)
	if err != nil {
		return nil, err
	}
	s, ok := agg.(aggregate.Snapshotter)
	if !ok {
		return nil, &errs.AggregateError{
			Err:           errors.New("aggregate does not support snapshots"),
			Component:     component,
			Op:            "load",
			AggregateType: string(aggregateType),
			AggregateID:   id,
		}
	}
	if err = s.ApplySnapshot(entry.state); err != nil {
		r.cache.Remove(id)
		return nil, &errs.AggregateError{
			Err:           fmt.Errorf("could not restore cached state: %w", err),
			Component:     component,
			Op:            "load",
			AggregateType: string(aggregateType),
			AggregateID:   id,
			Version:       entry.version,
		}
	}
	agg.SetAggregateVersion(entry.version)
	return agg, nil
}

var _ Repository = (*CachedRepository)(nil)
