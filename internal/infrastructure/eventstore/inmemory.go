package eventstore

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/lllypuk/eventcore/internal/domain/errs"
	"github.com/lllypuk/eventcore/internal/domain/event"
)

// MemoryStore keeps events in memory. Every aggregate has its own lock, so
// writers of different aggregates never wait on each other.
type MemoryStore struct {
	mu      sync.RWMutex
	streams map[uuid.UUID]*memoryStream
	logger  *slog.Logger
}

type memoryStream struct {
	mu     sync.RWMutex
	events []event.Event
}

// NewMemoryStore creates a new in-memory event store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	o := buildOptions(opts)
	return &MemoryStore{
		streams: make(map[uuid.UUID]*memoryStream),
		logger:  o.logger,
	}
}

func (s *MemoryStore) stream(id uuid.UUID, create bool) *memoryStream {
	s.mu.RLock()
	st, ok := s.streams[id]
	s.mu.RUnlock()
	if ok || !create {
		return st
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok = s.streams[id]; ok {
		return st
	}
	st = &memoryStream{}
	s.streams[id] = st
	return st
}

// Save implements appcore.EventStore.
func (s *MemoryStore) Save(ctx context.Context, events []event.Event, expectedVersion int) error {
	if err := validateBatch(events, expectedVersion); err != nil {
		return batchError(opSave, err, events, expectedVersion)
	}
	if err := ctx.Err(); err != nil {
		return batchError(opSave, err, events, expectedVersion)
	}

	st := s.stream(events[0].AggregateID, true)
	st.mu.Lock()
	defer st.mu.Unlock()

	if current := len(st.events); current != expectedVersion {
		s.logger.WarnContext(ctx, "concurrency conflict in event store",
			slog.String("aggregate_id", events[0].AggregateID.String()),
			slog.Int("expected_version", expectedVersion),
			slog.Int("current_version", current),
		)
		return batchError(opSave, errs.ErrConcurrencyConflict, events, expectedVersion)
	}
	st.events = append(st.events, cloneEvents(events)...)
	return nil
}

// Load implements appcore.EventStore.
func (s *MemoryStore) Load(ctx context.Context, id uuid.UUID) ([]event.Event, error) {
	events, err := s.load(ctx, id, 1)
	if err != nil {
		return nil, storeError(opLoad, err, "", id, 0)
	}
	return events, nil
}

// LoadFrom implements appcore.EventStore.
func (s *MemoryStore) LoadFrom(ctx context.Context, id uuid.UUID, version int) ([]event.Event, error) {
	events, err := s.load(ctx, id, version)
	if err != nil {
		return nil, storeError(opLoadFrom, err, "", id, version)
	}
	return events, nil
}

func (s *MemoryStore) load(ctx context.Context, id uuid.UUID, version int) ([]event.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	st := s.stream(id, false)
	if st == nil {
		return nil, errs.ErrNotFound
	}

	st.mu.RLock()
	defer st.mu.RUnlock()

	start := fromVersion(version) - 1
	if start >= len(st.events) {
		return nil, errs.ErrNotFound
	}
	return cloneEvents(st.events[start:]), nil
}

// LastVersion implements appcore.EventStore.
func (s *MemoryStore) LastVersion(_ context.Context, id uuid.UUID) (int, error) {
	st := s.stream(id, false)
	if st == nil {
		return 0, nil
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.events), nil
}

// Replace implements appcore.EventMaintenance.
func (s *MemoryStore) Replace(_ context.Context, e event.Event) error {
	st := s.stream(e.AggregateID, false)
	if st == nil {
		return storeError(opReplace, errs.ErrNotFound, e.AggregateType, e.AggregateID, e.Version)
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if e.Version < 1 || e.Version > len(st.events) {
		return storeError(opReplace, errs.ErrNotFound, e.AggregateType, e.AggregateID, e.Version)
	}
	st.events[e.Version-1] = e.Clone()
	return nil
}

// RenameEvent implements appcore.EventMaintenance.
func (s *MemoryStore) RenameEvent(_ context.Context, from, to event.Type) error {
	s.mu.RLock()
	streams := make([]*memoryStream, 0, len(s.streams))
	for _, st := range s.streams {
		streams = append(streams, st)
	}
	s.mu.RUnlock()

	for _, st := range streams {
		st.mu.Lock()
		for i := range st.events {
			if st.events[i].Type == from {
				st.events[i].Type = to
			}
		}
		st.mu.Unlock()
	}
	return nil
}

// Close implements appcore.EventStore.
func (s *MemoryStore) Close() error {
	return nil
}
