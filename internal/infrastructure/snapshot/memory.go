// Package snapshot provides snapshot stores. A snapshot store keeps only the
// latest snapshot of each aggregate; absence is reported as (nil, nil).
package snapshot

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/lllypuk/eventcore/internal/domain/aggregate"
)

// MemoryStore keeps snapshots in memory.
type MemoryStore struct {
	mu        sync.RWMutex
	snapshots map[uuid.UUID]aggregate.Snapshot
}

// NewMemoryStore creates an empty in-memory snapshot store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snapshots: make(map[uuid.UUID]aggregate.Snapshot)}
}

// LoadSnapshot implements appcore.SnapshotStore.
func (s *MemoryStore) LoadSnapshot(_ context.Context, id uuid.UUID) (*aggregate.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.snapshots[id]
	if !ok {
		return nil, nil //nolint:nilnil // absence is not an error
	}
	snap.State = append([]byte(nil), snap.State...)
	return &snap, nil
}

// SaveSnapshot implements appcore.SnapshotStore.
func (s *MemoryStore) SaveSnapshot(_ context.Context, snapshot aggregate.Snapshot) error {
	snapshot.State = append([]byte(nil), snapshot.State...)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[snapshot.AggregateID] = snapshot
	return nil
}
