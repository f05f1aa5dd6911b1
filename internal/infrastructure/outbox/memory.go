// Package outbox provides durable stores for the transactional outbox.
package outbox

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lllypuk/eventcore/internal/application/appcore"
	"github.com/lllypuk/eventcore/internal/domain/errs"
)

// DefaultBatchSize is used when Poll is called with a non-positive size.
const DefaultBatchSize = 100

// MemoryStore keeps outbox entries in memory, in ingestion order.
// It does not survive restarts and is meant for tests and single-process use.
type MemoryStore struct {
	mu      sync.Mutex
	entries []appcore.OutboxEntry
	index   map[uuid.UUID]int
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory outbox store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{
		index: make(map[uuid.UUID]int),
		now:   buildOptions(opts).now,
	}
}

// Add implements appcore.OutboxStore.
func (s *MemoryStore) Add(_ context.Context, entries ...appcore.OutboxEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range entries {
		if _, ok := s.index[e.ID]; ok {
			return fmt.Errorf("outbox entry %s: %w", e.ID, errs.ErrAlreadyExists)
		}
	}
	for _, e := range entries {
		s.index[e.ID] = len(s.entries)
		s.entries = append(s.entries, copyEntry(e))
	}
	return nil
}

// Poll implements appcore.OutboxStore.
func (s *MemoryStore) Poll(_ context.Context, batchSize int, exclude ...uuid.UUID) ([]appcore.OutboxEntry, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []appcore.OutboxEntry
	for _, e := range s.entries {
		if e.ProcessedAt != nil || slices.Contains(exclude, e.Event.AggregateID) {
			continue
		}
		out = append(out, copyEntry(e))
		if len(out) == batchSize {
			break
		}
	}
	return out, nil
}

// MarkDelivered implements appcore.OutboxStore.
func (s *MemoryStore) MarkDelivered(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.index[id]
	if !ok {
		return fmt.Errorf("outbox entry %s: %w", id, errs.ErrNotFound)
	}
	now := s.now().UTC()
	s.entries[i].ProcessedAt = &now
	return nil
}

// MarkFailed implements appcore.OutboxStore.
func (s *MemoryStore) MarkFailed(_ context.Context, id uuid.UUID, delivered []string, cause error, next time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.index[id]
	if !ok {
		return fmt.Errorf("outbox entry %s: %w", id, errs.ErrNotFound)
	}
	e := &s.entries[i]
	e.Delivered = slices.Clone(delivered)
	e.RetryCount++
	e.LastError = errorText(cause)
	e.NextAttemptAt = next.UTC()
	return nil
}

// Cleanup implements appcore.OutboxStore.
func (s *MemoryStore) Cleanup(_ context.Context, olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-olderThan)
	kept := s.entries[:0]
	var removed int64
	for _, e := range s.entries {
		if e.ProcessedAt != nil && e.ProcessedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	s.entries = kept

	clear(s.index)
	for i, e := range s.entries {
		s.index[e.ID] = i
	}
	return removed, nil
}

// Count implements appcore.OutboxStore.
func (s *MemoryStore) Count(ctx context.Context) (int64, error) {
	n, _, err := s.Stats(ctx)
	return n, err
}

// Stats implements appcore.OutboxStore.
func (s *MemoryStore) Stats(_ context.Context) (int64, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		n      int64
		oldest time.Time
	)
	for _, e := range s.entries {
		if e.ProcessedAt != nil {
			continue
		}
		if n == 0 || e.CreatedAt.Before(oldest) {
			oldest = e.CreatedAt
		}
		n++
	}
	return n, oldest, nil
}

func copyEntry(e appcore.OutboxEntry) appcore.OutboxEntry {
	e.Event = e.Event.Clone()
	e.Delivered = slices.Clone(e.Delivered)
	if e.Context != nil {
		values := make(map[string]string, len(e.Context))
		for k, v := range e.Context {
			values[k] = v
		}
		e.Context = values
	}
	if e.ProcessedAt != nil {
		at := *e.ProcessedAt
		e.ProcessedAt = &at
	}
	return e
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

var _ appcore.OutboxStore = (*MemoryStore)(nil)
