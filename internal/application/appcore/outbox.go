// Package appcore provides core application interfaces and shared utilities.
package appcore

import (
	"context"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/lllypuk/eventcore/internal/domain/event"
)

// OutboxEntry represents a committed event waiting to be delivered to handlers.
type OutboxEntry struct {
	ID            uuid.UUID
	Event         event.Event
	Context       map[string]string
	CreatedAt     time.Time
	Delivered     []string
	RetryCount    int
	LastError     string
	NextAttemptAt time.Time
	ProcessedAt   *time.Time
}

// NewOutboxEntry creates a pending entry for a committed event.
func NewOutboxEntry(e event.Event, values map[string]string, now time.Time) OutboxEntry {
	return OutboxEntry{
		ID:        uuid.New(),
		Event:     e,
		Context:   values,
		CreatedAt: now.UTC(),
	}
}

// DeliveredTo reports whether the handler already received the entry.
func (e OutboxEntry) DeliveredTo(handler string) bool {
	return slices.Contains(e.Delivered, handler)
}

// OutboxStore defines the durable storage of the transactional outbox.
// Entries are added in the same transaction as the events where the backend
// allows it, then delivered asynchronously.
type OutboxStore interface {
	// Add inserts pending entries.
	Add(ctx context.Context, entries ...OutboxEntry) error

	// Poll retrieves unprocessed entries up to the specified batch size,
	// in ingestion order. Entries of the excluded aggregates are skipped.
	Poll(ctx context.Context, batchSize int, exclude ...uuid.UUID) ([]OutboxEntry, error)

	// MarkDelivered marks an entry as delivered to all handlers.
	MarkDelivered(ctx context.Context, id uuid.UUID) error

	// MarkFailed records a failed attempt, the handlers that have already
	// succeeded and the earliest time of the next attempt.
	MarkFailed(ctx context.Context, id uuid.UUID, delivered []string, cause error, next time.Time) error

	// Cleanup removes delivered entries older than the specified duration.
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)

	// Count returns the number of pending entries (for monitoring).
	Count(ctx context.Context) (int64, error)

	// Stats returns the pending count and the creation time of the oldest
	// pending entry.
	Stats(ctx context.Context) (count int64, oldest time.Time, err error)
}
