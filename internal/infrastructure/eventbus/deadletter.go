package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lllypuk/eventcore/internal/domain/event"
)

// Default dead letter queue configuration.
const (
	DefaultDeadLetterKey  = "eventcore:dead_letter"
	defaultMaxDeadLetters = 1000
)

// DeadLetterEntry represents a failed event stored in the dead letter queue.
type DeadLetterEntry struct {
	EventType     event.Type          `json:"event_type"`
	AggregateType event.AggregateType `json:"aggregate_type"`
	AggregateID   string              `json:"aggregate_id"`
	Version       int                 `json:"version"`
	Handler       string              `json:"handler"`
	Error         string              `json:"error"`
	Data          []byte              `json:"data,omitempty"`
	FailedAt      time.Time           `json:"failed_at"`
}

// DeadLetterQueue keeps the most recent failed events in a Redis list.
type DeadLetterQueue struct {
	client     redis.UniversalClient
	logger     *slog.Logger
	key        string
	maxEntries int64
}

// DeadLetterOption configures DeadLetterQueue.
type DeadLetterOption func(*DeadLetterQueue)

// WithDeadLetterKey sets a custom key for the dead letter queue.
func WithDeadLetterKey(key string) DeadLetterOption {
	return func(q *DeadLetterQueue) {
		q.key = key
	}
}

// WithDeadLetterLogger sets the logger for DeadLetterQueue.
func WithDeadLetterLogger(logger *slog.Logger) DeadLetterOption {
	return func(q *DeadLetterQueue) {
		q.logger = logger
	}
}

// WithMaxDeadLetters sets the maximum number of entries to keep in the queue.
func WithMaxDeadLetters(maxEntries int64) DeadLetterOption {
	return func(q *DeadLetterQueue) {
		q.maxEntries = maxEntries
	}
}

// NewDeadLetterQueue creates a new DeadLetterQueue.
func NewDeadLetterQueue(client redis.UniversalClient, opts ...DeadLetterOption) *DeadLetterQueue {
	q := &DeadLetterQueue{
		client:     client,
		logger:     slog.Default(),
		key:        DefaultDeadLetterKey,
		maxEntries: defaultMaxDeadLetters,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Push stores a failed event, dropping the oldest entries beyond the limit.
func (q *DeadLetterQueue) Push(ctx context.Context, e event.Event, handler string, cause error) {
	entry := DeadLetterEntry{
		EventType:     e.Type,
		AggregateType: e.AggregateType,
		AggregateID:   e.AggregateID.String(),
		Version:       e.Version,
		Handler:       handler,
		Error:         cause.Error(),
		Data:          e.Data,
		FailedAt:      time.Now().UTC(),
	}

	data, err := json.Marshal(entry)
	if err != nil {
		q.logger.ErrorContext(ctx, "failed to marshal dead letter entry",
			slog.String("event", e.String()),
			slog.String("error", err.Error()),
		)
		return
	}

	pipe := q.client.TxPipeline()
	pipe.LPush(ctx, q.key, data)
	pipe.LTrim(ctx, q.key, 0, q.maxEntries-1)
	if _, err = pipe.Exec(ctx); err != nil {
		q.logger.ErrorContext(ctx, "failed to push to dead letter queue",
			slog.String("event", e.String()),
			slog.String("error", err.Error()),
		)
		return
	}

	q.logger.ErrorContext(ctx, "event moved to dead letter queue",
		slog.String("event", e.String()),
		slog.String("aggregate_id", entry.AggregateID),
		slog.String("handler", handler),
		slog.String("original_error", entry.Error),
	)
}

// List retrieves the newest entries from the dead letter queue.
func (q *DeadLetterQueue) List(ctx context.Context, count int64) ([]DeadLetterEntry, error) {
	if count <= 0 {
		count = 10
	}

	data, err := q.client.LRange(ctx, q.key, 0, count-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get dead letters: %w", err)
	}

	entries := make([]DeadLetterEntry, 0, len(data))
	for _, d := range data {
		var entry DeadLetterEntry
		if err = json.Unmarshal([]byte(d), &entry); err != nil {
			q.logger.WarnContext(ctx, "failed to unmarshal dead letter entry",
				slog.String("error", err.Error()),
			)
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Clear removes all entries from the dead letter queue.
func (q *DeadLetterQueue) Clear(ctx context.Context) error {
	return q.client.Del(ctx, q.key).Err()
}

// Len returns the number of entries in the dead letter queue.
func (q *DeadLetterQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}
