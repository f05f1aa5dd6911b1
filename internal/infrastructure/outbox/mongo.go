package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/lllypuk/eventcore/internal/application/appcore"
	"github.com/lllypuk/eventcore/internal/domain/errs"
	"github.com/lllypuk/eventcore/internal/domain/event"
)

const (
	// OutboxCollection is the default collection of the MongoDB outbox.
	OutboxCollection = "outbox"

	// CountersCollection holds the outbox sequence counter.
	CountersCollection = "counters"

	sequenceName = "outbox_seq"
)

type eventDocument struct {
	EventType     string        `bson:"event_type"`
	AggregateType string        `bson:"aggregate_type"`
	AggregateID   string        `bson:"aggregate_id"`
	Version       int           `bson:"version"`
	Timestamp     time.Time     `bson:"timestamp"`
	Data          []byte        `bson:"data"`
	Metadata      []event.Field `bson:"metadata,omitempty"`
}

// outboxDocument represents the MongoDB document structure for outbox entries.
type outboxDocument struct {
	EntryID       string            `bson:"entry_id"`
	Seq           int64             `bson:"seq"`
	Event         eventDocument     `bson:"event"`
	Context       map[string]string `bson:"context,omitempty"`
	CreatedAt     time.Time         `bson:"created_at"`
	Delivered     []string          `bson:"delivered,omitempty"`
	RetryCount    int               `bson:"retry_count"`
	LastError     string            `bson:"last_error,omitempty"`
	NextAttemptAt time.Time         `bson:"next_attempt_at,omitempty"`
	ProcessedAt   *time.Time        `bson:"processed_at"`
}

// MongoStore implements appcore.OutboxStore using MongoDB.
// Entries are ordered by a sequence allocated from the counters collection.
type MongoStore struct {
	collection *mongo.Collection
	counters   *mongo.Collection
	logger     *slog.Logger
	now        func() time.Time
}

// NewMongoStore creates a new MongoDB-backed outbox store.
func NewMongoStore(db *mongo.Database, opts ...Option) *MongoStore {
	o := buildOptions(opts)
	return &MongoStore{
		collection: db.Collection(OutboxCollection),
		counters:   db.Collection(CountersCollection),
		logger:     o.logger,
		now:        o.now,
	}
}

// reserve allocates n consecutive sequence numbers and returns the first.
func (s *MongoStore) reserve(ctx context.Context, n int) (int64, error) {
	var counter struct {
		Value int64 `bson:"value"`
	}
	err := s.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": sequenceName},
		bson.M{"$inc": bson.M{"value": int64(n)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&counter)
	if err != nil {
		return 0, fmt.Errorf("failed to reserve outbox sequence: %w", err)
	}
	return counter.Value - int64(n) + 1, nil
}

// Add implements appcore.OutboxStore.
func (s *MongoStore) Add(ctx context.Context, entries ...appcore.OutboxEntry) error {
	if len(entries) == 0 {
		return nil
	}

	first, err := s.reserve(ctx, len(entries))
	if err != nil {
		return err
	}

	docs := make([]any, len(entries))
	for i, e := range entries {
		docs[i] = toOutboxDocument(e, first+int64(i))
	}

	if _, err = s.collection.InsertMany(ctx, docs); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("failed to insert outbox entries: %w", errs.ErrAlreadyExists)
		}
		s.logger.ErrorContext(ctx, "failed to insert outbox entries",
			slog.Int("count", len(entries)),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("failed to insert outbox entries: %w", err)
	}

	s.logger.DebugContext(ctx, "events added to outbox",
		slog.Int("count", len(entries)),
		slog.Int64("first_seq", first),
	)
	return nil
}

// Poll implements appcore.OutboxStore.
func (s *MongoStore) Poll(ctx context.Context, batchSize int, exclude ...uuid.UUID) ([]appcore.OutboxEntry, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "seq", Value: 1}}).
		SetLimit(int64(batchSize))

	filter := bson.M{"processed_at": nil}
	if len(exclude) > 0 {
		ids := make([]string, len(exclude))
		for i, id := range exclude {
			ids[i] = id.String()
		}
		filter["event.aggregate_id"] = bson.M{"$nin": ids}
	}

	cursor, err := s.collection.Find(ctx, filter, opts)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to poll outbox",
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("failed to poll outbox: %w", err)
	}
	defer cursor.Close(ctx)

	var entries []appcore.OutboxEntry
	for cursor.Next(ctx) {
		var doc outboxDocument
		if err = cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode outbox entry: %w", err)
		}
		entry, convErr := fromOutboxDocument(doc)
		if convErr != nil {
			return nil, convErr
		}
		entries = append(entries, entry)
	}

	if err = cursor.Err(); err != nil {
		return nil, fmt.Errorf("cursor error while polling outbox: %w", err)
	}
	return entries, nil
}

// MarkDelivered implements appcore.OutboxStore.
func (s *MongoStore) MarkDelivered(ctx context.Context, id uuid.UUID) error {
	update := bson.M{"$set": bson.M{"processed_at": s.now().UTC()}}
	return s.update(ctx, "delivered", id, update)
}

// MarkFailed implements appcore.OutboxStore.
func (s *MongoStore) MarkFailed(ctx context.Context, id uuid.UUID, delivered []string, cause error, next time.Time) error {
	update := bson.M{
		"$inc": bson.M{"retry_count": 1},
		"$set": bson.M{
			"delivered":       delivered,
			"last_error":      errorText(cause),
			"next_attempt_at": next.UTC(),
		},
	}
	return s.update(ctx, "failed", id, update)
}

func (s *MongoStore) update(ctx context.Context, state string, id uuid.UUID, update bson.M) error {
	result, err := s.collection.UpdateOne(ctx, bson.M{"entry_id": id.String()}, update)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to mark outbox entry as "+state,
			slog.String("entry_id", id.String()),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("failed to mark entry as %s: %w", state, err)
	}
	if result.MatchedCount == 0 {
		return fmt.Errorf("outbox entry %s: %w", id, errs.ErrNotFound)
	}
	return nil
}

// Cleanup implements appcore.OutboxStore.
func (s *MongoStore) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := s.now().UTC().Add(-olderThan)

	result, err := s.collection.DeleteMany(ctx, bson.M{
		"processed_at": bson.M{"$ne": nil, "$lt": cutoff},
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to cleanup outbox",
			slog.String("error", err.Error()),
		)
		return 0, fmt.Errorf("failed to cleanup outbox: %w", err)
	}

	if result.DeletedCount > 0 {
		s.logger.InfoContext(ctx, "cleaned up old outbox entries",
			slog.Int64("deleted", result.DeletedCount),
			slog.Duration("older_than", olderThan),
		)
	}
	return result.DeletedCount, nil
}

// Count implements appcore.OutboxStore.
func (s *MongoStore) Count(ctx context.Context) (int64, error) {
	count, err := s.collection.CountDocuments(ctx, bson.M{"processed_at": nil})
	if err != nil {
		return 0, fmt.Errorf("failed to count outbox entries: %w", err)
	}
	return count, nil
}

// Stats implements appcore.OutboxStore.
func (s *MongoStore) Stats(ctx context.Context) (int64, time.Time, error) {
	count, err := s.Count(ctx)
	if err != nil {
		return 0, time.Time{}, err
	}
	if count == 0 {
		return 0, time.Time{}, nil
	}

	opts := options.FindOne().SetSort(bson.D{{Key: "created_at", Value: 1}})
	var doc outboxDocument
	err = s.collection.FindOne(ctx, bson.M{"processed_at": nil}, opts).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return count, time.Time{}, nil
		}
		return count, time.Time{}, fmt.Errorf("failed to find oldest entry: %w", err)
	}
	return count, doc.CreatedAt.UTC(), nil
}

func toOutboxDocument(e appcore.OutboxEntry, seq int64) outboxDocument {
	doc := outboxDocument{
		EntryID: e.ID.String(),
		Seq:     seq,
		Event: eventDocument{
			EventType:     string(e.Event.Type),
			AggregateType: string(e.Event.AggregateType),
			AggregateID:   e.Event.AggregateID.String(),
			Version:       e.Event.Version,
			Timestamp:     e.Event.Timestamp.UTC(),
			Data:          e.Event.Data,
			Metadata:      e.Event.Metadata,
		},
		Context:     e.Context,
		CreatedAt:   e.CreatedAt.UTC(),
		Delivered:   e.Delivered,
		RetryCount:  e.RetryCount,
		LastError:   e.LastError,
		ProcessedAt: e.ProcessedAt,
	}
	if !e.NextAttemptAt.IsZero() {
		doc.NextAttemptAt = e.NextAttemptAt.UTC()
	}
	return doc
}

func fromOutboxDocument(doc outboxDocument) (appcore.OutboxEntry, error) {
	id, err := uuid.Parse(doc.EntryID)
	if err != nil {
		return appcore.OutboxEntry{}, fmt.Errorf("invalid outbox entry id %q: %w", doc.EntryID, err)
	}
	aggregateID, err := uuid.Parse(doc.Event.AggregateID)
	if err != nil {
		return appcore.OutboxEntry{}, fmt.Errorf("invalid aggregate id %q: %w", doc.Event.AggregateID, err)
	}

	entry := appcore.OutboxEntry{
		ID: id,
		Event: event.Event{
			Type:          event.Type(doc.Event.EventType),
			AggregateType: event.AggregateType(doc.Event.AggregateType),
			AggregateID:   aggregateID,
			Version:       doc.Event.Version,
			Timestamp:     doc.Event.Timestamp.UTC(),
			Data:          doc.Event.Data,
			Metadata:      doc.Event.Metadata,
		},
		Context:     doc.Context,
		CreatedAt:   doc.CreatedAt.UTC(),
		Delivered:   doc.Delivered,
		RetryCount:  doc.RetryCount,
		LastError:   doc.LastError,
		ProcessedAt: doc.ProcessedAt,
	}
	if !doc.NextAttemptAt.IsZero() {
		entry.NextAttemptAt = doc.NextAttemptAt.UTC()
	}
	return entry, nil
}

var _ appcore.OutboxStore = (*MongoStore)(nil)
