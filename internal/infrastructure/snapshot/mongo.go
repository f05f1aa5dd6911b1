package snapshot

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

	"github.com/lllypuk/eventcore/internal/domain/aggregate"
	"github.com/lllypuk/eventcore/internal/domain/event"
)

// SnapshotsCollection is the default collection of the MongoDB snapshot store.
const SnapshotsCollection = "snapshots"

type snapshotDocument struct {
	AggregateID   string    `bson:"aggregate_id"`
	AggregateType string    `bson:"aggregate_type"`
	Version       int       `bson:"version"`
	Timestamp     time.Time `bson:"timestamp"`
	State         []byte    `bson:"state"`
}

// MongoStore keeps one snapshot document per aggregate.
type MongoStore struct {
	collection *mongo.Collection
	logger     *slog.Logger
}

// MongoOption configures MongoStore.
type MongoOption func(*MongoStore)

// WithLogger sets the logger for the snapshot store.
func WithLogger(logger *slog.Logger) MongoOption {
	return func(s *MongoStore) {
		s.logger = logger
	}
}

// NewMongoStore creates a MongoDB snapshot store.
func NewMongoStore(db *mongo.Database, opts ...MongoOption) *MongoStore {
	s := &MongoStore{
		collection: db.Collection(SnapshotsCollection),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LoadSnapshot implements appcore.SnapshotStore.
func (s *MongoStore) LoadSnapshot(ctx context.Context, id uuid.UUID) (*aggregate.Snapshot, error) {
	var doc snapshotDocument
	err := s.collection.FindOne(ctx, bson.M{"aggregate_id": id.String()}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil //nolint:nilnil // absence is not an error
		}
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	return &aggregate.Snapshot{
		AggregateID:   id,
		AggregateType: event.AggregateType(doc.AggregateType),
		Version:       doc.Version,
		Timestamp:     doc.Timestamp.UTC(),
		State:         doc.State,
	}, nil
}

// SaveSnapshot implements appcore.SnapshotStore.
func (s *MongoStore) SaveSnapshot(ctx context.Context, snapshot aggregate.Snapshot) error {
	doc := snapshotDocument{
		AggregateID:   snapshot.AggregateID.String(),
		AggregateType: string(snapshot.AggregateType),
		Version:       snapshot.Version,
		Timestamp:     snapshot.Timestamp.UTC(),
		State:         snapshot.State,
	}
	_, err := s.collection.ReplaceOne(ctx,
		bson.M{"aggregate_id": doc.AggregateID},
		doc,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to save snapshot",
			slog.String("aggregate_id", doc.AggregateID),
			slog.Int("version", snapshot.Version),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}
