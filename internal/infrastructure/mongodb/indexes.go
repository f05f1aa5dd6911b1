// Package mongodb provides MongoDB infrastructure components including index management.
package mongodb

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// Collection names as constants for consistency.
const (
	CollectionEvents    = "events"
	CollectionOutbox    = "outbox"
	CollectionSnapshots = "snapshots"
)

// IndexDefinition describes a MongoDB index to be created.
type IndexDefinition struct {
	Collection string
	Name       string
	Keys       bson.D
	Unique     bool
}

func (d IndexDefinition) model() mongo.IndexModel {
	opts := options.Index().SetName(d.Name)
	if d.Unique {
		opts.SetUnique(true)
	}
	return mongo.IndexModel{Keys: d.Keys, Options: opts}
}

// CreateAllIndexes creates all necessary indexes for the application.
// This function is idempotent - calling it multiple times is safe.
func CreateAllIndexes(ctx context.Context, db *mongo.Database) error {
	return createIndexes(ctx, db, GetAllIndexDefinitions())
}

func createIndexes(ctx context.Context, db *mongo.Database, indexes []IndexDefinition) error {
	for _, idx := range indexes {
		if _, err := db.Collection(idx.Collection).Indexes().CreateOne(ctx, idx.model()); err != nil {
			return fmt.Errorf("failed to create index %s on collection %s: %w", idx.Name, idx.Collection, err)
		}
	}
	return nil
}

// GetAllIndexDefinitions returns all index definitions for all collections.
func GetAllIndexDefinitions() []IndexDefinition {
	var indexes []IndexDefinition

	indexes = append(indexes, GetEventIndexes()...)
	indexes = append(indexes, GetOutboxIndexes()...)
	indexes = append(indexes, GetSnapshotIndexes()...)

	return indexes
}

// GetEventIndexes returns index definitions for the events collection (Event Store).
func GetEventIndexes() []IndexDefinition {
	return []IndexDefinition{
		{
			// Final arbiter of optimistic locking: one event per aggregate and version
			Collection: CollectionEvents,
			Name:       "idx_events_aggregate_version_unique",
			Keys:       bson.D{{Key: "aggregate_id", Value: 1}, {Key: "version", Value: 1}},
			Unique:     true,
		},
		{
			// Used by RenameEvent
			Collection: CollectionEvents,
			Name:       "idx_events_type_time",
			Keys:       bson.D{{Key: "event_type", Value: 1}, {Key: "timestamp", Value: -1}},
		},
		{
			Collection: CollectionEvents,
			Name:       "idx_events_aggregate_type_time",
			Keys:       bson.D{{Key: "aggregate_type", Value: 1}, {Key: "timestamp", Value: -1}},
		},
	}
}

// GetOutboxIndexes returns index definitions for the outbox collection.
func GetOutboxIndexes() []IndexDefinition {
	return []IndexDefinition{
		{
			// Polling pending entries in ingestion order
			Collection: CollectionOutbox,
			Name:       "idx_outbox_poll",
			Keys:       bson.D{{Key: "processed_at", Value: 1}, {Key: "seq", Value: 1}},
		},
		{
			Collection: CollectionOutbox,
			Name:       "idx_outbox_id_unique",
			Keys:       bson.D{{Key: "entry_id", Value: 1}},
			Unique:     true,
		},
		{
			Collection: CollectionOutbox,
			Name:       "idx_outbox_aggregate",
			Keys:       bson.D{{Key: "event.aggregate_id", Value: 1}},
		},
	}
}

// GetSnapshotIndexes returns index definitions for the snapshots collection.
func GetSnapshotIndexes() []IndexDefinition {
	return []IndexDefinition{
		{
			Collection: CollectionSnapshots,
			Name:       "idx_snapshots_aggregate_unique",
			Keys:       bson.D{{Key: "aggregate_id", Value: 1}},
			Unique:     true,
		},
	}
}

// EnsureIndexes is an alias for CreateAllIndexes for semantic clarity.
func EnsureIndexes(ctx context.Context, db *mongo.Database) error {
	return CreateAllIndexes(ctx, db)
}

// CreateCollectionIndexes creates indexes for a specific collection only.
func CreateCollectionIndexes(ctx context.Context, db *mongo.Database, collectionName string) error {
	var indexes []IndexDefinition

	switch collectionName {
	case CollectionEvents:
		indexes = GetEventIndexes()
	case CollectionOutbox:
		indexes = GetOutboxIndexes()
	case CollectionSnapshots:
		indexes = GetSnapshotIndexes()
	default:
		return fmt.Errorf("unknown collection: %s", collectionName)
	}

	return createIndexes(ctx, db, indexes)
}
