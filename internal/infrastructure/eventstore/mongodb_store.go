package eventstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/lllypuk/eventcore/internal/domain/errs"
	"github.com/lllypuk/eventcore/internal/domain/event"
)

// EventsCollection is the default collection of the MongoDB event store.
const EventsCollection = "events"

// MongoStore implements the event store on MongoDB. The version check runs in
// a transaction and the unique (aggregate_id, version) index rejects any
// concurrent writer that slips past it.
type MongoStore struct {
	client     *mongo.Client
	collection *mongo.Collection
	logger     *slog.Logger
	now        func() time.Time
}

// NewMongoStore creates a new MongoDB event store.
func NewMongoStore(client *mongo.Client, databaseName string, opts ...Option) *MongoStore {
	o := buildOptions(opts)
	return &MongoStore{
		client:     client,
		collection: client.Database(databaseName).Collection(EventsCollection),
		logger:     o.logger,
		now:        o.now,
	}
}

// Save implements appcore.EventStore.
func (s *MongoStore) Save(ctx context.Context, events []event.Event, expectedVersion int) error {
	if err := validateBatch(events, expectedVersion); err != nil {
		return batchError(opSave, err, events, expectedVersion)
	}
	id := events[0].AggregateID

	session, err := s.client.StartSession()
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to start MongoDB session for event store",
			slog.String("aggregate_id", id.String()),
			slog.String("error", err.Error()),
		)
		return batchError(opSave, fmt.Errorf("failed to start session: %w", err), events, expectedVersion)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(txCtx context.Context) (any, error) {
		currentVersion, errVersion := s.LastVersion(txCtx, id)
		if errVersion != nil {
			return nil, errVersion
		}
		if currentVersion != expectedVersion {
			s.logger.WarnContext(ctx, "concurrency conflict in event store",
				slog.String("aggregate_id", id.String()),
				slog.Int("expected_version", expectedVersion),
				slog.Int("current_version", currentVersion),
			)
			return nil, errs.ErrConcurrencyConflict
		}

		now := s.now()
		docs := make([]any, len(events))
		for i, e := range events {
			docs[i] = toDocument(e, now)
		}

		if _, errInsert := s.collection.InsertMany(txCtx, docs); errInsert != nil {
			if mongo.IsDuplicateKeyError(errInsert) {
				s.logger.WarnContext(ctx, "duplicate key error in event store (concurrency)",
					slog.String("aggregate_id", id.String()),
					slog.Int("events_count", len(events)),
				)
				return nil, errs.ErrConcurrencyConflict
			}
			return nil, fmt.Errorf("failed to insert events: %w", errInsert)
		}
		return nil, nil //nolint:nilnil // Transaction success returns nil for both values
	})

	if err != nil {
		if !errors.Is(err, errs.ErrConcurrencyConflict) {
			s.logger.ErrorContext(ctx, "event store transaction failed",
				slog.String("aggregate_id", id.String()),
				slog.Int("events_count", len(events)),
				slog.String("error", err.Error()),
			)
		}
		return batchError(opSave, err, events, expectedVersion)
	}
	return nil
}

// Load implements appcore.EventStore.
func (s *MongoStore) Load(ctx context.Context, id uuid.UUID) ([]event.Event, error) {
	events, err := s.find(ctx, bson.M{"aggregate_id": id.String()})
	if err != nil {
		return nil, storeError(opLoad, err, "", id, 0)
	}
	return events, nil
}

// LoadFrom implements appcore.EventStore.
func (s *MongoStore) LoadFrom(ctx context.Context, id uuid.UUID, version int) ([]event.Event, error) {
	filter := bson.M{
		"aggregate_id": id.String(),
		"version":      bson.M{"$gte": fromVersion(version)},
	}
	events, err := s.find(ctx, filter)
	if err != nil {
		return nil, storeError(opLoadFrom, err, "", id, version)
	}
	return events, nil
}

func (s *MongoStore) find(ctx context.Context, filter bson.M) ([]event.Event, error) {
	opts := mongooptions.Find().SetSort(bson.D{{Key: "version", Value: 1}})

	cursor, err := s.collection.Find(ctx, filter, opts)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to find events in event store",
			slog.Any("filter", filter),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("failed to find events: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []EventDocument
	if err = cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode events: %w", err)
	}
	if len(docs) == 0 {
		return nil, errs.ErrNotFound
	}

	events := make([]event.Event, 0, len(docs))
	for i, doc := range docs {
		e, errDoc := fromDocument(doc)
		if errDoc != nil {
			return nil, fmt.Errorf("failed to deserialize event at index %d: %w", i, errDoc)
		}
		events = append(events, e)
	}
	return events, nil
}

// LastVersion implements appcore.EventStore.
func (s *MongoStore) LastVersion(ctx context.Context, id uuid.UUID) (int, error) {
	filter := bson.M{"aggregate_id": id.String()}
	opts := mongooptions.FindOne().
		SetSort(bson.D{{Key: "version", Value: -1}}).
		SetProjection(bson.M{"version": 1})

	var doc EventDocument
	err := s.collection.FindOne(ctx, filter, opts).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return 0, nil
		}
		return 0, storeError(opLastVersion, fmt.Errorf("failed to get current version: %w", err), "", id, 0)
	}
	return doc.Version, nil
}

// Replace implements appcore.EventMaintenance.
func (s *MongoStore) Replace(ctx context.Context, e event.Event) error {
	filter := bson.M{"aggregate_id": e.AggregateID.String(), "version": e.Version}
	update := bson.M{"$set": bson.M{
		"event_type":     string(e.Type),
		"aggregate_type": string(e.AggregateType),
		"data":           e.Data,
		"metadata":       e.Metadata,
		"timestamp":      e.Timestamp.UTC(),
	}}

	res, err := s.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return storeError(opReplace, fmt.Errorf("failed to replace event: %w", err), e.AggregateType, e.AggregateID, e.Version)
	}
	if res.MatchedCount == 0 {
		return storeError(opReplace, errs.ErrNotFound, e.AggregateType, e.AggregateID, e.Version)
	}

	s.logger.InfoContext(ctx, "event replaced",
		slog.String("aggregate_id", e.AggregateID.String()),
		slog.Int("version", e.Version),
	)
	return nil
}

// RenameEvent implements appcore.EventMaintenance.
func (s *MongoStore) RenameEvent(ctx context.Context, from, to event.Type) error {
	res, err := s.collection.UpdateMany(ctx,
		bson.M{"event_type": string(from)},
		bson.M{"$set": bson.M{"event_type": string(to)}},
	)
	if err != nil {
		return &errs.AggregateError{Err: fmt.Errorf("failed to rename events: %w", err), Component: component, Op: opRename}
	}

	s.logger.InfoContext(ctx, "events renamed",
		slog.String("from", string(from)),
		slog.String("to", string(to)),
		slog.Int64("count", res.ModifiedCount),
	)
	return nil
}

// Close implements appcore.EventStore. The client is owned by the caller.
func (s *MongoStore) Close() error {
	return nil
}
