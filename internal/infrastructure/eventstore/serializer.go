package eventstore

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/lllypuk/eventcore/internal/domain/event"
)

// EventDocument represents an event in MongoDB.
type EventDocument struct {
	ID bson.ObjectID `bson:"_id,omitempty"`

	AggregateID   string        `bson:"aggregate_id"`
	AggregateType string        `bson:"aggregate_type"`
	EventType     string        `bson:"event_type"`
	Version       int           `bson:"version"`
	Data          []byte        `bson:"data"`
	Metadata      []event.Field `bson:"metadata,omitempty"`
	Timestamp     time.Time     `bson:"timestamp"`
	CreatedAt     time.Time     `bson:"created_at"`
}

func toDocument(e event.Event, now time.Time) EventDocument {
	return EventDocument{
		AggregateID:   e.AggregateID.String(),
		AggregateType: string(e.AggregateType),
		EventType:     string(e.Type),
		Version:       e.Version,
		Data:          e.Data,
		Metadata:      e.Metadata,
		Timestamp:     e.Timestamp.UTC(),
		CreatedAt:     now.UTC(),
	}
}

func fromDocument(doc EventDocument) (event.Event, error) {
	id, err := uuid.Parse(doc.AggregateID)
	if err != nil {
		return event.Event{}, fmt.Errorf("invalid aggregate id %q: %w", doc.AggregateID, err)
	}
	return event.Event{
		Type:          event.Type(doc.EventType),
		AggregateType: event.AggregateType(doc.AggregateType),
		AggregateID:   id,
		Version:       doc.Version,
		Timestamp:     doc.Timestamp.UTC(),
		Data:          doc.Data,
		Metadata:      doc.Metadata,
	}, nil
}

// record is the JSON form used by the Redis backend and the SQL metadata
// columns.
type record struct {
	EventType     event.Type          `json:"event_type"`
	AggregateType event.AggregateType `json:"aggregate_type"`
	AggregateID   uuid.UUID           `json:"aggregate_id"`
	Version       int                 `json:"version"`
	Timestamp     time.Time           `json:"timestamp"`
	Data          []byte              `json:"data,omitempty"`
	Metadata      event.Metadata      `json:"metadata,omitempty"`
}

func marshalRecord(e event.Event) (string, error) {
	b, err := json.Marshal(record{
		EventType:     e.Type,
		AggregateType: e.AggregateType,
		AggregateID:   e.AggregateID,
		Version:       e.Version,
		Timestamp:     e.Timestamp.UTC(),
		Data:          e.Data,
		Metadata:      e.Metadata,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal event: %w", err)
	}
	return string(b), nil
}

func unmarshalRecord(raw string) (event.Event, error) {
	var r record
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return event.Event{}, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	return event.Event{
		Type:          r.EventType,
		AggregateType: r.AggregateType,
		AggregateID:   r.AggregateID,
		Version:       r.Version,
		Timestamp:     r.Timestamp.UTC(),
		Data:          r.Data,
		Metadata:      r.Metadata,
	}, nil
}

func marshalMetadata(m event.Metadata) ([]byte, error) {
	if len(m) == 0 {
		return []byte("[]"), nil
	}
	return json.Marshal(m)
}

func unmarshalMetadata(b []byte) (event.Metadata, error) {
	var m event.Metadata
	if len(b) == 0 {
		return nil, nil
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	if len(m) == 0 {
		return nil, nil
	}
	return m, nil
}

func withPosition(m event.Metadata, position int64) event.Metadata {
	return m.With(event.MetaPosition, strconv.FormatInt(position, 10))
}
