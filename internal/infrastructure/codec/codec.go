// Package codec encodes events and commands together with the request
// context that accompanies them.
package codec

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/lllypuk/eventcore/internal/application/appcore"
	"github.com/lllypuk/eventcore/internal/domain/event"
)

// EventCodec converts events to bytes and back.
type EventCodec interface {
	MarshalEvent(ctx context.Context, e event.Event) ([]byte, error)
	UnmarshalEvent(ctx context.Context, b []byte) (event.Event, context.Context, error)
}

type jsonEvent struct {
	EventType     event.Type          `json:"event_type"`
	Data          []byte              `json:"data,omitempty"`
	Timestamp     time.Time           `json:"timestamp"`
	AggregateType event.AggregateType `json:"aggregate_type"`
	AggregateID   uuid.UUID           `json:"aggregate_id"`
	Version       int                 `json:"version"`
	Metadata      event.Metadata      `json:"metadata,omitempty"`
	Context       map[string]string   `json:"context,omitempty"`
}

// JSON is the JSON event codec.
type JSON struct {
	context *appcore.ContextCodec
}

// NewJSON creates a JSON event codec carrying the values known to codec.
func NewJSON(codec *appcore.ContextCodec) *JSON {
	if codec == nil {
		codec = appcore.NewContextCodec()
	}
	return &JSON{context: codec}
}

// MarshalEvent implements EventCodec.
func (c *JSON) MarshalEvent(ctx context.Context, e event.Event) ([]byte, error) {
	b, err := json.Marshal(jsonEvent{
		EventType:     e.Type,
		Data:          e.Data,
		Timestamp:     e.Timestamp,
		AggregateType: e.AggregateType,
		AggregateID:   e.AggregateID,
		Version:       e.Version,
		Metadata:      e.Metadata,
		Context:       c.context.Marshal(ctx),
	})
	if err != nil {
		return nil, fmt.Errorf("could not marshal event: %w", err)
	}
	return b, nil
}

// UnmarshalEvent implements EventCodec.
func (c *JSON) UnmarshalEvent(ctx context.Context, b []byte) (event.Event, context.Context, error) {
	var je jsonEvent
	if err := json.Unmarshal(b, &je); err != nil {
		return event.Event{}, ctx, fmt.Errorf("could not unmarshal event: %w", err)
	}
	e := event.Event{
		Type:          je.EventType,
		AggregateType: je.AggregateType,
		AggregateID:   je.AggregateID,
		Version:       je.Version,
		Timestamp:     je.Timestamp,
		Data:          je.Data,
		Metadata:      je.Metadata,
	}
	return e, c.context.Unmarshal(ctx, je.Context), nil
}

type bsonEvent struct {
	EventType     string            `bson:"event_type"`
	Data          []byte            `bson:"data,omitempty"`
	Timestamp     time.Time         `bson:"timestamp"`
	AggregateType string            `bson:"aggregate_type"`
	AggregateID   string            `bson:"aggregate_id"`
	Version       int               `bson:"version"`
	Metadata      []event.Field     `bson:"metadata,omitempty"`
	Context       map[string]string `bson:"context,omitempty"`
}

// BSON is the BSON event codec. Timestamps keep millisecond precision.
type BSON struct {
	context *appcore.ContextCodec
}

// NewBSON creates a BSON event codec carrying the values known to codec.
func NewBSON(codec *appcore.ContextCodec) *BSON {
	if codec == nil {
		codec = appcore.NewContextCodec()
	}
	return &BSON{context: codec}
}

// MarshalEvent implements EventCodec.
func (c *BSON) MarshalEvent(ctx context.Context, e event.Event) ([]byte, error) {
	b, err := bson.Marshal(bsonEvent{
		EventType:     string(e.Type),
		Data:          e.Data,
		Timestamp:     e.Timestamp.UTC(),
		AggregateType: string(e.AggregateType),
		AggregateID:   e.AggregateID.String(),
		Version:       e.Version,
		Metadata:      e.Metadata,
		Context:       c.context.Marshal(ctx),
	})
	if err != nil {
		return nil, fmt.Errorf("could not marshal event: %w", err)
	}
	return b, nil
}

// UnmarshalEvent implements EventCodec.
func (c *BSON) UnmarshalEvent(ctx context.Context, b []byte) (event.Event, context.Context, error) {
	var be bsonEvent
	if err := bson.Unmarshal(b, &be); err != nil {
		return event.Event{}, ctx, fmt.Errorf("could not unmarshal event: %w", err)
	}
	id, err := uuid.Parse(be.AggregateID)
	if err != nil {
		return event.Event{}, ctx, fmt.Errorf("could not unmarshal event: aggregate id: %w", err)
	}
	e := event.Event{
		Type:          event.Type(be.EventType),
		AggregateType: event.AggregateType(be.AggregateType),
		AggregateID:   id,
		Version:       be.Version,
		Timestamp:     be.Timestamp.UTC(),
		Data:          be.Data,
		Metadata:      be.Metadata,
	}
	return e, c.context.Unmarshal(ctx, be.Context), nil
}

var (
	_ EventCodec = (*JSON)(nil)
	_ EventCodec = (*BSON)(nil)
)
