// Package event defines the immutable event record and the matching and
// handling contracts built on top of it.
package event

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type identifies the kind of an event. It doubles as the type tag of Data.
type Type string

func (t Type) String() string { return string(t) }

// AggregateType identifies the kind of aggregate an event belongs to.
type AggregateType string

func (t AggregateType) String() string { return string(t) }

// Event is an immutable fact about an aggregate at a given version.
type Event struct {
	Type          Type
	AggregateType AggregateType
	AggregateID   uuid.UUID
	Version       int
	Timestamp     time.Time
	Data          []byte
	Metadata      Metadata
}

// Option configures an event built with New.
type Option func(*Event)

// ForAggregate binds the event to an aggregate at the given version.
func ForAggregate(aggregateType AggregateType, aggregateID uuid.UUID, version int) Option {
	return func(e *Event) {
		e.AggregateType = aggregateType
		e.AggregateID = aggregateID
		e.Version = version
	}
}

// WithMetadata appends metadata fields to the event.
func WithMetadata(fields ...Field) Option {
	return func(e *Event) {
		for _, f := range fields {
			e.Metadata = e.Metadata.With(f.Key, f.Value)
		}
	}
}

// New creates an event. The timestamp is normalized to UTC.
func New(eventType Type, data []byte, timestamp time.Time, opts ...Option) Event {
	e := Event{
		Type:      eventType,
		Timestamp: timestamp.UTC(),
		Data:      data,
	}
	for _, opt := range opts {
		opt(&e)
	}
	return e
}

// Clone returns a deep copy of the event.
func (e Event) Clone() Event {
	c := e
	if e.Data != nil {
		c.Data = append([]byte(nil), e.Data...)
	}
	c.Metadata = e.Metadata.clone()
	return c
}

func (e Event) String() string {
	return fmt.Sprintf("%s@%d", e.Type, e.Version)
}

// Handler consumes events. HandlerType identifies the handler for registration.
type Handler interface {
	HandlerType() string
	HandleEvent(ctx context.Context, e Event) error
}

type funcHandler struct {
	name string
	fn   func(ctx context.Context, e Event) error
}

func (h *funcHandler) HandlerType() string { return h.name }

func (h *funcHandler) HandleEvent(ctx context.Context, e Event) error {
	return h.fn(ctx, e)
}

// NewHandler adapts a function to the Handler interface.
func NewHandler(name string, fn func(ctx context.Context, e Event) error) Handler {
	return &funcHandler{name: name, fn: fn}
}
