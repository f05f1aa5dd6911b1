// Package eventstore provides the event store backends: memory, MongoDB,
// Redis, SQLite and PostgreSQL. All of them append events per aggregate
// with an atomic compare-and-append on the expected version.
package eventstore

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/lllypuk/eventcore/internal/application/appcore"
	"github.com/lllypuk/eventcore/internal/domain/errs"
	"github.com/lllypuk/eventcore/internal/domain/event"
)

const component = "event store"

// Operation names used in errors and logs.
const (
	opSave        = "save"
	opLoad        = "load"
	opLoadFrom    = "load from"
	opLastVersion = "last version"
	opReplace     = "replace"
	opRename      = "rename event"
)

type options struct {
	logger *slog.Logger
	codec  *appcore.ContextCodec
	outbox bool
	now    func() time.Time
}

// Option configures an event store.
type Option func(*options)

// WithLogger sets the logger for event store.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithOutbox makes stores that support it write an outbox entry for every
// saved event in the same transaction. Request values are taken from the
// save context through codec.
func WithOutbox(codec *appcore.ContextCodec) Option {
	return func(o *options) {
		o.outbox = true
		o.codec = codec
	}
}

// WithClock overrides the time source of outbox entries.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

func buildOptions(opts []Option) options {
	o := options{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.codec == nil {
		o.codec = appcore.NewContextCodec()
	}
	return o
}

// validateBatch checks the shape of a batch before any storage access:
// non-empty, one aggregate, and versions continuing expectedVersion.
func validateBatch(events []event.Event, expectedVersion int) error {
	if len(events) == 0 {
		return errs.ErrMissingEvents
	}
	if expectedVersion < 0 {
		return fmt.Errorf("%w: negative expected version %d", errs.ErrInvalidInput, expectedVersion)
	}

	first := events[0]
	if first.AggregateID == uuid.Nil {
		return fmt.Errorf("%w: %w", errs.ErrInvalidInput, errs.ErrMissingAggregateID)
	}
	for i, e := range events {
		if e.AggregateID != first.AggregateID {
			return fmt.Errorf("%w: event %d belongs to aggregate %s", errs.ErrInvalidInput, i, e.AggregateID)
		}
		if e.Type == "" {
			return fmt.Errorf("%w: event %d has no type", errs.ErrInvalidInput, i)
		}
		if want := expectedVersion + i + 1; e.Version != want {
			return fmt.Errorf("%w: event %d has version %d, want %d", errs.ErrInvalidInput, i, e.Version, want)
		}
	}
	return nil
}

func storeError(op string, err error, aggregateType event.AggregateType, id uuid.UUID, version int) error {
	return &errs.AggregateError{
		Err:           err,
		Component:     component,
		Op:            op,
		AggregateType: string(aggregateType),
		AggregateID:   id,
		Version:       version,
	}
}

func batchError(op string, err error, events []event.Event, expectedVersion int) error {
	if len(events) == 0 {
		return storeError(op, err, "", uuid.Nil, expectedVersion)
	}
	return storeError(op, err, events[0].AggregateType, events[0].AggregateID, expectedVersion)
}

func fromVersion(version int) int {
	if version < 1 {
		return 1
	}
	return version
}

func cloneEvents(events []event.Event) []event.Event {
	out := make([]event.Event, len(events))
	for i, e := range events {
		out[i] = e.Clone()
	}
	return out
}
