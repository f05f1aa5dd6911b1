// Package eventbus fans delivered events out to in-process handlers and
// relays them between processes over Redis Pub/Sub.
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/lllypuk/eventcore/internal/application/appcore"
	"github.com/lllypuk/eventcore/internal/domain/errs"
	"github.com/lllypuk/eventcore/internal/domain/event"
)

const (
	// HandlerType is the name the bus registers under when used as a handler.
	HandlerType = "eventbus"

	defaultQueueSize = 256
)

// ErrClosed is returned when publishing to or registering on a closed bus.
var ErrClosed = errors.New("event bus closed")

// Error is a handler failure reported on the error stream.
type Error struct {
	Err     error
	Handler string
	Event   event.Event
}

func (e *Error) Error() string {
	return fmt.Sprintf("event bus: %s: %v [%s]", e.Handler, e.Err, e.Event)
}

func (e *Error) Unwrap() error {
	return e.Err
}

type delivery struct {
	ctx   context.Context
	event event.Event
}

type subscription struct {
	matcher event.Matcher
	handler event.Handler
	queue   chan delivery
}

// EventBus dispatches events to every handler whose matcher accepts them.
//
// HandleEvent queues: each handler has its own goroutine and bounded queue,
// so a handler sees events in the order they were published and a slow
// handler only delays itself. Publishing blocks while a matching queue is
// full. Failures of queued deliveries are only reported on Errors.
//
// Dispatch runs the matching handlers on the caller's goroutine and returns
// their failures, so a caller that retries (the outbox) gets at-least-once
// delivery to every handler.
type EventBus struct {
	logger    *slog.Logger
	queueSize int
	errors    *appcore.ErrorStream

	mu       sync.RWMutex
	subs     []*subscription
	names    map[string]struct{}
	closed   bool
	wg       sync.WaitGroup
	inflight sync.WaitGroup
}

// Option configures EventBus.
type Option func(*EventBus)

// WithLogger sets the logger of the bus.
func WithLogger(logger *slog.Logger) Option {
	return func(b *EventBus) {
		b.logger = logger
	}
}

// WithQueueSize sets the per-handler queue size.
func WithQueueSize(size int) Option {
	return func(b *EventBus) {
		if size > 0 {
			b.queueSize = size
		}
	}
}

// WithErrorBuffer sets the per-subscriber buffer of the error stream.
func WithErrorBuffer(size int) Option {
	return func(b *EventBus) {
		b.errors = appcore.NewErrorStream(size)
	}
}

// NewEventBus creates an empty bus.
func NewEventBus(opts ...Option) *EventBus {
	b := &EventBus{
		logger:    slog.Default(),
		queueSize: defaultQueueSize,
		errors:    appcore.NewErrorStream(appcore.DefaultErrorBuffer),
		names:     make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// AddHandler registers a handler and starts its worker.
func (b *EventBus) AddHandler(matcher event.Matcher, handler event.Handler) error {
	if matcher == nil {
		return errs.ErrMissingMatcher
	}
	if handler == nil {
		return errs.ErrMissingHandler
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	name := handler.HandlerType()
	if _, ok := b.names[name]; ok {
		return fmt.Errorf("%w: %s", errs.ErrHandlerAlreadyAdded, name)
	}

	sub := &subscription{
		matcher: matcher,
		handler: handler,
		queue:   make(chan delivery, b.queueSize),
	}
	b.names[name] = struct{}{}
	b.subs = append(b.subs, sub)

	b.wg.Add(1)
	go b.consume(sub)
	return nil
}

// HandlerType implements event.Handler.
func (b *EventBus) HandlerType() string { return HandlerType }

// HandleEvent implements event.Handler by queueing e for every matching handler.
func (b *EventBus) HandleEvent(ctx context.Context, e event.Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrClosed
	}

	d := delivery{ctx: context.WithoutCancel(ctx), event: e}
	for _, sub := range b.subs {
		if !sub.matcher.Match(e) {
			continue
		}
		select {
		case sub.queue <- d:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Dispatch invokes every matching handler synchronously and returns the
// joined failures, each wrapped in *Error. Handlers run in registration order.
func (b *EventBus) Dispatch(ctx context.Context, e event.Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	var matched []event.Handler
	for _, sub := range b.subs {
		if sub.matcher.Match(e) {
			matched = append(matched, sub.handler)
		}
	}
	b.inflight.Add(1)
	b.mu.RUnlock()
	defer b.inflight.Done()

	var failures []error
	for _, h := range matched {
		if err := b.handle(ctx, h, e.Clone()); err != nil {
			failures = append(failures, &Error{Err: err, Handler: h.HandlerType(), Event: e})
		}
	}
	return errors.Join(failures...)
}

// Synchronous returns the bus as an event.Handler whose HandleEvent is
// Dispatch. Register it on the outbox so bus handler failures are retried.
func (b *EventBus) Synchronous() event.Handler {
	return synchronous{bus: b}
}

type synchronous struct {
	bus *EventBus
}

func (s synchronous) HandlerType() string { return HandlerType }

func (s synchronous) HandleEvent(ctx context.Context, e event.Event) error {
	return s.bus.Dispatch(ctx, e)
}

// Errors returns a new subscription to handler failures. The channel is
// closed by Close. Slow subscribers lose the oldest errors.
func (b *EventBus) Errors() <-chan error {
	return b.errors.Subscribe()
}

// Close stops accepting events and waits until every queued event and every
// running Dispatch has been handled. Calling Close twice is a no-op.
func (b *EventBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, sub := range b.subs {
		close(sub.queue)
	}
	b.mu.Unlock()

	b.wg.Wait()
	b.inflight.Wait()
	b.errors.Close()
	return nil
}

func (b *EventBus) consume(sub *subscription) {
	defer b.wg.Done()

	name := sub.handler.HandlerType()
	for d := range sub.queue {
		if err := b.handle(d.ctx, sub.handler, d.event.Clone()); err != nil {
			b.logger.WarnContext(d.ctx, "event handler failed",
				slog.String("handler", name),
				slog.String("event", d.event.String()),
				slog.String("aggregate_id", d.event.AggregateID.String()),
				slog.String("error", err.Error()),
			)
			b.errors.Publish(&Error{Err: err, Handler: name, Event: d.event})
		}
	}
}

func (b *EventBus) handle(ctx context.Context, h event.Handler, e event.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &errs.HandlingError{Handler: h.HandlerType(), Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	return h.HandleEvent(ctx, e)
}

var _ event.Handler = (*EventBus)(nil)
