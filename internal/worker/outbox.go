// Package worker contains the background delivery loop of the outbox.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/lllypuk/eventcore/internal/application/appcore"
	"github.com/lllypuk/eventcore/internal/domain/errs"
	"github.com/lllypuk/eventcore/internal/domain/event"
	"github.com/lllypuk/eventcore/internal/infrastructure/metrics"
)

const instrumentationName = "github.com/lllypuk/eventcore/internal/worker"

// Default outbox configuration values.
const (
	defaultOutboxPollInterval   = 100 * time.Millisecond
	defaultOutboxBatchSize      = 100
	defaultOutboxInitialBackoff = 100 * time.Millisecond
	defaultOutboxMaxBackoff     = time.Minute
	defaultOutboxCleanupAge     = 7 * 24 * time.Hour
)

var (
	// ErrAlreadyRunning is returned by Start when the loop is already running.
	ErrAlreadyRunning = errors.New("outbox already running")

	// ErrClosed is returned by operations on a closed outbox.
	ErrClosed = errors.New("outbox closed")
)

// OutboxConfig contains configuration for the outbox delivery loop.
type OutboxConfig struct {
	// PollInterval is the time between polls when no wake-up arrives.
	PollInterval time.Duration

	// BatchSize is the maximum number of entries processed per poll.
	BatchSize int

	// InitialBackoff is the delay before the first retry of a failed entry.
	InitialBackoff time.Duration

	// MaxBackoff caps the retry delay.
	MaxBackoff time.Duration

	// CleanupAge is the age after which delivered entries are removed.
	CleanupAge time.Duration

	// CleanupInterval is how often cleanup runs. Zero disables it.
	CleanupInterval time.Duration

	// ErrorBuffer is the per-subscriber size of the error stream.
	ErrorBuffer int
}

// DefaultOutboxConfig returns sensible default configuration.
func DefaultOutboxConfig() OutboxConfig {
	return OutboxConfig{
		PollInterval:    defaultOutboxPollInterval,
		BatchSize:       defaultOutboxBatchSize,
		InitialBackoff:  defaultOutboxInitialBackoff,
		MaxBackoff:      defaultOutboxMaxBackoff,
		CleanupAge:      defaultOutboxCleanupAge,
		CleanupInterval: time.Hour,
		ErrorBuffer:     appcore.DefaultErrorBuffer,
	}
}

// OutboxError is a delivery failure of one event to one handler.
type OutboxError struct {
	Err     error
	Handler string
	EntryID uuid.UUID
	Event   event.Event
	Attempt int
}

func (e *OutboxError) Error() string {
	return fmt.Sprintf("outbox: %v [%s]", e.Err, e.Event)
}

func (e *OutboxError) Unwrap() error {
	return e.Err
}

// Option configures Outbox.
type Option func(*Outbox)

// WithLogger sets the logger of the outbox.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Outbox) {
		o.logger = logger
	}
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *metrics.OutboxMetrics) Option {
	return func(o *Outbox) {
		o.metrics = m
	}
}

// WithTracerProvider sets the provider of delivery spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *Outbox) {
		o.tracer = tp.Tracer(instrumentationName)
	}
}

// WithContextCodec sets the codec used to carry request values to handlers.
func WithContextCodec(codec *appcore.ContextCodec) Option {
	return func(o *Outbox) {
		o.codec = codec
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Outbox) {
		o.now = now
	}
}

type registration struct {
	matcher event.Matcher
	handler event.Handler
}

// Outbox delivers committed events to registered handlers at least once.
//
// Entries are ingested through HandleEvents and stay in the store until every
// matching handler has succeeded. A failed entry is retried with exponential
// backoff and blocks later entries of the same aggregate, so each handler sees
// an aggregate's events in version order.
type Outbox struct {
	store   appcore.OutboxStore
	config  OutboxConfig
	codec   *appcore.ContextCodec
	logger  *slog.Logger
	metrics *metrics.OutboxMetrics
	tracer  trace.Tracer
	now     func() time.Time
	errors  *appcore.ErrorStream
	wake    chan struct{}

	handlersMu sync.RWMutex
	handlers   []registration
	names      map[string]struct{}

	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	done        chan struct{}
	closed      bool

	// serializes passes between the loop and ProcessOnce
	passMu sync.Mutex
}

// NewOutbox creates an outbox on top of a store.
func NewOutbox(store appcore.OutboxStore, config OutboxConfig, opts ...Option) *Outbox {
	defaults := DefaultOutboxConfig()
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = defaults.InitialBackoff
	}
	if config.MaxBackoff < config.InitialBackoff {
		config.MaxBackoff = max(defaults.MaxBackoff, config.InitialBackoff)
	}

	o := &Outbox{
		store:  store,
		config: config,
		codec:  appcore.NewContextCodec(),
		logger: slog.Default(),
		tracer: otel.Tracer(instrumentationName),
		now:    time.Now,
		errors: appcore.NewErrorStream(config.ErrorBuffer),
		wake:   make(chan struct{}, 1),
		names:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// AddHandler registers a handler for the events selected by matcher.
func (o *Outbox) AddHandler(matcher event.Matcher, handler event.Handler) error {
	if matcher == nil {
		return errs.ErrMissingMatcher
	}
	if handler == nil {
		return errs.ErrMissingHandler
	}

	o.handlersMu.Lock()
	defer o.handlersMu.Unlock()

	name := handler.HandlerType()
	if _, ok := o.names[name]; ok {
		return fmt.Errorf("%w: %s", errs.ErrHandlerAlreadyAdded, name)
	}
	o.names[name] = struct{}{}
	o.handlers = append(o.handlers, registration{matcher: matcher, handler: handler})
	return nil
}

// HandleEvents durably records committed events as pending delivery.
// The request values of ctx travel with the entries to the handlers.
func (o *Outbox) HandleEvents(ctx context.Context, events []event.Event) error {
	if len(events) == 0 {
		return nil
	}
	if o.isClosed() {
		return ErrClosed
	}

	values := o.codec.Marshal(ctx)
	now := o.now()
	entries := make([]appcore.OutboxEntry, len(events))
	for i, e := range events {
		entries[i] = appcore.NewOutboxEntry(e, values, now)
	}

	if err := o.store.Add(ctx, entries...); err != nil {
		return fmt.Errorf("outbox ingest: %w", err)
	}
	if o.metrics != nil {
		o.metrics.EventsIngested.Add(float64(len(entries)))
	}

	select {
	case o.wake <- struct{}{}:
	default:
	}
	return nil
}

// Errors returns a new subscription to delivery failures. The channel is
// closed when the outbox is closed. Slow subscribers lose the oldest errors.
func (o *Outbox) Errors() <-chan error {
	return o.errors.Subscribe()
}

// Start begins the delivery loop.
func (o *Outbox) Start() error {
	o.lifecycleMu.Lock()
	defer o.lifecycleMu.Unlock()

	if o.closed {
		return ErrClosed
	}
	if o.cancel != nil {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	o.done = make(chan struct{})
	go o.run(ctx)
	return nil
}

// Close stops the loop after the entry in flight and closes the error stream.
// Undelivered entries stay in the store. Calling Close twice is a no-op.
func (o *Outbox) Close() error {
	o.lifecycleMu.Lock()
	if o.closed {
		o.lifecycleMu.Unlock()
		return nil
	}
	o.closed = true
	cancel, done := o.cancel, o.done
	o.lifecycleMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	// wait for a concurrent ProcessOnce
	o.passMu.Lock()
	defer o.passMu.Unlock()

	o.errors.Close()
	o.logger.Info("outbox stopped")
	return nil
}

func (o *Outbox) isClosed() bool {
	o.lifecycleMu.Lock()
	defer o.lifecycleMu.Unlock()
	return o.closed
}

// ProcessOnce runs a single delivery pass (useful for testing).
func (o *Outbox) ProcessOnce(ctx context.Context) error {
	if o.isClosed() {
		return ErrClosed
	}
	return o.processBatch(ctx)
}

func (o *Outbox) run(ctx context.Context) {
	defer close(o.done)

	o.logger.InfoContext(ctx, "starting outbox",
		slog.Duration("poll_interval", o.config.PollInterval),
		slog.Int("batch_size", o.config.BatchSize),
		slog.Duration("max_backoff", o.config.MaxBackoff),
	)

	pollTicker := time.NewTicker(o.config.PollInterval)
	defer pollTicker.Stop()

	var cleanup <-chan time.Time
	if o.config.CleanupInterval > 0 {
		cleanupTicker := time.NewTicker(o.config.CleanupInterval)
		defer cleanupTicker.Stop()
		cleanup = cleanupTicker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-pollTicker.C:
		case <-o.wake:
		case <-cleanup:
			o.cleanup(ctx)
			continue
		}

		o.updateGaugeMetrics(ctx)
		if err := o.processBatch(ctx); err != nil && ctx.Err() == nil {
			o.logger.ErrorContext(ctx, "failed to process outbox batch",
				slog.String("error", err.Error()),
			)
		}
	}
}

// processBatch delivers up to BatchSize pending entries. Aggregates whose
// oldest pending entry fails or is not yet due are excluded from further
// polls of the pass, so they never starve other aggregates.
func (o *Outbox) processBatch(ctx context.Context) error {
	o.passMu.Lock()
	defer o.passMu.Unlock()

	now := o.now()
	blocked := make(map[uuid.UUID]struct{})
	var exclude []uuid.UUID
	block := func(id uuid.UUID) {
		blocked[id] = struct{}{}
		exclude = append(exclude, id)
	}

	var attempted, delivered, failed, deferred int
	for attempted < o.config.BatchSize && ctx.Err() == nil {
		entries, err := o.store.Poll(ctx, o.config.BatchSize-attempted, exclude...)
		if err != nil {
			return fmt.Errorf("failed to poll outbox: %w", err)
		}
		if len(entries) == 0 {
			break
		}
		if o.metrics != nil {
			o.metrics.PollBatchSize.Observe(float64(len(entries)))
		}

		for _, entry := range entries {
			if ctx.Err() != nil {
				break
			}
			aggregateID := entry.Event.AggregateID
			if _, ok := blocked[aggregateID]; ok {
				deferred++
				continue
			}
			if entry.NextAttemptAt.After(now) {
				block(aggregateID)
				deferred++
				continue
			}
			attempted++
			if deliverErr := o.deliver(ctx, entry); deliverErr != nil {
				block(aggregateID)
				failed++
				continue
			}
			delivered++
		}
	}

	if delivered+failed+deferred > 0 {
		o.logger.DebugContext(ctx, "outbox batch completed",
			slog.Int("delivered", delivered),
			slog.Int("failed", failed),
			slog.Int("deferred", deferred),
		)
	}
	return nil
}

// deliver runs every matching handler that has not yet received the entry.
func (o *Outbox) deliver(ctx context.Context, entry appcore.OutboxEntry) error {
	// in-flight deliveries finish even when the loop is stopped
	storeCtx := context.WithoutCancel(ctx)
	handlerCtx := o.codec.Unmarshal(storeCtx, entry.Context)

	o.handlersMu.RLock()
	handlers := slices.Clone(o.handlers)
	o.handlersMu.RUnlock()

	done := slices.Clone(entry.Delivered)
	var failures []error
	for _, r := range handlers {
		name := r.handler.HandlerType()
		if entry.DeliveredTo(name) || !r.matcher.Match(entry.Event) {
			continue
		}
		if err := o.invoke(handlerCtx, r.handler, entry); err != nil {
			failures = append(failures, err)
			o.errors.Publish(&OutboxError{
				Err:     err,
				Handler: name,
				EntryID: entry.ID,
				Event:   entry.Event,
				Attempt: entry.RetryCount + 1,
			})
			continue
		}
		done = append(done, name)
	}

	eventType := string(entry.Event.Type)
	if len(failures) == 0 {
		if err := o.store.MarkDelivered(storeCtx, entry.ID); err != nil {
			o.logger.ErrorContext(ctx, "failed to mark outbox entry as delivered",
				slog.String("entry_id", entry.ID.String()),
				slog.String("error", err.Error()),
			)
			return err
		}
		if o.metrics != nil {
			o.metrics.EventsDelivered.WithLabelValues(eventType).Inc()
			o.metrics.ProcessingDuration.WithLabelValues(eventType).Observe(o.now().Sub(entry.CreatedAt).Seconds())
		}
		return nil
	}

	cause := errors.Join(failures...)
	next := o.now().Add(o.retryDelay(entry.RetryCount))
	if err := o.store.MarkFailed(storeCtx, entry.ID, done, cause, next); err != nil {
		o.logger.ErrorContext(ctx, "failed to mark outbox entry as failed",
			slog.String("entry_id", entry.ID.String()),
			slog.String("error", err.Error()),
		)
	}
	if o.metrics != nil {
		o.metrics.RetryTotal.WithLabelValues(eventType).Inc()
	}
	o.logger.WarnContext(ctx, "outbox delivery failed",
		slog.String("entry_id", entry.ID.String()),
		slog.String("event", entry.Event.String()),
		slog.Int("retry_count", entry.RetryCount+1),
		slog.Time("next_attempt_at", next),
		slog.String("error", cause.Error()),
	)
	return cause
}

func (o *Outbox) invoke(ctx context.Context, h event.Handler, entry appcore.OutboxEntry) (err error) {
	name := h.HandlerType()
	ctx, span := o.tracer.Start(ctx, "outbox.deliver "+name,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("eventcore.handler", name),
			attribute.String("eventcore.event.type", string(entry.Event.Type)),
			attribute.String("eventcore.aggregate.type", string(entry.Event.AggregateType)),
			attribute.String("eventcore.aggregate.id", entry.Event.AggregateID.String()),
			attribute.Int("eventcore.event.version", entry.Event.Version),
			attribute.Int("eventcore.outbox.attempt", entry.RetryCount+1),
		),
	)
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = &errs.HandlingError{Handler: name, Err: fmt.Errorf("panic: %v", r)}
		}
		status := "success"
		if err != nil {
			status = "failed"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		if o.metrics != nil {
			o.metrics.HandlerDeliveries.WithLabelValues(name, status).Inc()
			o.metrics.HandlerDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
		}
	}()

	return h.HandleEvent(ctx, entry.Event.Clone())
}

// retryDelay returns the capped exponential delay after the given number of
// earlier failures.
func (o *Outbox) retryDelay(retries int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.config.InitialBackoff
	b.MaxInterval = o.config.MaxBackoff
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	b.Reset()

	delay := b.NextBackOff()
	for i := 0; i < retries && delay < o.config.MaxBackoff; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

func (o *Outbox) cleanup(ctx context.Context) {
	deleted, err := o.store.Cleanup(ctx, o.config.CleanupAge)
	if err != nil {
		o.logger.ErrorContext(ctx, "failed to cleanup outbox",
			slog.String("error", err.Error()),
		)
		return
	}
	if o.metrics != nil && deleted > 0 {
		o.metrics.CleanupDeletedTotal.Add(float64(deleted))
	}
}

// updateGaugeMetrics updates the pending count and oldest entry age.
func (o *Outbox) updateGaugeMetrics(ctx context.Context) {
	if o.metrics == nil {
		return
	}

	count, oldest, err := o.store.Stats(ctx)
	if err != nil {
		o.logger.WarnContext(ctx, "failed to get outbox stats for metrics",
			slog.String("error", err.Error()),
		)
		return
	}

	o.metrics.EventsPending.Set(float64(count))
	if !oldest.IsZero() && count > 0 {
		o.metrics.OldestEventAge.Set(o.now().Sub(oldest).Seconds())
	} else {
		o.metrics.OldestEventAge.Set(0)
	}
}

// Stats returns the pending entry count for monitoring.
func (o *Outbox) Stats(ctx context.Context) (OutboxStats, error) {
	count, oldest, err := o.store.Stats(ctx)
	if err != nil {
		return OutboxStats{}, err
	}
	return OutboxStats{PendingCount: count, Oldest: oldest}, nil
}

// OutboxStats contains outbox statistics for monitoring.
type OutboxStats struct {
	PendingCount int64
	Oldest       time.Time
}
