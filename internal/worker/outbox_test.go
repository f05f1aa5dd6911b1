package worker_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/lllypuk/eventcore/internal/application/appcore"
	"github.com/lllypuk/eventcore/internal/domain/errs"
	"github.com/lllypuk/eventcore/internal/domain/event"
	"github.com/lllypuk/eventcore/internal/infrastructure/eventbus"
	"github.com/lllypuk/eventcore/internal/infrastructure/metrics"
	"github.com/lllypuk/eventcore/internal/infrastructure/outbox"
	"github.com/lllypuk/eventcore/internal/worker"
	"github.com/lllypuk/eventcore/tests/testutil"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recordingHandler records delivered events and fails while failures > 0.
type recordingHandler struct {
	name string

	mu       sync.Mutex
	events   []event.Event
	contexts []context.Context
	failures int
}

func (h *recordingHandler) HandlerType() string { return h.name }

func (h *recordingHandler) HandleEvent(ctx context.Context, e event.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, e)
	h.contexts = append(h.contexts, ctx)
	if h.failures > 0 {
		h.failures--
		return errors.New("handler failed")
	}
	return nil
}

func (h *recordingHandler) received() []event.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]event.Event(nil), h.events...)
}

func newTestOutbox(t *testing.T, clock *fakeClock, opts ...worker.Option) (*worker.Outbox, *outbox.MemoryStore) {
	t.Helper()
	store := outbox.NewMemoryStore(outbox.WithClock(clock.Now))
	config := worker.DefaultOutboxConfig()
	config.PollInterval = 10 * time.Millisecond
	config.InitialBackoff = time.Second
	config.MaxBackoff = 4 * time.Second
	opts = append([]worker.Option{worker.WithClock(clock.Now)}, opts...)
	o := worker.NewOutbox(store, config, opts...)
	t.Cleanup(func() { _ = o.Close() })
	return o, store
}

func TestOutbox_AddHandler(t *testing.T) {
	o, _ := newTestOutbox(t, newFakeClock())
	h := &recordingHandler{name: "projector"}

	require.ErrorIs(t, o.AddHandler(nil, h), errs.ErrMissingMatcher)
	require.ErrorIs(t, o.AddHandler(event.MatchAll{}, nil), errs.ErrMissingHandler)
	require.NoError(t, o.AddHandler(event.MatchAll{}, h))
	require.ErrorIs(t, o.AddHandler(event.MatchEvents{"Other"}, &recordingHandler{name: "projector"}), errs.ErrHandlerAlreadyAdded)
}

func TestOutbox_DeliversOnlyMatchingEvents(t *testing.T) {
	// Arrange
	ctx := context.Background()
	o, store := newTestOutbox(t, newFakeClock())
	created := &recordingHandler{name: "created"}
	require.NoError(t, o.AddHandler(event.MatchEvents{"Created"}, created))

	id := uuid.New()
	events := []event.Event{
		event.New("Created", nil, time.Now(), event.ForAggregate("X", id, 1)),
		event.New("Renamed", nil, time.Now(), event.ForAggregate("X", id, 2)),
	}

	// Act
	require.NoError(t, o.HandleEvents(ctx, events))
	require.NoError(t, o.ProcessOnce(ctx))

	// Assert
	testutil.AssertEventTypes(t, created.received(), "Created")
	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count, "unmatched events are delivered to nobody and still complete")
}

func TestOutbox_RetriesUntilDelivered(t *testing.T) {
	// Arrange
	ctx := context.Background()
	clock := newFakeClock()
	o, store := newTestOutbox(t, clock)
	flaky := &recordingHandler{name: "flaky", failures: 1}
	steady := &recordingHandler{name: "steady"}
	require.NoError(t, o.AddHandler(event.MatchAll{}, flaky))
	require.NoError(t, o.AddHandler(event.MatchAll{}, steady))
	errCh := o.Errors()

	events := testutil.AccountEvents(uuid.New(), 1, 1)
	require.NoError(t, o.HandleEvents(ctx, events))

	// Act: first attempt fails
	require.NoError(t, o.ProcessOnce(ctx))

	// Assert
	var outboxErr *worker.OutboxError
	select {
	case err := <-errCh:
		require.ErrorAs(t, err, &outboxErr)
	case <-time.After(time.Second):
		t.Fatal("expected a delivery error")
	}
	assert.Equal(t, "flaky", outboxErr.Handler)
	assert.Equal(t, 1, outboxErr.Attempt)
	assert.Contains(t, outboxErr.Error(), "outbox: handler failed [")

	pending, err := store.Poll(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].RetryCount)
	assert.Equal(t, []string{"steady"}, pending[0].Delivered)
	assert.True(t, clock.Now().Add(time.Second).Equal(pending[0].NextAttemptAt))

	// Act: not yet due
	require.NoError(t, o.ProcessOnce(ctx))
	assert.Len(t, flaky.received(), 1)

	// Act: retry after backoff
	clock.Advance(time.Second)
	require.NoError(t, o.ProcessOnce(ctx))

	// Assert
	assert.Len(t, flaky.received(), 2, "at-least-once: the failing handler sees the event again")
	assert.Len(t, steady.received(), 1, "handlers that succeeded are not invoked again")
	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestOutbox_BackoffIsCapped(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	o, store := newTestOutbox(t, clock)
	require.NoError(t, o.AddHandler(event.MatchAll{}, &recordingHandler{name: "broken", failures: 100}))
	require.NoError(t, o.HandleEvents(ctx, testutil.AccountEvents(uuid.New(), 1, 1)))

	var delays []time.Duration
	for range 5 {
		require.NoError(t, o.ProcessOnce(ctx))
		pending, err := store.Poll(ctx, 1)
		require.NoError(t, err)
		delay := pending[0].NextAttemptAt.Sub(clock.Now())
		delays = append(delays, delay)
		clock.Advance(delay)
	}

	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second, 4 * time.Second}, delays)
}

func TestOutbox_FailureBlocksLaterEventsOfSameAggregate(t *testing.T) {
	// Arrange
	ctx := context.Background()
	clock := newFakeClock()
	o, _ := newTestOutbox(t, clock)
	h := &recordingHandler{name: "ordered", failures: 1}
	require.NoError(t, o.AddHandler(event.MatchAll{}, h))

	a := testutil.AccountEvents(uuid.New(), 1, 2)
	b := testutil.AccountEvents(uuid.New(), 1, 1)
	require.NoError(t, o.HandleEvents(ctx, a))
	require.NoError(t, o.HandleEvents(ctx, b))

	// Act
	require.NoError(t, o.ProcessOnce(ctx))

	// Assert: a@1 failed, a@2 waits, b@1 is independent
	received := h.received()
	require.Len(t, received, 2)
	assert.Equal(t, a[0].AggregateID, received[0].AggregateID)
	assert.Equal(t, b[0].AggregateID, received[1].AggregateID)

	clock.Advance(time.Minute)
	require.NoError(t, o.ProcessOnce(ctx))

	received = h.received()
	require.Len(t, received, 4)
	assert.Equal(t, 1, received[2].Version)
	assert.Equal(t, 2, received[3].Version)
}

func TestOutbox_BlockedAggregateDoesNotStarveOthers(t *testing.T) {
	// Arrange
	ctx := context.Background()
	clock := newFakeClock()
	store := outbox.NewMemoryStore(outbox.WithClock(clock.Now))
	config := worker.DefaultOutboxConfig()
	config.BatchSize = 2
	config.InitialBackoff = time.Second
	config.MaxBackoff = time.Second
	o := worker.NewOutbox(store, config, worker.WithClock(clock.Now))
	t.Cleanup(func() { _ = o.Close() })

	poisoned := uuid.New()
	broken := event.NewHandler("broken", func(_ context.Context, e event.Event) error {
		if e.AggregateID == poisoned {
			return errors.New("cannot project")
		}
		return nil
	})
	healthy := &recordingHandler{name: "healthy"}
	require.NoError(t, o.AddHandler(event.MatchAll{}, broken))
	require.NoError(t, o.AddHandler(event.MatchAll{}, healthy))

	require.NoError(t, o.HandleEvents(ctx, testutil.AccountEvents(poisoned, 1, 3)))
	other := testutil.AccountEvents(uuid.New(), 1, 1)
	require.NoError(t, o.HandleEvents(ctx, other))

	// Act: the first pass fails the poisoned aggregate, later ones find it not yet due
	for range 3 {
		require.NoError(t, o.ProcessOnce(ctx))
		clock.Advance(100 * time.Millisecond)
	}

	// Assert
	var otherDeliveries int
	for _, e := range healthy.received() {
		if e.AggregateID == other[0].AggregateID {
			otherDeliveries++
		}
	}
	assert.Equal(t, 1, otherDeliveries)

	pending, err := store.Poll(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	for _, entry := range pending {
		assert.Equal(t, poisoned, entry.Event.AggregateID)
	}
}

func TestOutbox_RetriesFailingEventBusHandler(t *testing.T) {
	// Arrange
	ctx := context.Background()
	clock := newFakeClock()
	o, store := newTestOutbox(t, clock)
	bus := eventbus.NewEventBus()
	t.Cleanup(func() { _ = bus.Close() })
	flaky := &recordingHandler{name: "projector", failures: 1}
	require.NoError(t, bus.AddHandler(event.MatchAll{}, flaky))
	require.NoError(t, o.AddHandler(event.MatchAll{}, bus.Synchronous()))
	require.NoError(t, o.HandleEvents(ctx, testutil.AccountEvents(uuid.New(), 1, 1)))

	// Act
	require.NoError(t, o.ProcessOnce(ctx))

	// Assert: the failure keeps the entry pending
	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
	assert.Len(t, flaky.received(), 1)

	// Act: retry after backoff
	clock.Advance(time.Second)
	require.NoError(t, o.ProcessOnce(ctx))

	// Assert
	assert.Len(t, flaky.received(), 2)
	count, err = store.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestOutbox_PropagatesContext(t *testing.T) {
	ctx := appcore.WithCorrelationID(context.Background(), "corr-7")
	o, _ := newTestOutbox(t, newFakeClock())
	h := &recordingHandler{name: "ctx"}
	require.NoError(t, o.AddHandler(event.MatchAll{}, h))

	require.NoError(t, o.HandleEvents(ctx, testutil.AccountEvents(uuid.New(), 1, 1)))
	require.NoError(t, o.ProcessOnce(context.Background()))

	require.Len(t, h.contexts, 1)
	correlationID, err := appcore.GetCorrelationID(h.contexts[0])
	require.NoError(t, err)
	assert.Equal(t, "corr-7", correlationID)
}

func TestOutbox_PanicIsReportedAsHandlingError(t *testing.T) {
	ctx := context.Background()
	o, store := newTestOutbox(t, newFakeClock())
	errCh := o.Errors()
	require.NoError(t, o.AddHandler(event.MatchAll{}, event.NewHandler("panicky", func(context.Context, event.Event) error {
		panic("boom")
	})))
	require.NoError(t, o.HandleEvents(ctx, testutil.AccountEvents(uuid.New(), 1, 1)))

	require.NoError(t, o.ProcessOnce(ctx))

	err := <-errCh
	var handlingErr *errs.HandlingError
	require.ErrorAs(t, err, &handlingErr)
	assert.Equal(t, "panicky", handlingErr.Handler)
	count, countErr := store.Count(ctx)
	require.NoError(t, countErr)
	assert.Equal(t, int64(1), count)
}

func TestOutbox_Lifecycle(t *testing.T) {
	o, _ := newTestOutbox(t, newFakeClock())
	errCh := o.Errors()

	require.NoError(t, o.Start())
	require.ErrorIs(t, o.Start(), worker.ErrAlreadyRunning)
	require.NoError(t, o.Close())
	require.NoError(t, o.Close())
	require.ErrorIs(t, o.Start(), worker.ErrClosed)
	require.ErrorIs(t, o.HandleEvents(context.Background(), testutil.AccountEvents(uuid.New(), 1, 1)), worker.ErrClosed)

	_, open := <-errCh
	assert.False(t, open, "error stream is closed")
}

func TestOutbox_CloseKeepsPendingEntries(t *testing.T) {
	ctx := context.Background()
	o, store := newTestOutbox(t, newFakeClock())
	require.NoError(t, o.HandleEvents(ctx, testutil.AccountEvents(uuid.New(), 1, 3)))

	require.NoError(t, o.Close())

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}

func TestOutbox_BackgroundDelivery(t *testing.T) {
	// Arrange
	ctx := context.Background()
	o, _ := newTestOutbox(t, newFakeClock())
	h := &recordingHandler{name: "async"}
	require.NoError(t, o.AddHandler(event.MatchAll{}, h))
	require.NoError(t, o.Start())

	// Act
	require.NoError(t, o.HandleEvents(ctx, testutil.AccountEvents(uuid.New(), 1, 3)))

	// Assert
	testutil.Eventually(t, func() bool { return len(h.received()) == 3 }, 2*time.Second)
	testutil.AssertContiguousVersions(t, h.received(), 1)
}

func TestOutbox_MetricsAndSpans(t *testing.T) {
	// Arrange
	ctx := context.Background()
	registry := prometheus.NewRegistry()
	outboxMetrics := metrics.NewOutboxMetrics(registry)
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	o, _ := newTestOutbox(t, newFakeClock(),
		worker.WithMetrics(outboxMetrics),
		worker.WithTracerProvider(provider),
	)
	require.NoError(t, o.AddHandler(event.MatchAll{}, &recordingHandler{name: "projector"}))

	// Act
	require.NoError(t, o.HandleEvents(ctx, testutil.AccountEvents(uuid.New(), 1, 2)))
	require.NoError(t, o.ProcessOnce(ctx))

	// Assert
	assert.InDelta(t, 2, promtestutil.ToFloat64(outboxMetrics.EventsIngested), 0)
	assert.InDelta(t, 2, promtestutil.ToFloat64(outboxMetrics.HandlerDeliveries.WithLabelValues("projector", "success")), 0)

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "outbox.deliver projector", spans[0].Name())
}
