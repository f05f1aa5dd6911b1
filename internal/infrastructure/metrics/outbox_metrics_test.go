package metrics_test

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lllypuk/eventcore/internal/infrastructure/metrics"
)

func TestOutboxMetrics_Registration(t *testing.T) {
	// Arrange
	registry := prometheus.NewRegistry()

	// Act
	outboxMetrics := metrics.NewOutboxMetrics(registry)
	outboxMetrics.EventsPending.Set(42)

	// Assert
	assert.InDelta(t, 42, testutil.ToFloat64(outboxMetrics.EventsPending), 0)
	assert.Panics(t, func() { metrics.NewOutboxMetrics(registry) }, "double registration")
}

func TestOutboxMetrics_CounterIncrement(t *testing.T) {
	registry := prometheus.NewRegistry()
	outboxMetrics := metrics.NewOutboxMetrics(registry)

	outboxMetrics.HandlerDeliveries.WithLabelValues("projector", "success").Inc()
	outboxMetrics.HandlerDeliveries.WithLabelValues("projector", "success").Inc()
	outboxMetrics.HandlerDeliveries.WithLabelValues("projector", "failed").Inc()

	assert.InDelta(t, 2, testutil.ToFloat64(outboxMetrics.HandlerDeliveries.WithLabelValues("projector", "success")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(outboxMetrics.HandlerDeliveries.WithLabelValues("projector", "failed")), 0)
}

func TestOutboxMetrics_Names(t *testing.T) {
	registry := prometheus.NewRegistry()
	outboxMetrics := metrics.NewOutboxMetrics(registry)
	outboxMetrics.CleanupDeletedTotal.Add(3)

	expected := `
# HELP eventcore_outbox_cleanup_deleted_total Total number of delivered entries deleted by cleanup
# TYPE eventcore_outbox_cleanup_deleted_total counter
eventcore_outbox_cleanup_deleted_total 3
`
	err := testutil.GatherAndCompare(registry, strings.NewReader(expected), "eventcore_outbox_cleanup_deleted_total")
	require.NoError(t, err)
}

func TestCommandMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	commandMetrics := metrics.NewCommandMetrics(registry)

	commandMetrics.CommandsTotal.WithLabelValues("Deposit", "success").Inc()
	commandMetrics.ConflictRetries.WithLabelValues("Deposit").Inc()
	commandMetrics.CommandDuration.WithLabelValues("Deposit").Observe(0.01)

	assert.InDelta(t, 1, testutil.ToFloat64(commandMetrics.CommandsTotal.WithLabelValues("Deposit", "success")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(commandMetrics.ConflictRetries.WithLabelValues("Deposit")), 0)
	assert.Equal(t, 1, testutil.CollectAndCount(commandMetrics.CommandDuration))
}
