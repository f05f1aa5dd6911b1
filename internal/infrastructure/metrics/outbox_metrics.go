// Package metrics defines the Prometheus collectors of the outbox runtime and
// the command pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "eventcore"

// OutboxMetrics contains Prometheus metrics for monitoring outbox delivery.
type OutboxMetrics struct {
	EventsPending       prometheus.Gauge
	EventsIngested      prometheus.Counter
	EventsDelivered     *prometheus.CounterVec
	HandlerDeliveries   *prometheus.CounterVec
	ProcessingDuration  *prometheus.HistogramVec
	HandlerDuration     *prometheus.HistogramVec
	RetryTotal          *prometheus.CounterVec
	OldestEventAge      prometheus.Gauge
	PollBatchSize       prometheus.Histogram
	CleanupDeletedTotal prometheus.Counter
}

// NewOutboxMetrics creates and registers outbox metrics with the given registerer.
func NewOutboxMetrics(registerer prometheus.Registerer) *OutboxMetrics {
	metrics := &OutboxMetrics{
		EventsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "events_pending",
			Help:      "Current number of undelivered events in the outbox",
		}),
		EventsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "events_ingested_total",
			Help:      "Total number of committed events recorded in the outbox",
		}),
		EventsDelivered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "outbox",
				Name:      "events_delivered_total",
				Help:      "Total number of events delivered to every matching handler",
			},
			[]string{"event_type"},
		),
		HandlerDeliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "outbox",
				Name:      "handler_deliveries_total",
				Help:      "Total number of handler invocations",
			},
			[]string{"handler", "status"}, // status: success/failed
		),
		ProcessingDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "outbox",
				Name:      "processing_duration_seconds",
				Help:      "Time from outbox ingestion to delivery completion",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"event_type"},
		),
		HandlerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "outbox",
				Name:      "handler_duration_seconds",
				Help:      "Time spent in a single handler invocation",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"handler"},
		),
		RetryTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "outbox",
				Name:      "retry_total",
				Help:      "Total number of failed delivery attempts scheduled for retry",
			},
			[]string{"event_type"},
		),
		OldestEventAge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "oldest_event_age_seconds",
			Help:      "Age in seconds of the oldest undelivered event",
		}),
		PollBatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "poll_batch_size",
			Help:      "Number of entries retrieved in each poll",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),
		CleanupDeletedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "cleanup_deleted_total",
			Help:      "Total number of delivered entries deleted by cleanup",
		}),
	}

	registerer.MustRegister(
		metrics.EventsPending,
		metrics.EventsIngested,
		metrics.EventsDelivered,
		metrics.HandlerDeliveries,
		metrics.ProcessingDuration,
		metrics.HandlerDuration,
		metrics.RetryTotal,
		metrics.OldestEventAge,
		metrics.PollBatchSize,
		metrics.CleanupDeletedTotal,
	)

	return metrics
}
