package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// CommandMetrics contains Prometheus metrics for the command pipeline.
type CommandMetrics struct {
	CommandsTotal   *prometheus.CounterVec
	CommandDuration *prometheus.HistogramVec
	ConflictRetries *prometheus.CounterVec
}

// NewCommandMetrics creates and registers command metrics with the given registerer.
func NewCommandMetrics(registerer prometheus.Registerer) *CommandMetrics {
	metrics := &CommandMetrics{
		CommandsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "command",
				Name:      "handled_total",
				Help:      "Total number of handled commands",
			},
			[]string{"command_type", "status"}, // status: success/conflict/failed
		),
		CommandDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "command",
				Name:      "duration_seconds",
				Help:      "Time to handle a command end to end",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"command_type"},
		),
		ConflictRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "command",
				Name:      "conflict_retries_total",
				Help:      "Total number of command retries after a concurrency conflict",
			},
			[]string{"command_type"},
		),
	}

	registerer.MustRegister(
		metrics.CommandsTotal,
		metrics.CommandDuration,
		metrics.ConflictRetries,
	)

	return metrics
}
