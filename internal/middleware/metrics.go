package middleware

import (
	"context"
	"time"

	"github.com/lllypuk/eventcore/internal/application/command"
	"github.com/lllypuk/eventcore/internal/domain/aggregate"
	"github.com/lllypuk/eventcore/internal/domain/errs"
	"github.com/lllypuk/eventcore/internal/infrastructure/metrics"
)

// Command outcome labels.
const (
	statusSuccess  = "success"
	statusConflict = "conflict"
	statusFailed   = "failed"
)

// Metrics records the outcome and duration of every command.
func Metrics(m *metrics.CommandMetrics) Middleware {
	return func(next command.Handler) command.Handler {
		return command.HandlerFunc(func(ctx context.Context, cmd aggregate.Command) error {
			start := time.Now()
			err := next.HandleCommand(ctx, cmd)

			commandType := cmd.CommandType().String()
			status := statusSuccess
			switch {
			case errs.IsConflict(err):
				status = statusConflict
			case err != nil:
				status = statusFailed
			}
			m.CommandsTotal.WithLabelValues(commandType, status).Inc()
			m.CommandDuration.WithLabelValues(commandType).Observe(time.Since(start).Seconds())
			return err
		})
	}
}
