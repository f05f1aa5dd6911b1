package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/lllypuk/eventcore/internal/application/command"
	"github.com/lllypuk/eventcore/internal/domain/aggregate"
	"github.com/lllypuk/eventcore/internal/domain/errs"
	"github.com/lllypuk/eventcore/internal/infrastructure/metrics"
)

// Retry defaults.
const (
	DefaultRetryAttempts   = 3
	DefaultRetryBackoff    = 10 * time.Millisecond
	DefaultRetryMaxBackoff = 500 * time.Millisecond
)

// RetryConfig holds configuration for the retry middleware.
type RetryConfig struct {
	Logger *slog.Logger

	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int

	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// Metrics counts retries when set.
	Metrics *metrics.CommandMetrics
}

// DefaultRetryConfig returns a RetryConfig with sensible defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Logger:         slog.Default(),
		MaxRetries:     DefaultRetryAttempts,
		InitialBackoff: DefaultRetryBackoff,
		MaxBackoff:     DefaultRetryMaxBackoff,
	}
}

// Retry re-runs the next handler when it fails with a concurrency conflict.
// The next handler must reload the aggregate on every call, as
// command.AggregateHandler does. Other errors are returned unchanged.
func Retry(config RetryConfig) Middleware {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = DefaultRetryBackoff
	}
	if config.MaxBackoff < config.InitialBackoff {
		config.MaxBackoff = config.InitialBackoff
	}

	return func(next command.Handler) command.Handler {
		return command.HandlerFunc(func(ctx context.Context, cmd aggregate.Command) error {
			policy := backoff.NewExponentialBackOff()
			policy.InitialInterval = config.InitialBackoff
			policy.MaxInterval = config.MaxBackoff
			policy.MaxElapsedTime = 0

			attempt := 0
			operation := func() error {
				attempt++
				err := next.HandleCommand(ctx, cmd)
				if err == nil {
					return nil
				}
				if !errs.IsConflict(err) {
					return backoff.Permanent(err)
				}
				return err
			}
			notify := func(err error, wait time.Duration) {
				config.Logger.DebugContext(ctx, "retrying command after conflict",
					slog.String("command", cmd.CommandType().String()),
					slog.String("aggregate_id", cmd.AggregateID().String()),
					slog.Int("attempt", attempt),
					slog.Duration("backoff", wait),
					slog.String("error", err.Error()),
				)
				if config.Metrics != nil {
					config.Metrics.ConflictRetries.WithLabelValues(cmd.CommandType().String()).Inc()
				}
			}

			schedule := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(config.MaxRetries)), ctx)
			return backoff.RetryNotify(operation, schedule, notify)
		})
	}
}
