package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"

	"github.com/lllypuk/eventcore/internal/application/command"
	"github.com/lllypuk/eventcore/internal/domain/aggregate"
	"github.com/lllypuk/eventcore/internal/domain/errs"
)

// DefaultStackSize is the default stack trace size (4KB).
const DefaultStackSize = 4 << 10

// RecoveryConfig holds configuration for the recovery middleware.
type RecoveryConfig struct {
	// Logger is the structured logger to use for panic logging.
	Logger *slog.Logger

	// StackSize is the maximum size of the stack trace to capture.
	StackSize int

	// DisablePrintStack disables logging the stack trace.
	DisablePrintStack bool
}

// DefaultRecoveryConfig returns a RecoveryConfig with sensible defaults.
func DefaultRecoveryConfig() RecoveryConfig {
	return RecoveryConfig{
		Logger:    slog.Default(),
		StackSize: DefaultStackSize,
	}
}

// Recovery returns a middleware that turns a panic into an *errs.HandlingError.
func Recovery(logger *slog.Logger) Middleware {
	config := DefaultRecoveryConfig()
	config.Logger = logger
	return RecoveryWithConfig(config)
}

// RecoveryWithConfig returns a recovery middleware with custom configuration.
func RecoveryWithConfig(config RecoveryConfig) Middleware {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.StackSize <= 0 {
		config.StackSize = DefaultStackSize
	}

	return func(next command.Handler) command.Handler {
		return command.HandlerFunc(func(ctx context.Context, cmd aggregate.Command) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}

				cause, ok := r.(error)
				if !ok {
					cause = fmt.Errorf("%v", r)
				}
				err = &errs.HandlingError{
					Handler: cmd.CommandType().String(),
					Err:     fmt.Errorf("panic: %w", cause),
				}

				attrs := []any{
					slog.String("error", cause.Error()),
					slog.String("command", cmd.CommandType().String()),
					slog.String("aggregate_id", cmd.AggregateID().String()),
				}
				if !config.DisablePrintStack {
					stack := make([]byte, config.StackSize)
					stack = stack[:runtime.Stack(stack, false)]
					attrs = append(attrs, slog.String("stack", string(stack)))
				}
				config.Logger.ErrorContext(ctx, "panic recovered", attrs...)
			}()

			return next.HandleCommand(ctx, cmd)
		})
	}
}
