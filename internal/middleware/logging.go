package middleware

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/lllypuk/eventcore/internal/application/appcore"
	"github.com/lllypuk/eventcore/internal/application/command"
	"github.com/lllypuk/eventcore/internal/domain/aggregate"
	"github.com/lllypuk/eventcore/internal/domain/errs"
	"github.com/lllypuk/eventcore/internal/domain/event"
)

// LoggingConfig holds configuration for the logging middleware.
type LoggingConfig struct {
	Logger *slog.Logger

	// SkipCommands are command types that are not logged.
	SkipCommands []aggregate.CommandType
}

// DefaultLoggingConfig returns a LoggingConfig with sensible defaults.
func DefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Logger: slog.Default(),
	}
}

// Logging returns a middleware that logs every handled command.
// Conflicts and invalid input are logged as warnings, other failures as errors.
func Logging(config LoggingConfig) Middleware {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	skip := make(map[aggregate.CommandType]struct{}, len(config.SkipCommands))
	for _, t := range config.SkipCommands {
		skip[t] = struct{}{}
	}

	return func(next command.Handler) command.Handler {
		return command.HandlerFunc(func(ctx context.Context, cmd aggregate.Command) error {
			if _, ok := skip[cmd.CommandType()]; ok {
				return next.HandleCommand(ctx, cmd)
			}

			start := time.Now()
			err := next.HandleCommand(ctx, cmd)

			attrs := []slog.Attr{
				slog.String("command", cmd.CommandType().String()),
				slog.String("aggregate_type", cmd.AggregateType().String()),
				slog.String("aggregate_id", cmd.AggregateID().String()),
				slog.Duration("latency", time.Since(start)),
			}
			if id, idErr := appcore.GetCorrelationID(ctx); idErr == nil {
				attrs = append(attrs, slog.String("correlation_id", id))
			}

			level := slog.LevelInfo
			if err != nil {
				attrs = append(attrs, slog.String("error", err.Error()))
				level = slog.LevelError
				if errs.IsConflict(err) || errors.Is(err, errs.ErrInvalidInput) || errors.Is(err, errs.ErrMissingField) {
					level = slog.LevelWarn
				}
			}

			config.Logger.LogAttrs(ctx, level, "command handled", attrs...)
			return err
		})
	}
}

// EventLogging returns an event middleware that logs handler failures and,
// at debug level, every handled event.
func EventLogging(logger *slog.Logger) EventMiddleware {
	if logger == nil {
		logger = slog.Default()
	}

	return func(next event.Handler) event.Handler {
		name := next.HandlerType()
		return event.NewHandler(name, func(ctx context.Context, e event.Event) error {
			start := time.Now()
			err := next.HandleEvent(ctx, e)

			attrs := []slog.Attr{
				slog.String("handler", name),
				slog.String("event", e.String()),
				slog.String("aggregate_id", e.AggregateID.String()),
				slog.Duration("latency", time.Since(start)),
			}
			if err != nil {
				attrs = append(attrs, slog.String("error", err.Error()))
				logger.LogAttrs(ctx, slog.LevelWarn, "event handler failed", attrs...)
				return err
			}

			logger.LogAttrs(ctx, slog.LevelDebug, "event handled", attrs...)
			return nil
		})
	}
}
