package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"

	"github.com/lllypuk/eventcore/internal/application/command"
	"github.com/lllypuk/eventcore/internal/domain/aggregate"
)

// Rate limit defaults.
const (
	DefaultRateLimit = 100
	DefaultBurstSize = 10
)

// ErrRateLimitExceeded is returned when a command is rejected by RateLimit.
var ErrRateLimitExceeded = errors.New("rate limit exceeded")

// RateLimitConfig holds configuration for the rate limit middleware.
type RateLimitConfig struct {
	// Logger is the structured logger for rate limit events.
	Logger *slog.Logger

	// Limit is the sustained number of commands per second per key.
	Limit rate.Limit

	// BurstSize is the number of commands allowed at once per key.
	BurstSize int

	// KeyFunc groups commands sharing a limiter. Defaults to the command type.
	KeyFunc func(cmd aggregate.Command) string

	// Wait blocks until a token is available instead of rejecting the command.
	Wait bool
}

// DefaultRateLimitConfig returns a RateLimitConfig with sensible defaults.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Logger:    slog.Default(),
		Limit:     DefaultRateLimit,
		BurstSize: DefaultBurstSize,
	}
}

// ByCommandType keys limiters by command type.
func ByCommandType(cmd aggregate.Command) string {
	return cmd.CommandType().String()
}

// ByAggregate keys limiters by aggregate id.
func ByAggregate(cmd aggregate.Command) string {
	return cmd.AggregateID().String()
}

// RateLimit returns a middleware throttling commands with a token bucket per key.
func RateLimit(config RateLimitConfig) Middleware {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Limit <= 0 {
		config.Limit = DefaultRateLimit
	}
	if config.BurstSize <= 0 {
		config.BurstSize = DefaultBurstSize
	}
	if config.KeyFunc == nil {
		config.KeyFunc = ByCommandType
	}

	var (
		mu       sync.Mutex
		limiters = make(map[string]*rate.Limiter)
	)
	limiterFor := func(key string) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()
		l, ok := limiters[key]
		if !ok {
			l = rate.NewLimiter(config.Limit, config.BurstSize)
			limiters[key] = l
		}
		return l
	}

	return func(next command.Handler) command.Handler {
		return command.HandlerFunc(func(ctx context.Context, cmd aggregate.Command) error {
			key := config.KeyFunc(cmd)
			limiter := limiterFor(key)

			if config.Wait {
				if err := limiter.Wait(ctx); err != nil {
					return fmt.Errorf("%w: %w", ErrRateLimitExceeded, err)
				}
				return next.HandleCommand(ctx, cmd)
			}

			if !limiter.Allow() {
				config.Logger.WarnContext(ctx, "command rate limit exceeded",
					slog.String("key", key),
					slog.String("command", cmd.CommandType().String()),
				)
				return fmt.Errorf("%w: %s", ErrRateLimitExceeded, key)
			}
			return next.HandleCommand(ctx, cmd)
		})
	}
}
