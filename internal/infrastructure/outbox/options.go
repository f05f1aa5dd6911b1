package outbox

import (
	"log/slog"
	"time"
)

// Option configures the outbox stores.
type Option func(*storeOptions)

type storeOptions struct {
	logger *slog.Logger
	now    func() time.Time
}

// WithLogger sets the logger for the outbox store.
func WithLogger(logger *slog.Logger) Option {
	return func(o *storeOptions) {
		o.logger = logger
	}
}

// WithClock sets the time source used for processed and cleanup times.
func WithClock(now func() time.Time) Option {
	return func(o *storeOptions) {
		o.now = now
	}
}

func buildOptions(opts []Option) storeOptions {
	o := storeOptions{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
