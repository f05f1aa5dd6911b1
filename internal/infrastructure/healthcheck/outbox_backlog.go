// Package healthcheck provides health checks for the delivery pipeline.
package healthcheck

import (
	"context"
	"fmt"
	"time"

	"github.com/lllypuk/eventcore/internal/application/appcore"
)

// Default thresholds for outbox backlog.
const (
	defaultWarningThreshold  = 100
	defaultCriticalThreshold = 1000
)

// BacklogSource reports the pending outbox entries. appcore.OutboxStore
// satisfies it.
type BacklogSource interface {
	Stats(ctx context.Context) (count int64, oldest time.Time, err error)
}

// OutboxBacklogChecker checks the outbox backlog size and age.
type OutboxBacklogChecker struct {
	source            BacklogSource
	warningThreshold  int64
	criticalThreshold int64
	now               func() time.Time
}

// OutboxBacklogOption configures OutboxBacklogChecker.
type OutboxBacklogOption func(*OutboxBacklogChecker)

// WithWarningThreshold sets the backlog size above which the outbox is degraded.
func WithWarningThreshold(threshold int64) OutboxBacklogOption {
	return func(c *OutboxBacklogChecker) {
		c.warningThreshold = threshold
	}
}

// WithCriticalThreshold sets the backlog size above which the outbox is unhealthy.
func WithCriticalThreshold(threshold int64) OutboxBacklogOption {
	return func(c *OutboxBacklogChecker) {
		c.criticalThreshold = threshold
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) OutboxBacklogOption {
	return func(c *OutboxBacklogChecker) {
		c.now = now
	}
}

// NewOutboxBacklogChecker creates a new outbox backlog health checker.
func NewOutboxBacklogChecker(source BacklogSource, opts ...OutboxBacklogOption) *OutboxBacklogChecker {
	c := &OutboxBacklogChecker{
		source:            source,
		warningThreshold:  defaultWarningThreshold,
		criticalThreshold: defaultCriticalThreshold,
		now:               time.Now,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Name returns the name of this health checker.
func (c *OutboxBacklogChecker) Name() string {
	return "outbox_backlog"
}

// Check performs the health check.
func (c *OutboxBacklogChecker) Check(ctx context.Context) appcore.HealthStatus {
	now := c.now()

	count, oldest, err := c.source.Stats(ctx)
	if err != nil {
		return appcore.HealthStatus{
			Healthy:   false,
			Message:   fmt.Sprintf("failed to get outbox stats: %v", err),
			CheckedAt: now,
		}
	}

	details := map[string]any{
		"backlog_count":      count,
		"warning_threshold":  c.warningThreshold,
		"critical_threshold": c.criticalThreshold,
	}

	message := fmt.Sprintf("outbox backlog: %d events", count)
	if !oldest.IsZero() {
		lag := now.Sub(oldest)
		details["oldest_event_age"] = lag.String()
		message = fmt.Sprintf("outbox backlog: %d events, oldest: %v ago", count, lag.Round(time.Second))
	}

	return appcore.HealthStatus{
		Healthy:   count <= c.criticalThreshold,
		Degraded:  count > c.warningThreshold && count <= c.criticalThreshold,
		Message:   message,
		Details:   details,
		CheckedAt: now,
	}
}
