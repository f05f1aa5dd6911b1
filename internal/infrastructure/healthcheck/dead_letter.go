package healthcheck

import (
	"context"
	"fmt"
	"time"

	"github.com/lllypuk/eventcore/internal/application/appcore"
)

// DeadLetterSource reports the size of a dead letter queue.
// eventbus.DeadLetterQueue satisfies it.
type DeadLetterSource interface {
	Len(ctx context.Context) (int64, error)
}

// DeadLetterChecker reports a degraded relay while dead letters are queued.
type DeadLetterChecker struct {
	source DeadLetterSource
}

// NewDeadLetterChecker creates a new dead letter queue health checker.
func NewDeadLetterChecker(source DeadLetterSource) *DeadLetterChecker {
	return &DeadLetterChecker{
		source: source,
	}
}

// Name returns the name of this health checker.
func (c *DeadLetterChecker) Name() string {
	return "dead_letter_queue"
}

// Check performs the health check.
func (c *DeadLetterChecker) Check(ctx context.Context) appcore.HealthStatus {
	count, err := c.source.Len(ctx)
	if err != nil {
		return appcore.HealthStatus{
			Healthy:   false,
			Message:   fmt.Sprintf("failed to get dead letter queue length: %v", err),
			CheckedAt: time.Now(),
		}
	}

	return appcore.HealthStatus{
		Healthy:   true,
		Degraded:  count > 0,
		Message:   fmt.Sprintf("dead letter queue: %d events", count),
		Details:   map[string]any{"dead_letters": count},
		CheckedAt: time.Now(),
	}
}
