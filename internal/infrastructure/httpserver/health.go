// Package httpserver provides the operations HTTP server: health probes and
// Prometheus metrics.
package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/sync/errgroup"

	"github.com/lllypuk/eventcore/internal/application/appcore"
)

// DefaultCheckTimeout bounds a single component check.
const DefaultCheckTimeout = 5 * time.Second

// Health status constants - single source of truth for all health endpoints.
const (
	// StatusHealthy indicates the component is fully operational.
	StatusHealthy = "healthy"

	// StatusUnhealthy indicates the component is not operational.
	StatusUnhealthy = "unhealthy"

	// StatusDegraded indicates the component is operational but with issues.
	StatusDegraded = "degraded"

	// StatusReady indicates the service is ready to accept traffic.
	StatusReady = "ready"

	// StatusNotReady indicates the service is not ready to accept traffic.
	StatusNotReady = "not_ready"
)

// ComponentStatus represents the health status of a single component.
type ComponentStatus struct {
	Name    string         `json:"name"`
	Status  string         `json:"status"`
	Message string         `json:"message,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// HealthResponse represents the response for health endpoints.
type HealthResponse struct {
	Status     string            `json:"status"`
	Components []ComponentStatus `json:"components,omitempty"`
}

// HealthChecker reports the readiness and component health of the process.
type HealthChecker interface {
	// IsReady reports whether no component is unhealthy.
	IsReady(ctx context.Context) bool

	// GetHealthStatus returns the status of every component.
	GetHealthStatus(ctx context.Context) []ComponentStatus
}

// Checks aggregates component checkers into a HealthChecker. Components are
// checked concurrently, each bounded by Timeout.
type Checks struct {
	Checkers []appcore.HealthChecker
	Timeout  time.Duration
}

// NewChecks creates a HealthChecker over the given component checkers.
func NewChecks(checkers ...appcore.HealthChecker) *Checks {
	return &Checks{Checkers: checkers, Timeout: DefaultCheckTimeout}
}

// IsReady implements HealthChecker.
func (c *Checks) IsReady(ctx context.Context) bool {
	for _, comp := range c.GetHealthStatus(ctx) {
		if comp.Status == StatusUnhealthy {
			return false
		}
	}
	return true
}

// GetHealthStatus implements HealthChecker. The result keeps the order of
// Checkers.
func (c *Checks) GetHealthStatus(ctx context.Context) []ComponentStatus {
	statuses := make([]ComponentStatus, len(c.Checkers))

	g, gctx := errgroup.WithContext(ctx)
	for i, checker := range c.Checkers {
		g.Go(func() error {
			checkCtx := gctx
			if c.Timeout > 0 {
				var cancel context.CancelFunc
				checkCtx, cancel = context.WithTimeout(gctx, c.Timeout)
				defer cancel()
			}
			statuses[i] = toComponentStatus(checker.Name(), checker.Check(checkCtx))
			return nil
		})
	}
	_ = g.Wait()

	return statuses
}

func toComponentStatus(name string, s appcore.HealthStatus) ComponentStatus {
	status := StatusHealthy
	switch {
	case !s.Healthy:
		status = StatusUnhealthy
	case s.Degraded:
		status = StatusDegraded
	}
	return ComponentStatus{
		Name:    name,
		Status:  status,
		Message: s.Message,
		Details: s.Details,
	}
}

// HealthEndpoints manages health check endpoint registration.
type HealthEndpoints struct {
	checker HealthChecker
}

// NewHealthEndpoints creates a new HealthEndpoints instance.
func NewHealthEndpoints(checker HealthChecker) *HealthEndpoints {
	return &HealthEndpoints{
		checker: checker,
	}
}

// Register registers all health endpoints on the Echo instance.
// Endpoints registered:
//   - GET /health - Liveness probe (always returns 200 if the process is running)
//   - GET /ready - Readiness probe (returns 200 if ready, 503 if not)
//   - GET /health/details - Detailed health status of all components
func (h *HealthEndpoints) Register(e *echo.Echo) {
	e.GET("/health", h.handleHealth)
	e.GET("/ready", h.handleReady)
	e.GET("/health/details", h.handleHealthDetails)
}

func (h *HealthEndpoints) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status: StatusHealthy,
	})
}

func (h *HealthEndpoints) handleReady(c echo.Context) error {
	ctx := c.Request().Context()

	if h.checker == nil || h.checker.IsReady(ctx) {
		return c.JSON(http.StatusOK, HealthResponse{
			Status: StatusReady,
		})
	}

	return c.JSON(http.StatusServiceUnavailable, HealthResponse{
		Status:     StatusNotReady,
		Components: h.components(ctx),
	})
}

func (h *HealthEndpoints) handleHealthDetails(c echo.Context) error {
	ctx := c.Request().Context()

	components := h.components(ctx)

	overallStatus := StatusHealthy
	statusCode := http.StatusOK

	for _, comp := range components {
		if comp.Status == StatusUnhealthy {
			overallStatus = StatusUnhealthy
			statusCode = http.StatusServiceUnavailable
			break
		}
		if comp.Status == StatusDegraded {
			// unhealthy takes precedence
			overallStatus = StatusDegraded
		}
	}

	return c.JSON(statusCode, HealthResponse{
		Status:     overallStatus,
		Components: components,
	})
}

func (h *HealthEndpoints) components(ctx context.Context) []ComponentStatus {
	if h.checker == nil {
		return nil
	}
	return h.checker.GetHealthStatus(ctx)
}
