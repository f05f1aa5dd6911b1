package httpserver_test

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lllypuk/eventcore/internal/application/appcore"
	"github.com/lllypuk/eventcore/internal/infrastructure/httpserver"
)

type staticChecker struct {
	name   string
	status appcore.HealthStatus
}

func (c staticChecker) Name() string { return c.name }

func (c staticChecker) Check(context.Context) appcore.HealthStatus { return c.status }

type blockingChecker struct{}

func (blockingChecker) Name() string { return "blocking" }

func (blockingChecker) Check(ctx context.Context) appcore.HealthStatus {
	<-ctx.Done()
	return appcore.HealthStatus{Healthy: false, Message: ctx.Err().Error()}
}

var (
	healthy   = staticChecker{name: "store", status: appcore.HealthStatus{Healthy: true}}
	degraded  = staticChecker{name: "outbox", status: appcore.HealthStatus{Healthy: true, Degraded: true, Message: "backlog"}}
	unhealthy = staticChecker{name: "redis", status: appcore.HealthStatus{Healthy: false, Message: "down"}}
)

func decode(t *testing.T, body []byte) httpserver.HealthResponse {
	t.Helper()
	var resp httpserver.HealthResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	return resp
}

func TestChecks_GetHealthStatus(t *testing.T) {
	// Arrange
	checks := httpserver.NewChecks(healthy, degraded, unhealthy)

	// Act
	statuses := checks.GetHealthStatus(context.Background())

	// Assert
	require.Len(t, statuses, 3)
	assert.Equal(t, httpserver.ComponentStatus{Name: "store", Status: httpserver.StatusHealthy}, statuses[0])
	assert.Equal(t, httpserver.StatusDegraded, statuses[1].Status)
	assert.Equal(t, "backlog", statuses[1].Message)
	assert.Equal(t, httpserver.StatusUnhealthy, statuses[2].Status)
	assert.False(t, checks.IsReady(context.Background()))
}

func TestChecks_DegradedIsReady(t *testing.T) {
	checks := httpserver.NewChecks(healthy, degraded)

	assert.True(t, checks.IsReady(context.Background()))
}

func TestChecks_Timeout(t *testing.T) {
	// Arrange
	checks := httpserver.NewChecks(blockingChecker{})
	checks.Timeout = 20 * time.Millisecond

	// Act
	statuses := checks.GetHealthStatus(context.Background())

	// Assert
	require.Len(t, statuses, 1)
	assert.Equal(t, httpserver.StatusUnhealthy, statuses[0].Status)
	assert.Equal(t, context.DeadlineExceeded.Error(), statuses[0].Message)
}

func TestHealthEndpoints(t *testing.T) {
	tests := []struct {
		name       string
		checkers   []appcore.HealthChecker
		path       string
		wantCode   int
		wantStatus string
		wantComps  int
	}{
		{
			name:       "liveness ignores components",
			checkers:   []appcore.HealthChecker{unhealthy},
			path:       "/health",
			wantCode:   http.StatusOK,
			wantStatus: httpserver.StatusHealthy,
		},
		{
			name:       "ready",
			checkers:   []appcore.HealthChecker{healthy, degraded},
			path:       "/ready",
			wantCode:   http.StatusOK,
			wantStatus: httpserver.StatusReady,
		},
		{
			name:       "not ready lists components",
			checkers:   []appcore.HealthChecker{healthy, unhealthy},
			path:       "/ready",
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: httpserver.StatusNotReady,
			wantComps:  2,
		},
		{
			name:       "details healthy",
			checkers:   []appcore.HealthChecker{healthy},
			path:       "/health/details",
			wantCode:   http.StatusOK,
			wantStatus: httpserver.StatusHealthy,
			wantComps:  1,
		},
		{
			name:       "details degraded",
			checkers:   []appcore.HealthChecker{healthy, degraded},
			path:       "/health/details",
			wantCode:   http.StatusOK,
			wantStatus: httpserver.StatusDegraded,
			wantComps:  2,
		},
		{
			name:       "details unhealthy wins over degraded",
			checkers:   []appcore.HealthChecker{degraded, unhealthy},
			path:       "/health/details",
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: httpserver.StatusUnhealthy,
			wantComps:  2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Arrange
			server := httpserver.NewServer(httpserver.DefaultServerConfig(), nil)
			server.RegisterHealth(httpserver.NewChecks(tt.checkers...))

			// Act
			rec := serve(t, server, http.MethodGet, tt.path)

			// Assert
			assert.Equal(t, tt.wantCode, rec.Code)
			resp := decode(t, rec.Body.Bytes())
			assert.Equal(t, tt.wantStatus, resp.Status)
			assert.Len(t, resp.Components, tt.wantComps)
		})
	}
}

func TestHealthEndpoints_NilChecker(t *testing.T) {
	server := httpserver.NewServer(httpserver.DefaultServerConfig(), nil)
	server.RegisterHealth(nil)

	rec := serve(t, server, http.MethodGet, "/ready")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, httpserver.StatusReady, decode(t, rec.Body.Bytes()).Status)
}
