package healthcheck

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/lllypuk/eventcore/internal/application/appcore"
)

// PingFunc probes a backend connection.
type PingFunc func(ctx context.Context) error

// PingChecker reports a backend unhealthy when its ping fails.
type PingChecker struct {
	name string
	ping PingFunc
}

// NewPingChecker creates a checker named name around ping.
func NewPingChecker(name string, ping PingFunc) *PingChecker {
	return &PingChecker{name: name, ping: ping}
}

// NewMongoChecker pings a MongoDB deployment.
func NewMongoChecker(client *mongo.Client) *PingChecker {
	return NewPingChecker("mongodb", func(ctx context.Context) error {
		return client.Ping(ctx, nil)
	})
}

// NewRedisChecker pings a Redis server.
func NewRedisChecker(client redis.UniversalClient) *PingChecker {
	return NewPingChecker("redis", func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})
}

// NewPostgresChecker pings a PostgreSQL pool.
func NewPostgresChecker(pool *pgxpool.Pool) *PingChecker {
	return NewPingChecker("postgres", pool.Ping)
}

// Name returns the name of this health checker.
func (c *PingChecker) Name() string {
	return c.name
}

// Check performs the health check.
func (c *PingChecker) Check(ctx context.Context) appcore.HealthStatus {
	start := time.Now()
	if err := c.ping(ctx); err != nil {
		return appcore.HealthStatus{
			Healthy:   false,
			Message:   fmt.Sprintf("ping failed: %v", err),
			CheckedAt: time.Now(),
		}
	}
	return appcore.HealthStatus{
		Healthy:   true,
		Details:   map[string]any{"latency_ms": time.Since(start).Milliseconds()},
		CheckedAt: time.Now(),
	}
}
