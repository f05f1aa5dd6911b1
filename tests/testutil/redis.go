package testutil

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/docker/docker/api/types/container"
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Redis test configuration constants
const (
	redisCtxTimeout              = 10 * time.Second
	redisContainerStartupTimeout = 60 * time.Second
	redisContainerMemoryLimit    = 128 * 1024 * 1024 // 128MB
	redisTestPoolSize            = 10
)

var (
	sharedRedis     *SharedRedisContainer
	sharedRedisOnce sync.Once
	errSharedRedis  error
)

// SharedRedisContainer represents a reusable Redis container for tests.
type SharedRedisContainer struct {
	Container testcontainers.Container
	Addr      string
}

// GetSharedRedisContainer returns a singleton Redis container.
// The container is started once and reused across all tests of the package.
func GetSharedRedisContainer(ctx context.Context) (*SharedRedisContainer, error) {
	sharedRedisOnce.Do(func() {
		startCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), redisContainerStartupTimeout)
		defer cancel()

		sharedRedis, errSharedRedis = startRedisContainer(startCtx)
	})
	return sharedRedis, errSharedRedis
}

func startRedisContainer(ctx context.Context) (*SharedRedisContainer, error) {
	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		HostConfigModifier: func(hc *container.HostConfig) {
			hc.Memory = redisContainerMemoryLimit
			hc.MemorySwap = redisContainerMemoryLimit
		},
		WaitingFor: wait.ForAll(
			wait.ForLog("Ready to accept connections").WithStartupTimeout(redisContainerStartupTimeout),
			wait.ForListeningPort("6379/tcp").WithStartupTimeout(redisContainerStartupTimeout),
		),
	}

	cont, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start Redis container: %w", err)
	}

	host, err := cont.Host(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get container host: %w", err)
	}
	port, err := cont.MappedPort(ctx, "6379")
	if err != nil {
		return nil, fmt.Errorf("failed to get container port: %w", err)
	}

	return &SharedRedisContainer{Container: cont, Addr: net.JoinHostPort(host, port.Port())}, nil
}

// SetupTestRedis connects to the shared Redis container and returns a key
// prefix unique to the test. Keys under the prefix are removed on cleanup.
func SetupTestRedis(t *testing.T) (*redis.Client, string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), redisCtxTimeout)
	defer cancel()

	cont, err := GetSharedRedisContainer(ctx)
	if err != nil {
		t.Fatalf("Failed to get shared Redis container: %v", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cont.Addr,
		PoolSize: redisTestPoolSize,
	})
	if err = client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		t.Fatalf("Failed to ping Redis: %v", err)
	}

	prefix := "test:" + generateTestDBName(t.Name()) + ":"
	t.Cleanup(func() {
		cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), redisCtxTimeout)
		defer cleanupCancel()
		iter := client.Scan(cleanupCtx, 0, prefix+"*", 100).Iterator()
		for iter.Next(cleanupCtx) {
			_ = client.Del(cleanupCtx, iter.Val()).Err()
		}
		_ = client.Close()
	})

	return client, prefix
}

// SetupMiniRedis starts an in-process Redis server for unit tests that do
// not need a real server.
func SetupMiniRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()

	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return client, server
}
