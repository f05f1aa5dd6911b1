package testutil

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// MongoDB test configuration constants
const (
	mongoCtxTimeout                = 10 * time.Second
	mongoPingTimeout               = 2 * time.Second
	mongoContainerStartupTimeout   = 90 * time.Second
	mongoContainerTerminateTimeout = 10 * time.Second
	mongoReplicaSet                = "rs0"
	maxTestNameLength              = 40
)

// pingRetryDelay is the delay between ping retries when connecting to MongoDB.
const pingRetryDelay = 500 * time.Millisecond

var (
	sharedContainer     *SharedMongoContainer
	sharedContainerOnce sync.Once
	errSharedContainer  error
)

// SharedMongoContainer represents a reusable single-node replica set.
// Transactions need a replica set, a standalone server rejects them.
type SharedMongoContainer struct {
	Container testcontainers.Container
	URI       string
}

// GetSharedMongoContainer returns a singleton MongoDB container.
// The container is started once and reused across all tests.
func GetSharedMongoContainer(ctx context.Context) (*SharedMongoContainer, error) {
	sharedContainerOnce.Do(func() {
		startCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), mongoContainerStartupTimeout)
		defer cancel()

		sharedContainer, errSharedContainer = startMongoContainer(startCtx)
	})

	return sharedContainer, errSharedContainer
}

func startMongoContainer(ctx context.Context) (*SharedMongoContainer, error) {
	req := testcontainers.ContainerRequest{
		Image:        "mongo:8",
		ExposedPorts: []string{"27017/tcp"},
		Cmd:          []string{"--replSet", mongoReplicaSet, "--bind_ip_all"},
		WaitingFor:   wait.ForLog("Waiting for connections").WithStartupTimeout(mongoContainerStartupTimeout),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start MongoDB container: %w", err)
	}

	initiate := fmt.Sprintf(
		"rs.initiate({_id: '%s', members: [{_id: 0, host: 'localhost:27017'}]})", mongoReplicaSet,
	)
	code, _, err := container.Exec(ctx, []string{"mongosh", "--quiet", "--eval", initiate})
	if err != nil {
		return nil, fmt.Errorf("failed to initiate replica set: %w", err)
	}
	if code != 0 {
		return nil, fmt.Errorf("failed to initiate replica set: exit code %d", code)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get container host: %w", err)
	}

	port, err := container.MappedPort(ctx, "27017")
	if err != nil {
		return nil, fmt.Errorf("failed to get container port: %w", err)
	}

	uri := fmt.Sprintf("mongodb://%s/?directConnection=true", net.JoinHostPort(host, port.Port()))

	return &SharedMongoContainer{
		Container: container,
		URI:       uri,
	}, nil
}

// SetupTestMongoDB creates a test database using the shared MongoDB container.
// Each test gets its own isolated database within the shared container.
func SetupTestMongoDB(t *testing.T) *mongo.Database {
	t.Helper()

	_, db := SetupTestMongoDBWithClient(t)
	return db
}

// SetupTestMongoDBWithClient creates a test database and returns both client and database.
func SetupTestMongoDBWithClient(t *testing.T) (*mongo.Client, *mongo.Database) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), mongoCtxTimeout)
	defer cancel()

	container, err := GetSharedMongoContainer(ctx)
	if err != nil {
		t.Fatalf("Failed to get shared MongoDB container: %v", err)
	}

	client, err := mongo.Connect(options.Client().ApplyURI(container.URI))
	if err != nil {
		t.Fatalf("Failed to connect to MongoDB: %v", err)
	}

	// The replica set elects a primary shortly after initiation.
	maxRetries := 20
	for i := range maxRetries {
		pingCtx, pingCancel := context.WithTimeout(context.Background(), mongoPingTimeout)
		err = client.Ping(pingCtx, nil)
		pingCancel()
		if err == nil {
			break
		}
		if i < maxRetries-1 {
			time.Sleep(pingRetryDelay)
		}
	}
	if err != nil {
		t.Fatalf("Failed to ping MongoDB after %d retries: %v", maxRetries, err)
	}

	db := client.Database(generateTestDBName(t.Name()))

	t.Cleanup(func() {
		cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), mongoCtxTimeout)
		defer cleanupCancel()
		_ = db.Drop(cleanupCtx)
		_ = client.Disconnect(cleanupCtx)
	})

	return client, db
}

// generateTestDBName creates a unique database name from test name
func generateTestDBName(testName string) string {
	hash := sha256.Sum256([]byte(testName))
	suffix := hex.EncodeToString(hash[:])[:12]
	if len(testName) > maxTestNameLength {
		testName = testName[:20]
	}
	return "eventcore_test_" + sanitizeName(testName) + "_" + suffix
}

func sanitizeName(name string) string {
	out := []byte(name)
	for i, c := range out {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		default:
			out[i] = '_'
		}
	}
	return string(out)
}

// CleanupSharedContainer terminates the shared container.
// This is typically called from TestMain or when all tests are done.
func CleanupSharedContainer() {
	if sharedContainer != nil && sharedContainer.Container != nil {
		ctx, cancel := context.WithTimeout(context.Background(), mongoContainerTerminateTimeout)
		defer cancel()
		_ = sharedContainer.Container.Terminate(ctx)
	}
}
