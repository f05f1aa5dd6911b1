package testutil

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// PostgreSQL test configuration constants
const (
	postgresCtxTimeout              = 10 * time.Second
	postgresContainerStartupTimeout = 90 * time.Second
	postgresUser                    = "eventcore"
	postgresPassword                = "eventcore"
	postgresDB                      = "eventcore"
)

var (
	sharedPostgres     *SharedPostgresContainer
	sharedPostgresOnce sync.Once
	errSharedPostgres  error
)

// SharedPostgresContainer represents a reusable PostgreSQL container for tests.
type SharedPostgresContainer struct {
	Container testcontainers.Container
	Host      string
	Port      string
}

// GetSharedPostgresContainer returns a singleton PostgreSQL container.
func GetSharedPostgresContainer(ctx context.Context) (*SharedPostgresContainer, error) {
	sharedPostgresOnce.Do(func() {
		startCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), postgresContainerStartupTimeout)
		defer cancel()

		sharedPostgres, errSharedPostgres = startPostgresContainer(startCtx)
	})
	return sharedPostgres, errSharedPostgres
}

func startPostgresContainer(ctx context.Context) (*SharedPostgresContainer, error) {
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     postgresUser,
			"POSTGRES_PASSWORD": postgresPassword,
			"POSTGRES_DB":       postgresDB,
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(postgresContainerStartupTimeout),
	}

	cont, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start PostgreSQL container: %w", err)
	}

	host, err := cont.Host(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get container host: %w", err)
	}
	port, err := cont.MappedPort(ctx, "5432")
	if err != nil {
		return nil, fmt.Errorf("failed to get container port: %w", err)
	}

	return &SharedPostgresContainer{Container: cont, Host: host, Port: port.Port()}, nil
}

// DSN returns the connection string for the named database.
func (c *SharedPostgresContainer) DSN(database string) string {
	return fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable",
		postgresUser, postgresPassword, net.JoinHostPort(c.Host, c.Port), database)
}

// SetupTestPostgres creates an isolated database in the shared container and
// returns a pool connected to it.
func SetupTestPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), postgresCtxTimeout)
	defer cancel()

	cont, err := GetSharedPostgresContainer(ctx)
	if err != nil {
		t.Fatalf("Failed to get shared PostgreSQL container: %v", err)
	}

	admin, err := pgxpool.New(ctx, cont.DSN(postgresDB))
	if err != nil {
		t.Fatalf("Failed to connect to PostgreSQL: %v", err)
	}
	defer admin.Close()

	dbName := strings.ToLower(generateTestDBName(t.Name()))
	if _, err = admin.Exec(ctx, "CREATE DATABASE "+dbName); err != nil {
		t.Fatalf("Failed to create database %s: %v", dbName, err)
	}

	pool, err := pgxpool.New(ctx, cont.DSN(dbName))
	if err != nil {
		t.Fatalf("Failed to connect to database %s: %v", dbName, err)
	}

	t.Cleanup(func() {
		pool.Close()
		cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), postgresCtxTimeout)
		defer cleanupCancel()
		if cleanup, errConn := pgxpool.New(cleanupCtx, cont.DSN(postgresDB)); errConn == nil {
			_, _ = cleanup.Exec(cleanupCtx, "DROP DATABASE IF EXISTS "+dbName+" WITH (FORCE)")
			cleanup.Close()
		}
	})

	return pool
}
