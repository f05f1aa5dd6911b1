package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/time/rate"

	"github.com/lllypuk/eventcore/internal/application/appcore"
	"github.com/lllypuk/eventcore/internal/application/command"
	"github.com/lllypuk/eventcore/internal/application/repository"
	"github.com/lllypuk/eventcore/internal/config"
	"github.com/lllypuk/eventcore/internal/domain/aggregate"
	"github.com/lllypuk/eventcore/internal/domain/event"
	"github.com/lllypuk/eventcore/internal/domain/registry"
	"github.com/lllypuk/eventcore/internal/infrastructure/codec"
	"github.com/lllypuk/eventcore/internal/infrastructure/eventbus"
	"github.com/lllypuk/eventcore/internal/infrastructure/eventstore"
	"github.com/lllypuk/eventcore/internal/infrastructure/healthcheck"
	"github.com/lllypuk/eventcore/internal/infrastructure/httpserver"
	"github.com/lllypuk/eventcore/internal/infrastructure/metrics"
	mongodbinfra "github.com/lllypuk/eventcore/internal/infrastructure/mongodb"
	"github.com/lllypuk/eventcore/internal/infrastructure/outbox"
	"github.com/lllypuk/eventcore/internal/infrastructure/snapshot"
	"github.com/lllypuk/eventcore/internal/middleware"
	"github.com/lllypuk/eventcore/internal/worker"
)

// Container initialization timeouts.
const (
	containerInitTimeout   = 30 * time.Second
	redisPingTimeout       = 5 * time.Second
	mongoDisconnectTimeout = 10 * time.Second
	tracerShutdownTimeout  = 5 * time.Second
)

// Container holds the dependencies of the worker and manages their lifecycle.
type Container struct {
	// Configuration
	Config *config.Config
	Logger *slog.Logger

	// Observability
	Metrics        *prometheus.Registry
	TracerProvider *sdktrace.TracerProvider
	Health         *httpserver.Checks

	// Connections
	MongoDB  *mongo.Client
	Redis    redis.UniversalClient
	Postgres *pgxpool.Pool

	// Storage
	ContextCodec *appcore.ContextCodec
	EventStore   appcore.EventStore
	Snapshots    appcore.SnapshotStore
	OutboxStore  appcore.OutboxStore

	// Delivery
	Outbox      *worker.Outbox
	EventBus    *eventbus.EventBus
	Subscriber  *eventbus.RedisSubscriber
	DeadLetters *eventbus.DeadLetterQueue

	// Commands
	Aggregates *registry.Registry[aggregate.Factory]
	Repository repository.Repository
	Commands   command.Handler

	closers []func() error
	closed  bool
}

// ContainerOption configures the Container.
type ContainerOption func(*Container)

// WithLogger sets a custom logger for the container.
func WithLogger(logger *slog.Logger) ContainerOption {
	return func(c *Container) {
		c.Logger = logger
	}
}

// WithAggregates sets the aggregate registry used by the repository.
func WithAggregates(aggregates *registry.Registry[aggregate.Factory]) ContainerOption {
	return func(c *Container) {
		c.Aggregates = aggregates
	}
}

// WithRedisClient uses client instead of dialing the configured address.
func WithRedisClient(client redis.UniversalClient) ContainerOption {
	return func(c *Container) {
		c.Redis = client
	}
}

// NewContainer wires every component selected by cfg.
func NewContainer(cfg *config.Config, opts ...ContainerOption) (*Container, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}

	c := &Container{
		Config:       cfg,
		Logger:       slog.Default(),
		Metrics:      prometheus.NewRegistry(),
		ContextCodec: appcore.NewContextCodec(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.Aggregates == nil {
		c.Aggregates = registry.New[aggregate.Factory]("aggregate")
	}

	c.Metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	c.TracerProvider = sdktrace.NewTracerProvider()
	c.Health = httpserver.NewChecks()

	ctx, cancel := context.WithTimeout(context.Background(), containerInitTimeout)
	defer cancel()

	if err := c.setupConnections(ctx); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to setup connections: %w", err)
	}
	if err := c.setupStorage(ctx); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to setup storage: %w", err)
	}
	if err := c.setupDelivery(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to setup delivery: %w", err)
	}
	if err := c.setupCommands(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to setup commands: %w", err)
	}

	c.Logger.Info("container initialized",
		slog.String("eventstore", cfg.EventStore.Driver),
		slog.String("snapshot", cfg.Snapshot.Driver),
		slog.String("outbox", cfg.Outbox.Driver),
		slog.Bool("outbox_enabled", cfg.Outbox.Enabled),
		slog.Bool("redis_relay", cfg.EventBus.RedisRelay),
	)
	return c, nil
}

func (c *Container) uses(driver string) bool {
	cfg := c.Config
	return cfg.EventStore.Driver == driver ||
		cfg.Snapshot.Driver == driver ||
		(cfg.Outbox.Enabled && cfg.Outbox.Driver == driver)
}

func (c *Container) setupConnections(ctx context.Context) error {
	if c.uses(config.DriverMongoDB) {
		if err := c.setupMongoDB(ctx); err != nil {
			return fmt.Errorf("mongodb: %w", err)
		}
	}
	if c.uses(config.DriverRedis) || c.Config.EventBus.RedisRelay {
		if err := c.setupRedis(ctx); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	if c.uses(config.DriverPostgres) {
		if err := c.setupPostgres(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
	}
	return nil
}

func (c *Container) setupMongoDB(ctx context.Context) error {
	clientOpts := options.Client().
		ApplyURI(c.Config.MongoDB.URI).
		SetMaxPoolSize(c.Config.MongoDB.MaxPoolSize)

	client, err := mongo.Connect(clientOpts)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	c.MongoDB = client

	pingCtx, cancel := context.WithTimeout(ctx, c.Config.MongoDB.Timeout)
	defer cancel()
	if pingErr := client.Ping(pingCtx, nil); pingErr != nil {
		return fmt.Errorf("failed to ping: %w", pingErr)
	}

	c.Logger.InfoContext(ctx, "connected to MongoDB",
		slog.String("database", c.Config.MongoDB.Database),
	)

	indexCtx, indexCancel := context.WithTimeout(ctx, c.Config.MongoDB.Timeout)
	defer indexCancel()
	if indexErr := mongodbinfra.CreateAllIndexes(indexCtx, client.Database(c.Config.MongoDB.Database)); indexErr != nil {
		return fmt.Errorf("failed to create indexes: %w", indexErr)
	}

	c.Health.Checkers = append(c.Health.Checkers, healthcheck.NewMongoChecker(client))
	return nil
}

func (c *Container) setupRedis(ctx context.Context) error {
	if c.Redis == nil {
		client := redis.NewClient(&redis.Options{
			Addr:     c.Config.Redis.Addr,
			Password: c.Config.Redis.Password,
			DB:       c.Config.Redis.DB,
			PoolSize: c.Config.Redis.PoolSize,
		})
		c.Redis = client
		c.closers = append(c.closers, client.Close)
	}

	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := c.Redis.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("failed to ping: %w", err)
	}

	c.Logger.InfoContext(ctx, "connected to Redis", slog.String("addr", c.Config.Redis.Addr))
	c.Health.Checkers = append(c.Health.Checkers, healthcheck.NewRedisChecker(c.Redis))
	return nil
}

func (c *Container) setupPostgres(ctx context.Context) error {
	poolConfig, err := pgxpool.ParseConfig(c.Config.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("invalid dsn: %w", err)
	}
	if c.Config.Postgres.MaxConns > 0 {
		poolConfig.MaxConns = c.Config.Postgres.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	c.Postgres = pool
	if pingErr := pool.Ping(ctx); pingErr != nil {
		return fmt.Errorf("failed to ping: %w", pingErr)
	}

	c.Logger.InfoContext(ctx, "connected to PostgreSQL")
	c.Health.Checkers = append(c.Health.Checkers, healthcheck.NewPostgresChecker(pool))
	return nil
}

func (c *Container) setupStorage(ctx context.Context) error {
	if err := c.setupEventStore(ctx); err != nil {
		return fmt.Errorf("event store: %w", err)
	}
	c.setupSnapshots()
	if err := c.setupOutboxStore(); err != nil {
		return fmt.Errorf("outbox store: %w", err)
	}
	return nil
}

func (c *Container) setupEventStore(ctx context.Context) error {
	cfg := c.Config
	storeOpts := []eventstore.Option{eventstore.WithLogger(c.Logger)}

	switch cfg.EventStore.Driver {
	case config.DriverMemory:
		c.EventStore = eventstore.NewMemoryStore(storeOpts...)
	case config.DriverMongoDB:
		c.EventStore = eventstore.NewMongoStore(c.MongoDB, cfg.MongoDB.Database, storeOpts...)
	case config.DriverRedis:
		c.EventStore = eventstore.NewRedisStore(c.Redis, cfg.Redis.KeyPrefix+"events:", storeOpts...)
	case config.DriverSQLite:
		if cfg.Outbox.Enabled && cfg.Outbox.Driver == config.DriverSQLite {
			storeOpts = append(storeOpts, eventstore.WithOutbox(c.ContextCodec))
		}
		store, err := eventstore.OpenSQLite(cfg.SQLite.Path, storeOpts...)
		if err != nil {
			return err
		}
		c.EventStore = store
	case config.DriverPostgres:
		store, err := eventstore.NewPostgresStore(ctx, c.Postgres, storeOpts...)
		if err != nil {
			return err
		}
		c.EventStore = store
	default:
		return fmt.Errorf("%w: %q", config.ErrInvalidDriver, cfg.EventStore.Driver)
	}

	c.closers = append(c.closers, c.EventStore.Close)
	return nil
}

func (c *Container) setupSnapshots() {
	cfg := c.Config
	switch cfg.Snapshot.Driver {
	case config.DriverMemory:
		c.Snapshots = snapshot.NewMemoryStore()
	case config.DriverMongoDB:
		c.Snapshots = snapshot.NewMongoStore(c.MongoDB.Database(cfg.MongoDB.Database), snapshot.WithLogger(c.Logger))
	case config.DriverRedis:
		c.Snapshots = snapshot.NewRedisStore(c.Redis, cfg.Redis.KeyPrefix+"snapshots:")
	}
}

func (c *Container) setupOutboxStore() error {
	cfg := c.Config
	if !cfg.Outbox.Enabled {
		c.Logger.Warn("outbox disabled by configuration, committed events are not delivered")
		return nil
	}

	storeOpts := []outbox.Option{outbox.WithLogger(c.Logger)}
	switch cfg.Outbox.Driver {
	case config.DriverMemory:
		c.OutboxStore = outbox.NewMemoryStore(storeOpts...)
	case config.DriverMongoDB:
		c.OutboxStore = outbox.NewMongoStore(c.MongoDB.Database(cfg.MongoDB.Database), storeOpts...)
	case config.DriverBolt:
		store, err := outbox.OpenBolt(cfg.Bolt.Path, storeOpts...)
		if err != nil {
			return err
		}
		c.OutboxStore = store
		c.closers = append(c.closers, store.Close)
	case config.DriverSQLite:
		store, ok := c.EventStore.(*eventstore.SQLiteStore)
		if !ok {
			return errors.New("sqlite outbox requires the sqlite event store")
		}
		c.OutboxStore = store
	default:
		return fmt.Errorf("%w: %q", config.ErrInvalidDriver, cfg.Outbox.Driver)
	}

	c.Health.Checkers = append(c.Health.Checkers, healthcheck.NewOutboxBacklogChecker(c.OutboxStore))
	return nil
}

func (c *Container) setupDelivery() error {
	cfg := c.Config

	c.EventBus = eventbus.NewEventBus(
		eventbus.WithLogger(c.Logger),
		eventbus.WithQueueSize(cfg.EventBus.BufferSize),
		eventbus.WithErrorBuffer(cfg.Outbox.ErrorBuffer),
	)

	if c.OutboxStore == nil {
		return nil
	}

	c.Outbox = worker.NewOutbox(c.OutboxStore, worker.OutboxConfig{
		PollInterval:    cfg.Outbox.PollInterval,
		BatchSize:       cfg.Outbox.BatchSize,
		InitialBackoff:  cfg.Outbox.InitialBackoff,
		MaxBackoff:      cfg.Outbox.MaxBackoff,
		CleanupAge:      cfg.Outbox.CleanupAge,
		CleanupInterval: cfg.Outbox.CleanupInterval,
		ErrorBuffer:     cfg.Outbox.ErrorBuffer,
	},
		worker.WithLogger(c.Logger),
		worker.WithMetrics(metrics.NewOutboxMetrics(c.Metrics)),
		worker.WithTracerProvider(c.TracerProvider),
		worker.WithContextCodec(c.ContextCodec),
	)

	// Bus handlers run inside the outbox delivery, so their failures keep
	// the entry pending and are retried.
	if !cfg.EventBus.RedisRelay {
		return c.Outbox.AddHandler(event.MatchAll{}, c.EventBus.Synchronous())
	}

	// Committed events leave through Redis; the local bus is fed by the
	// subscriber, so it also sees events committed by other processes.
	// A publish nobody received fails and is retried by the outbox.
	eventCodec := codec.NewJSON(c.ContextCodec)
	publisher := middleware.ChainEvent(
		eventbus.NewRedisPublisher(c.Redis, eventCodec, cfg.EventBus.ChannelPrefix, c.Logger),
		middleware.EventTracing(c.TracerProvider),
		middleware.EventLogging(c.Logger),
	)
	if err := c.Outbox.AddHandler(event.MatchAll{}, publisher); err != nil {
		return err
	}

	c.DeadLetters = eventbus.NewDeadLetterQueue(c.Redis,
		eventbus.WithDeadLetterKey(cfg.EventBus.DeadLetterKey),
		eventbus.WithDeadLetterLogger(c.Logger),
	)
	c.Subscriber = eventbus.NewRedisSubscriber(c.Redis, eventCodec, c.EventBus.Synchronous(),
		eventbus.WithSubscriberLogger(c.Logger),
		eventbus.WithChannelPrefix(cfg.EventBus.ChannelPrefix),
		eventbus.WithDeadLetterQueue(c.DeadLetters),
	)
	c.Health.Checkers = append(c.Health.Checkers, healthcheck.NewDeadLetterChecker(c.DeadLetters))
	return nil
}

func (c *Container) setupCommands() error {
	cfg := c.Config

	repoOpts := []repository.Option{repository.WithLogger(c.Logger)}
	if c.Snapshots != nil {
		repoOpts = append(repoOpts, repository.WithSnapshots(c.Snapshots, cfg.Snapshot.Every))
	}
	// the sqlite store queues outbox rows itself
	if c.Outbox != nil && cfg.Outbox.Driver != config.DriverSQLite {
		repoOpts = append(repoOpts, repository.WithOutbox(c.Outbox))
	}

	var repo repository.Repository = repository.NewEventSourced(c.EventStore, c.Aggregates, repoOpts...)
	if cfg.Cache.Size > 0 {
		cached, err := repository.NewCachedRepository(repo, c.EventStore, cfg.Cache.Size)
		if err != nil {
			return err
		}
		repo = cached
	}
	c.Repository = repo

	commandMetrics := metrics.NewCommandMetrics(c.Metrics)
	chain := []middleware.Middleware{
		middleware.Recovery(c.Logger),
		middleware.Tracing(c.TracerProvider),
		middleware.Logging(middleware.LoggingConfig{Logger: c.Logger}),
		middleware.Metrics(commandMetrics),
		middleware.Validation(),
	}
	if cfg.Command.RateLimit > 0 {
		chain = append(chain, middleware.RateLimit(middleware.RateLimitConfig{
			Logger:    c.Logger,
			Limit:     rate.Limit(cfg.Command.RateLimit),
			BurstSize: cfg.Command.RateBurst,
			KeyFunc:   middleware.ByAggregate,
		}))
	}
	chain = append(chain, middleware.Retry(middleware.RetryConfig{
		Logger:         c.Logger,
		MaxRetries:     cfg.Command.RetryAttempts,
		InitialBackoff: cfg.Command.RetryBackoff,
		MaxBackoff:     cfg.Command.RetryMaxBackoff,
		Metrics:        commandMetrics,
	}))

	c.Commands = middleware.Chain(command.NewAggregateHandler(repo), chain...)
	return nil
}

// Start starts the delivery loop and the Redis relay. Delivery errors are
// logged until the container is closed.
func (c *Container) Start(ctx context.Context) error {
	go c.logErrors("event bus", c.EventBus.Errors())

	if c.Outbox != nil {
		if err := c.Outbox.Start(); err != nil {
			return fmt.Errorf("failed to start outbox: %w", err)
		}
		go c.logErrors("outbox", c.Outbox.Errors())
	}

	if c.Subscriber != nil {
		go func() {
			if err := c.Subscriber.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				c.Logger.Error("redis subscriber stopped", slog.String("error", err.Error()))
			}
		}()
	}

	c.Logger.InfoContext(ctx, "delivery started")
	return nil
}

func (c *Container) logErrors(source string, errs <-chan error) {
	for err := range errs {
		c.Logger.Warn("delivery failed",
			slog.String("source", source),
			slog.String("error", err.Error()),
		)
	}
}

// Close stops delivery and releases every resource in reverse order of
// initialization.
func (c *Container) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.Logger.Info("closing container resources...")

	var errs []error

	if c.Subscriber != nil {
		if err := c.Subscriber.Shutdown(); err != nil {
			errs = append(errs, fmt.Errorf("redis subscriber shutdown: %w", err))
		}
	}
	if c.Outbox != nil {
		if err := c.Outbox.Close(); err != nil {
			errs = append(errs, fmt.Errorf("outbox close: %w", err))
		}
	}
	if c.EventBus != nil {
		if err := c.EventBus.Close(); err != nil {
			errs = append(errs, fmt.Errorf("event bus close: %w", err))
		}
	}

	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}

	if c.Postgres != nil {
		c.Postgres.Close()
	}
	if c.MongoDB != nil {
		ctx, cancel := context.WithTimeout(context.Background(), mongoDisconnectTimeout)
		defer cancel()
		if err := c.MongoDB.Disconnect(ctx); err != nil {
			errs = append(errs, fmt.Errorf("mongodb disconnect: %w", err))
		}
	}
	if c.TracerProvider != nil {
		ctx, cancel := context.WithTimeout(context.Background(), tracerShutdownTimeout)
		defer cancel()
		if err := c.TracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer provider shutdown: %w", err))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	c.Logger.Info("all container resources closed")
	return nil
}
