package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/lllypuk/eventcore/internal/application/appcore"
	"github.com/lllypuk/eventcore/internal/config"
	"github.com/lllypuk/eventcore/internal/infrastructure/eventbus"
	"github.com/lllypuk/eventcore/internal/infrastructure/eventstore"
)

const disconnectTimeout = 10 * time.Second

// configBackends lazily connects to the backends named by the configuration.
type configBackends struct {
	cfg    *config.Config
	logger *slog.Logger

	store  appcore.EventStore
	redis  *redis.Client
	mongo  *mongo.Client
	pgPool *pgxpool.Pool
}

func newConfigBackends(cfg *config.Config, logger *slog.Logger) *configBackends {
	return &configBackends{cfg: cfg, logger: logger}
}

func (b *configBackends) redisClient() *redis.Client {
	if b.redis == nil {
		b.redis = redis.NewClient(&redis.Options{
			Addr:     b.cfg.Redis.Addr,
			Password: b.cfg.Redis.Password,
			DB:       b.cfg.Redis.DB,
		})
	}
	return b.redis
}

func (b *configBackends) EventStore(ctx context.Context) (appcore.EventStore, error) {
	if b.store != nil {
		return b.store, nil
	}

	opts := []eventstore.Option{eventstore.WithLogger(b.logger)}
	switch b.cfg.EventStore.Driver {
	case config.DriverMongoDB:
		client, err := mongo.Connect(options.Client().ApplyURI(b.cfg.MongoDB.URI))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
		}
		b.mongo = client
		b.store = eventstore.NewMongoStore(client, b.cfg.MongoDB.Database, opts...)
	case config.DriverRedis:
		b.store = eventstore.NewRedisStore(b.redisClient(), b.cfg.Redis.KeyPrefix+"events:", opts...)
	case config.DriverSQLite:
		store, err := eventstore.OpenSQLite(b.cfg.SQLite.Path, opts...)
		if err != nil {
			return nil, err
		}
		b.store = store
	case config.DriverPostgres:
		pool, err := pgxpool.New(ctx, b.cfg.Postgres.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
		}
		b.pgPool = pool
		store, err := eventstore.NewPostgresStore(ctx, pool, opts...)
		if err != nil {
			return nil, err
		}
		b.store = store
	default:
		return nil, fmt.Errorf("%w: %s event store is not persistent", errNoMaintenance, b.cfg.EventStore.Driver)
	}
	return b.store, nil
}

func (b *configBackends) DeadLetters(context.Context) (*eventbus.DeadLetterQueue, error) {
	if !b.cfg.EventBus.RedisRelay {
		return nil, errRelayDisabled
	}
	return eventbus.NewDeadLetterQueue(b.redisClient(),
		eventbus.WithDeadLetterKey(b.cfg.EventBus.DeadLetterKey),
		eventbus.WithDeadLetterLogger(b.logger),
	), nil
}

func (b *configBackends) Close() error {
	var errs []error
	if b.store != nil {
		errs = append(errs, b.store.Close())
	}
	if b.pgPool != nil {
		b.pgPool.Close()
	}
	if b.redis != nil {
		errs = append(errs, b.redis.Close())
	}
	if b.mongo != nil {
		ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
		defer cancel()
		errs = append(errs, b.mongo.Disconnect(ctx))
	}
	return errors.Join(errs...)
}
