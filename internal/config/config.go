// Package config provides configuration loading and validation for the worker
// and the maintenance tools.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Default configuration constants.
const (
	DefaultHost            = "0.0.0.0"
	DefaultPort            = 9090
	DefaultReadTimeout     = 10 * time.Second
	DefaultWriteTimeout    = 10 * time.Second
	DefaultShutdownTimeout = 15 * time.Second

	DefaultMongoDBTimeout     = 10 * time.Second
	DefaultMongoDBMaxPoolSize = 100

	DefaultRedisPoolSize = 10

	DefaultPostgresMaxConns = 10

	DefaultSnapshotEvery = 50

	DefaultOutboxPollInterval    = 100 * time.Millisecond
	DefaultOutboxBatchSize       = 100
	DefaultOutboxInitialBackoff  = 100 * time.Millisecond
	DefaultOutboxMaxBackoff      = time.Minute
	DefaultOutboxCleanupAge      = 7 * 24 * time.Hour
	DefaultOutboxCleanupInterval = time.Hour
	DefaultErrorBuffer           = 64

	DefaultEventBusBufferSize = 256

	DefaultCommandRetryAttempts   = 3
	DefaultCommandRetryBackoff    = 10 * time.Millisecond
	DefaultCommandRetryMaxBackoff = 500 * time.Millisecond

	DefaultCacheSize = 1024
)

// Storage drivers.
const (
	DriverNone     = "none"
	DriverMemory   = "memory"
	DriverMongoDB  = "mongodb"
	DriverRedis    = "redis"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverBolt     = "bolt"
)

// Config holds the complete application configuration.
type Config struct {
	App        AppConfig        `yaml:"app"`
	Server     ServerConfig     `yaml:"server"`
	EventStore EventStoreConfig `yaml:"eventstore"`
	Snapshot   SnapshotConfig   `yaml:"snapshot"`
	Outbox     OutboxConfig     `yaml:"outbox"`
	EventBus   EventBusConfig   `yaml:"eventbus"`
	Command    CommandConfig    `yaml:"command"`
	Cache      CacheConfig      `yaml:"cache"`
	MongoDB    MongoDBConfig    `yaml:"mongodb"`
	Redis      RedisConfig      `yaml:"redis"`
	SQLite     SQLiteConfig     `yaml:"sqlite"`
	Postgres   PostgresConfig   `yaml:"postgres"`
	Bolt       BoltConfig       `yaml:"bolt"`
	Log        LogConfig        `yaml:"log"`
}

// AppConfig holds application-level configuration.
type AppConfig struct {
	// Name is the application name used in logs and metrics.
	Name string `yaml:"name" env:"APP_NAME"`
}

// ServerConfig holds the operations HTTP server configuration.
//
//nolint:golines // Struct tags require longer lines for readability
type ServerConfig struct {
	Host            string        `yaml:"host" env:"SERVER_HOST"`
	Port            int           `yaml:"port" env:"SERVER_PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"SERVER_READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"SERVER_WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SERVER_SHUTDOWN_TIMEOUT"`
}

// Address returns the full server address (host:port).
func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// EventStoreConfig selects the event store backend.
type EventStoreConfig struct {
	Driver string `yaml:"driver" env:"EVENTSTORE_DRIVER"` // memory | mongodb | redis | sqlite | postgres
}

// SnapshotConfig selects the snapshot store and how often snapshots are taken.
type SnapshotConfig struct {
	Driver string `yaml:"driver" env:"SNAPSHOT_DRIVER"` // none | memory | mongodb | redis
	Every  int    `yaml:"every" env:"SNAPSHOT_EVERY"`
}

// OutboxConfig holds the outbox store and delivery loop configuration.
//
//nolint:golines // Struct tags require longer lines for readability
type OutboxConfig struct {
	Enabled         bool          `yaml:"enabled" env:"OUTBOX_ENABLED"`
	Driver          string        `yaml:"driver" env:"OUTBOX_DRIVER"` // memory | mongodb | bolt | sqlite
	PollInterval    time.Duration `yaml:"poll_interval" env:"OUTBOX_POLL_INTERVAL"`
	BatchSize       int           `yaml:"batch_size" env:"OUTBOX_BATCH_SIZE"`
	InitialBackoff  time.Duration `yaml:"initial_backoff" env:"OUTBOX_INITIAL_BACKOFF"`
	MaxBackoff      time.Duration `yaml:"max_backoff" env:"OUTBOX_MAX_BACKOFF"`
	CleanupAge      time.Duration `yaml:"cleanup_age" env:"OUTBOX_CLEANUP_AGE"`
	CleanupInterval time.Duration `yaml:"cleanup_interval" env:"OUTBOX_CLEANUP_INTERVAL"`
	ErrorBuffer     int           `yaml:"error_buffer" env:"OUTBOX_ERROR_BUFFER"`
}

// EventBusConfig holds the in-process bus and Redis relay configuration.
//
//nolint:golines // Struct tags require longer lines for readability
type EventBusConfig struct {
	BufferSize    int    `yaml:"buffer_size" env:"EVENTBUS_BUFFER_SIZE"`
	RedisRelay    bool   `yaml:"redis_relay" env:"EVENTBUS_REDIS_RELAY"`
	ChannelPrefix string `yaml:"channel_prefix" env:"EVENTBUS_CHANNEL_PREFIX"`
	DeadLetterKey string `yaml:"dead_letter_key" env:"EVENTBUS_DEAD_LETTER_KEY"`
}

// CommandConfig holds the command pipeline configuration.
//
//nolint:golines // Struct tags require longer lines for readability
type CommandConfig struct {
	RetryAttempts   int           `yaml:"retry_attempts" env:"COMMAND_RETRY_ATTEMPTS"`
	RetryBackoff    time.Duration `yaml:"retry_backoff" env:"COMMAND_RETRY_BACKOFF"`
	RetryMaxBackoff time.Duration `yaml:"retry_max_backoff" env:"COMMAND_RETRY_MAX_BACKOFF"`
	RateLimit       float64       `yaml:"rate_limit" env:"COMMAND_RATE_LIMIT"` // commands per second, 0 disables
	RateBurst       int           `yaml:"rate_burst" env:"COMMAND_RATE_BURST"`
}

// CacheConfig holds the aggregate cache configuration.
type CacheConfig struct {
	Size int `yaml:"size" env:"CACHE_SIZE"` // 0 disables the cache
}

// MongoDBConfig holds MongoDB connection configuration.
//
//nolint:golines // Struct tags require longer lines for readability
type MongoDBConfig struct {
	URI         string        `yaml:"uri" env:"MONGODB_URI"`
	Database    string        `yaml:"database" env:"MONGODB_DATABASE"`
	Timeout     time.Duration `yaml:"timeout" env:"MONGODB_TIMEOUT"`
	MaxPoolSize uint64        `yaml:"max_pool_size" env:"MONGODB_MAX_POOL_SIZE"`
}

// RedisConfig holds Redis connection configuration.
//
//nolint:golines // Struct tags require longer lines for readability
type RedisConfig struct {
	Addr      string `yaml:"addr" env:"REDIS_ADDR"`
	Password  string `yaml:"password" env:"REDIS_PASSWORD"`
	DB        int    `yaml:"db" env:"REDIS_DB"`
	PoolSize  int    `yaml:"pool_size" env:"REDIS_POOL_SIZE"`
	KeyPrefix string `yaml:"key_prefix" env:"REDIS_KEY_PREFIX"`
}

// SQLiteConfig holds the SQLite database location.
type SQLiteConfig struct {
	Path string `yaml:"path" env:"SQLITE_PATH"`
}

// PostgresConfig holds PostgreSQL connection configuration.
type PostgresConfig struct {
	DSN      string `yaml:"dsn" env:"POSTGRES_DSN"`
	MaxConns int32  `yaml:"max_conns" env:"POSTGRES_MAX_CONNS"`
}

// BoltConfig holds the bbolt outbox file location.
type BoltConfig struct {
	Path string `yaml:"path" env:"BOLT_PATH"`
}

// LogConfig holds logging configuration.
//
//nolint:golines // Struct tags require longer lines for readability
type LogConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`   // debug | info | warn | error
	Format string `yaml:"format" env:"LOG_FORMAT"` // json | text
}

// Configuration errors.
var (
	ErrConfigNotFound   = errors.New("configuration file not found")
	ErrConfigInvalid    = errors.New("invalid configuration")
	ErrInvalidLogLevel  = errors.New("invalid log level: must be debug, info, warn, or error")
	ErrInvalidLogFormat = errors.New("invalid log format: must be json or text")
	ErrInvalidDriver    = errors.New("invalid driver")
)

// DefaultConfig returns a Config with sensible default values.
// Everything runs in memory by default.
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name: "eventcore",
		},
		Server: ServerConfig{
			Host:            DefaultHost,
			Port:            DefaultPort,
			ReadTimeout:     DefaultReadTimeout,
			WriteTimeout:    DefaultWriteTimeout,
			ShutdownTimeout: DefaultShutdownTimeout,
		},
		EventStore: EventStoreConfig{
			Driver: DriverMemory,
		},
		Snapshot: SnapshotConfig{
			Driver: DriverNone,
			Every:  DefaultSnapshotEvery,
		},
		Outbox: OutboxConfig{
			Enabled:         true,
			Driver:          DriverMemory,
			PollInterval:    DefaultOutboxPollInterval,
			BatchSize:       DefaultOutboxBatchSize,
			InitialBackoff:  DefaultOutboxInitialBackoff,
			MaxBackoff:      DefaultOutboxMaxBackoff,
			CleanupAge:      DefaultOutboxCleanupAge,
			CleanupInterval: DefaultOutboxCleanupInterval,
			ErrorBuffer:     DefaultErrorBuffer,
		},
		EventBus: EventBusConfig{
			BufferSize:    DefaultEventBusBufferSize,
			ChannelPrefix: "eventcore:events:",
			DeadLetterKey: "eventcore:dead_letter",
		},
		Command: CommandConfig{
			RetryAttempts:   DefaultCommandRetryAttempts,
			RetryBackoff:    DefaultCommandRetryBackoff,
			RetryMaxBackoff: DefaultCommandRetryMaxBackoff,
		},
		Cache: CacheConfig{
			Size: DefaultCacheSize,
		},
		MongoDB: MongoDBConfig{
			URI:         "mongodb://localhost:27017",
			Database:    "eventcore",
			Timeout:     DefaultMongoDBTimeout,
			MaxPoolSize: DefaultMongoDBMaxPoolSize,
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			PoolSize:  DefaultRedisPoolSize,
			KeyPrefix: "eventcore:",
		},
		SQLite: SQLiteConfig{
			Path: "eventcore.db",
		},
		Postgres: PostgresConfig{
			DSN:      "postgres://localhost:5432/eventcore?sslmode=disable",
			MaxConns: DefaultPostgresMaxConns,
		},
		Bolt: BoltConfig{
			Path: "outbox.db",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []error

	errs = c.validateServer(errs)
	errs = c.validateDrivers(errs)
	errs = c.validateOutbox(errs)
	errs = c.validateConnections(errs)
	errs = c.validateCommand(errs)
	errs = c.validateLog(errs)

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrConfigInvalid, errors.Join(errs...))
	}

	return nil
}

func (c *Config) validateServer(errs []error) []error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port))
	}
	if c.Server.ReadTimeout <= 0 {
		errs = append(errs, errors.New("server.read_timeout must be positive"))
	}
	if c.Server.WriteTimeout <= 0 {
		errs = append(errs, errors.New("server.write_timeout must be positive"))
	}
	return errs
}

func checkDriver(errs []error, field, driver string, valid ...string) []error {
	if !slices.Contains(valid, driver) {
		errs = append(errs, fmt.Errorf("%w: %s must be one of %s, got %q",
			ErrInvalidDriver, field, strings.Join(valid, ", "), driver))
	}
	return errs
}

func (c *Config) validateDrivers(errs []error) []error {
	errs = checkDriver(errs, "eventstore.driver", c.EventStore.Driver,
		DriverMemory, DriverMongoDB, DriverRedis, DriverSQLite, DriverPostgres)
	errs = checkDriver(errs, "snapshot.driver", c.Snapshot.Driver,
		DriverNone, DriverMemory, DriverMongoDB, DriverRedis)
	errs = checkDriver(errs, "outbox.driver", c.Outbox.Driver,
		DriverMemory, DriverMongoDB, DriverBolt, DriverSQLite)

	if c.Outbox.Driver == DriverSQLite && c.EventStore.Driver != DriverSQLite {
		errs = append(errs, errors.New("outbox.driver sqlite requires eventstore.driver sqlite"))
	}
	if c.Snapshot.Every < 0 {
		errs = append(errs, errors.New("snapshot.every must not be negative"))
	}
	if c.Cache.Size < 0 {
		errs = append(errs, errors.New("cache.size must not be negative"))
	}
	return errs
}

func (c *Config) validateOutbox(errs []error) []error {
	if c.Outbox.PollInterval <= 0 {
		errs = append(errs, errors.New("outbox.poll_interval must be positive"))
	}
	if c.Outbox.BatchSize <= 0 {
		errs = append(errs, errors.New("outbox.batch_size must be positive"))
	}
	if c.Outbox.InitialBackoff <= 0 {
		errs = append(errs, errors.New("outbox.initial_backoff must be positive"))
	}
	if c.Outbox.MaxBackoff < c.Outbox.InitialBackoff {
		errs = append(errs, errors.New("outbox.max_backoff must not be below outbox.initial_backoff"))
	}
	if c.EventBus.BufferSize <= 0 {
		errs = append(errs, errors.New("eventbus.buffer_size must be positive"))
	}
	return errs
}

// uses reports whether any backend is configured with driver.
func (c *Config) uses(driver string) bool {
	return c.EventStore.Driver == driver || c.Snapshot.Driver == driver || c.Outbox.Driver == driver
}

func (c *Config) validateConnections(errs []error) []error {
	if c.uses(DriverMongoDB) {
		if c.MongoDB.URI == "" {
			errs = append(errs, errors.New("mongodb.uri is required"))
		}
		if c.MongoDB.Database == "" {
			errs = append(errs, errors.New("mongodb.database is required"))
		}
	}
	if (c.uses(DriverRedis) || c.EventBus.RedisRelay) && c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required"))
	}
	if c.uses(DriverSQLite) && c.SQLite.Path == "" {
		errs = append(errs, errors.New("sqlite.path is required"))
	}
	if c.uses(DriverPostgres) && c.Postgres.DSN == "" {
		errs = append(errs, errors.New("postgres.dsn is required"))
	}
	if c.uses(DriverBolt) && c.Bolt.Path == "" {
		errs = append(errs, errors.New("bolt.path is required"))
	}
	return errs
}

func (c *Config) validateCommand(errs []error) []error {
	if c.Command.RetryAttempts < 0 {
		errs = append(errs, errors.New("command.retry_attempts must not be negative"))
	}
	if c.Command.RateLimit < 0 {
		errs = append(errs, errors.New("command.rate_limit must not be negative"))
	}
	return errs
}

func (c *Config) validateLog(errs []error) []error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(c.Log.Level)] {
		errs = append(errs, ErrInvalidLogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[strings.ToLower(c.Log.Format)] {
		errs = append(errs, ErrInvalidLogFormat)
	}
	return errs
}

// IsDevelopment reports whether debug logging is enabled.
func (c *Config) IsDevelopment() bool {
	return strings.ToLower(c.Log.Level) == "debug"
}

// Load loads the configuration from the default locations and the environment.
func Load() (*Config, error) {
	return LoadFromPath("")
}

// LoadFromPath loads the configuration from path, or the default locations
// when path is empty.
func LoadFromPath(path string) (*Config, error) {
	loader := NewLoader()
	return loader.Load(path)
}

// Loader finds and reads configuration files.
type Loader struct {
	configPaths []string
}

// NewLoader creates a loader searching the default locations.
func NewLoader() *Loader {
	return &Loader{
		configPaths: []string{
			"configs/config.yaml",
			"config.yaml",
			"/etc/eventcore/config.yaml",
		},
	}
}

// WithConfigPaths replaces the searched locations.
func (l *Loader) WithConfigPaths(paths []string) *Loader {
	l.configPaths = paths
	return l
}

// Load applies, in order, the defaults, the YAML file and the environment,
// then validates the result. A missing file is an error only when it was
// named explicitly or through CONFIG_PATH.
func (l *Loader) Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	configPath := path
	if configPath == "" {
		if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
			configPath = envPath
		} else {
			for _, p := range l.configPaths {
				if _, err := os.Stat(p); err == nil {
					configPath = p
					break
				}
			}
		}
	}

	if configPath != "" {
		if err := l.loadFromFile(cfg, configPath); err != nil {
			if path != "" || os.Getenv("CONFIG_PATH") != "" {
				return nil, fmt.Errorf("failed to load config from %s: %w", configPath, err)
			}
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if unmarshalErr := yaml.Unmarshal(data, cfg); unmarshalErr != nil {
		return fmt.Errorf("failed to parse config file: %w", unmarshalErr)
	}

	return nil
}
