package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"github.com/lllypuk/eventcore/internal/domain/event"
	"github.com/lllypuk/eventcore/internal/infrastructure/codec"
)

// Default relay configuration values.
const (
	DefaultChannelPrefix = "eventcore:events:"

	defaultMaxRetries     = 3
	defaultInitialBackoff = 100 * time.Millisecond
	defaultMaxBackoff     = 5 * time.Second
)

// ErrNoSubscribers is returned when a published event reached no subscriber.
// Pub/Sub drops such messages, so the publish counts as failed.
var ErrNoSubscribers = errors.New("no subscribers")

// RedisPublisher publishes events on Redis Pub/Sub, one channel per event type.
// It is an event.Handler, normally registered on the outbox so publishing is
// retried until at least one subscriber received the event.
type RedisPublisher struct {
	client        redis.UniversalClient
	codec         codec.EventCodec
	channelPrefix string
	logger        *slog.Logger
}

// NewRedisPublisher creates a publisher using channels under prefix.
func NewRedisPublisher(client redis.UniversalClient, c codec.EventCodec, prefix string, logger *slog.Logger) *RedisPublisher {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisPublisher{
		client:        client,
		codec:         c,
		channelPrefix: prefix,
		logger:        logger,
	}
}

// HandlerType implements event.Handler.
func (p *RedisPublisher) HandlerType() string { return "redis-publisher" }

// HandleEvent implements event.Handler.
func (p *RedisPublisher) HandleEvent(ctx context.Context, e event.Event) error {
	data, err := p.codec.MarshalEvent(ctx, e)
	if err != nil {
		return err
	}

	channel := p.channelPrefix + string(e.Type)
	receivers, err := p.client.Publish(ctx, channel, data).Result()
	if err != nil {
		return fmt.Errorf("failed to publish event to Redis: %w", err)
	}
	if receivers == 0 {
		return fmt.Errorf("%w on %s", ErrNoSubscribers, channel)
	}

	p.logger.DebugContext(ctx, "event published",
		slog.String("event", e.String()),
		slog.String("aggregate_id", e.AggregateID.String()),
		slog.String("channel", channel),
	)
	return nil
}

// RetryConfig configures retries of the subscriber's local handler.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     defaultMaxRetries,
		InitialBackoff: defaultInitialBackoff,
		MaxBackoff:     defaultMaxBackoff,
	}
}

// SubscriberOption configures RedisSubscriber.
type SubscriberOption func(*RedisSubscriber)

// WithSubscriberLogger sets the logger of the subscriber.
func WithSubscriberLogger(logger *slog.Logger) SubscriberOption {
	return func(s *RedisSubscriber) {
		s.logger = logger
	}
}

// WithRetryConfig sets the retry configuration for the local handler.
func WithRetryConfig(config RetryConfig) SubscriberOption {
	return func(s *RedisSubscriber) {
		s.retryConfig = config
	}
}

// WithChannelPrefix sets the prefix of the subscribed channels.
func WithChannelPrefix(prefix string) SubscriberOption {
	return func(s *RedisSubscriber) {
		s.channelPrefix = prefix
	}
}

// WithDeadLetterQueue stores events whose handling failed after all retries.
func WithDeadLetterQueue(dlq *DeadLetterQueue) SubscriberOption {
	return func(s *RedisSubscriber) {
		s.deadLetters = dlq
	}
}

// RedisSubscriber receives events published by RedisPublisher and hands them
// to a local handler, typically an EventBus. Messages are handled one at a
// time in arrival order.
type RedisSubscriber struct {
	client        redis.UniversalClient
	codec         codec.EventCodec
	handler       event.Handler
	channelPrefix string
	retryConfig   RetryConfig
	deadLetters   *DeadLetterQueue
	logger        *slog.Logger

	pubsubMu sync.Mutex
	pubsub   *redis.PubSub

	stateMu  sync.Mutex
	started  bool
	running  bool
	shutdown chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

// NewRedisSubscriber creates a subscriber forwarding to handler.
func NewRedisSubscriber(
	client redis.UniversalClient,
	c codec.EventCodec,
	handler event.Handler,
	opts ...SubscriberOption,
) *RedisSubscriber {
	s := &RedisSubscriber{
		client:        client,
		codec:         c,
		handler:       handler,
		channelPrefix: DefaultChannelPrefix,
		retryConfig:   DefaultRetryConfig(),
		logger:        slog.Default(),
		shutdown:      make(chan struct{}),
		stopped:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start subscribes to every event channel and blocks until Shutdown is
// called or ctx is cancelled.
func (s *RedisSubscriber) Start(ctx context.Context) error {
	s.stateMu.Lock()
	if s.started {
		s.stateMu.Unlock()
		return errors.New("subscriber already started")
	}
	s.started = true
	s.running = true
	s.stateMu.Unlock()

	defer func() {
		s.stateMu.Lock()
		s.running = false
		s.stateMu.Unlock()
		close(s.stopped)
	}()

	pattern := s.channelPrefix + "*"
	pubsub := s.client.PSubscribe(ctx, pattern)

	// Wait for subscription confirmation
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", pattern, err)
	}

	s.pubsubMu.Lock()
	s.pubsub = pubsub
	s.pubsubMu.Unlock()

	s.logger.InfoContext(ctx, "redis subscriber started",
		slog.String("pattern", pattern),
	)

	msgCh := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "redis subscriber stopping due to context cancellation")
			return ctx.Err()

		case <-s.shutdown:
			s.logger.InfoContext(ctx, "redis subscriber stopping due to shutdown signal")
			return nil

		case msg, ok := <-msgCh:
			if !ok {
				s.logger.WarnContext(ctx, "message channel closed")
				return nil
			}
			s.handleMessage(ctx, msg)
		}
	}
}

// Shutdown stops the subscriber after the message in flight. A subscriber
// cannot be restarted.
func (s *RedisSubscriber) Shutdown() error {
	s.stateMu.Lock()
	started := s.started
	s.started = true
	s.stateMu.Unlock()

	s.stopOnce.Do(func() { close(s.shutdown) })
	if started {
		<-s.stopped
	}

	s.pubsubMu.Lock()
	pubsub := s.pubsub
	s.pubsub = nil
	s.pubsubMu.Unlock()

	if pubsub != nil {
		if err := pubsub.Close(); err != nil {
			return fmt.Errorf("failed to close pubsub: %w", err)
		}
	}
	return nil
}

// IsRunning returns true if the subscriber is currently running.
func (s *RedisSubscriber) IsRunning() bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.running
}

func (s *RedisSubscriber) handleMessage(ctx context.Context, msg *redis.Message) {
	e, msgCtx, err := s.codec.UnmarshalEvent(ctx, []byte(msg.Payload))
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to unmarshal event",
			slog.String("channel", msg.Channel),
			slog.String("error", err.Error()),
		)
		return
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.retryConfig.InitialBackoff
	policy.MaxInterval = s.retryConfig.MaxBackoff
	policy.MaxElapsedTime = 0

	attempt := 0
	err = backoff.Retry(func() error {
		attempt++
		handleErr := s.handler.HandleEvent(msgCtx, e)
		if handleErr != nil {
			s.logger.WarnContext(ctx, "event handler failed",
				slog.String("event", e.String()),
				slog.Int("attempt", attempt),
				slog.String("error", handleErr.Error()),
			)
		}
		return handleErr
	}, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(max(s.retryConfig.MaxRetries, 0))), ctx))
	if err == nil {
		return
	}

	s.logger.ErrorContext(ctx, "event handler failed after all retries",
		slog.String("event", e.String()),
		slog.String("aggregate_id", e.AggregateID.String()),
		slog.Int("max_retries", s.retryConfig.MaxRetries),
		slog.String("error", err.Error()),
	)
	if s.deadLetters != nil {
		s.deadLetters.Push(ctx, e, s.handler.HandlerType(), err)
	}
}
