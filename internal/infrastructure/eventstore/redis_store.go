package eventstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/lllypuk/eventcore/internal/domain/errs"
	"github.com/lllypuk/eventcore/internal/domain/event"
)

// DefaultRedisPrefix prefixes every key of the Redis event store.
const DefaultRedisPrefix = "eventcore:"

const eventsSuffix = ":events"

var errUnexpectedLuaResult = errors.New("unexpected result from Lua script")

// RedisStore keeps one list per aggregate. Appends run in a Lua script that
// compares the list length to the expected version, so the check and the
// push are a single atomic step on the server.
type RedisStore struct {
	client          redis.UniversalClient
	prefix          string
	logger          *slog.Logger
	appendEventsLua *redis.Script
	replaceEventLua *redis.Script
}

// NewRedisStore creates a Redis event store using keys under prefix.
func NewRedisStore(client redis.UniversalClient, prefix string, opts ...Option) *RedisStore {
	o := buildOptions(opts)
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{
		client:          client,
		prefix:          prefix,
		logger:          o.logger,
		appendEventsLua: redis.NewScript(luaAppendEvents),
		replaceEventLua: redis.NewScript(luaReplaceEvent),
	}
}

func (s *RedisStore) key(id uuid.UUID) string {
	return s.prefix + id.String() + eventsSuffix
}

// Save implements appcore.EventStore.
func (s *RedisStore) Save(ctx context.Context, events []event.Event, expectedVersion int) error {
	if err := validateBatch(events, expectedVersion); err != nil {
		return batchError(opSave, err, events, expectedVersion)
	}

	args := make([]any, 0, len(events)+1)
	args = append(args, expectedVersion)
	for _, e := range events {
		raw, err := marshalRecord(e)
		if err != nil {
			return batchError(opSave, err, events, expectedVersion)
		}
		args = append(args, raw)
	}

	result, err := s.appendEventsLua.Run(ctx, s.client, []string{s.key(events[0].AggregateID)}, args...).Result()
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to append events",
			slog.String("aggregate_id", events[0].AggregateID.String()),
			slog.String("error", err.Error()),
		)
		return batchError(opSave, fmt.Errorf("failed to append events: %w", err), events, expectedVersion)
	}

	res, ok := result.([]any)
	if !ok || len(res) < 2 {
		return batchError(opSave, errUnexpectedLuaResult, events, expectedVersion)
	}
	if success, _ := res[0].(int64); success == 0 {
		current, _ := res[1].(int64)
		s.logger.WarnContext(ctx, "concurrency conflict in event store",
			slog.String("aggregate_id", events[0].AggregateID.String()),
			slog.Int("expected_version", expectedVersion),
			slog.Int64("current_version", current),
		)
		return batchError(opSave, errs.ErrConcurrencyConflict, events, expectedVersion)
	}
	return nil
}

// Load implements appcore.EventStore.
func (s *RedisStore) Load(ctx context.Context, id uuid.UUID) ([]event.Event, error) {
	events, err := s.load(ctx, id, 1)
	if err != nil {
		return nil, storeError(opLoad, err, "", id, 0)
	}
	return events, nil
}

// LoadFrom implements appcore.EventStore.
func (s *RedisStore) LoadFrom(ctx context.Context, id uuid.UUID, version int) ([]event.Event, error) {
	events, err := s.load(ctx, id, version)
	if err != nil {
		return nil, storeError(opLoadFrom, err, "", id, version)
	}
	return events, nil
}

func (s *RedisStore) load(ctx context.Context, id uuid.UUID, version int) ([]event.Event, error) {
	raw, err := s.client.LRange(ctx, s.key(id), int64(fromVersion(version)-1), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}
	if len(raw) == 0 {
		return nil, errs.ErrNotFound
	}

	events := make([]event.Event, 0, len(raw))
	for _, r := range raw {
		e, errRecord := unmarshalRecord(r)
		if errRecord != nil {
			return nil, errRecord
		}
		events = append(events, e)
	}
	return events, nil
}

// LastVersion implements appcore.EventStore.
func (s *RedisStore) LastVersion(ctx context.Context, id uuid.UUID) (int, error) {
	n, err := s.client.LLen(ctx, s.key(id)).Result()
	if err != nil {
		return 0, storeError(opLastVersion, err, "", id, 0)
	}
	return int(n), nil
}

// Replace implements appcore.EventMaintenance.
func (s *RedisStore) Replace(ctx context.Context, e event.Event) error {
	raw, err := marshalRecord(e)
	if err != nil {
		return storeError(opReplace, err, e.AggregateType, e.AggregateID, e.Version)
	}

	n, err := s.replaceEventLua.Run(ctx, s.client, []string{s.key(e.AggregateID)}, e.Version, raw).Int64()
	if err != nil {
		return storeError(opReplace, fmt.Errorf("failed to replace event: %w", err), e.AggregateType, e.AggregateID, e.Version)
	}
	if n == 0 {
		return storeError(opReplace, errs.ErrNotFound, e.AggregateType, e.AggregateID, e.Version)
	}
	return nil
}

// RenameEvent implements appcore.EventMaintenance. Streams are scanned one at
// a time; each element is rewritten through the replace script so a concurrent
// append is never overwritten.
func (s *RedisStore) RenameEvent(ctx context.Context, from, to event.Type) error {
	iter := s.client.Scan(ctx, 0, s.prefix+"*"+eventsSuffix, 100).Iterator()
	renamed := 0
	for iter.Next(ctx) {
		key := iter.Val()
		raw, err := s.client.LRange(ctx, key, 0, -1).Result()
		if err != nil {
			return s.renameError(err)
		}
		for _, r := range raw {
			if !strings.Contains(r, string(from)) {
				continue
			}
			e, err := unmarshalRecord(r)
			if err != nil {
				return s.renameError(err)
			}
			if e.Type != from {
				continue
			}
			e.Type = to
			if err = s.Replace(ctx, e); err != nil {
				return err
			}
			renamed++
		}
	}
	if err := iter.Err(); err != nil {
		return s.renameError(err)
	}

	s.logger.InfoContext(ctx, "events renamed",
		slog.String("from", string(from)),
		slog.String("to", string(to)),
		slog.Int("count", renamed),
	)
	return nil
}

func (s *RedisStore) renameError(err error) error {
	return &errs.AggregateError{Err: fmt.Errorf("failed to rename events: %w", err), Component: component, Op: opRename}
}

// Close implements appcore.EventStore. The client is owned by the caller.
func (s *RedisStore) Close() error {
	return nil
}
