package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/lllypuk/eventcore/internal/domain/aggregate"
)

const snapshotSuffix = ":snapshot"

// RedisStore keeps each snapshot as a JSON string value.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore creates a Redis snapshot store using keys under prefix.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(id uuid.UUID) string {
	return s.prefix + id.String() + snapshotSuffix
}

// LoadSnapshot implements appcore.SnapshotStore.
func (s *RedisStore) LoadSnapshot(ctx context.Context, id uuid.UUID) (*aggregate.Snapshot, error) {
	raw, err := s.client.Get(ctx, s.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil //nolint:nilnil // absence is not an error
		}
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}

	var snap aggregate.Snapshot
	if err = json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return &snap, nil
}

// SaveSnapshot implements appcore.SnapshotStore.
func (s *RedisStore) SaveSnapshot(ctx context.Context, snapshot aggregate.Snapshot) error {
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if err = s.client.Set(ctx, s.key(snapshot.AggregateID), raw, 0).Err(); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}
