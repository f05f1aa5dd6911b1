package outbox

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"github.com/lllypuk/eventcore/internal/application/appcore"
	"github.com/lllypuk/eventcore/internal/domain/errs"
	"github.com/lllypuk/eventcore/internal/domain/event"
)

const (
	entriesBucket = "outbox_entries"
	indexBucket   = "outbox_index"
)

// boltRecord is the JSON value stored under the sequence key.
type boltRecord struct {
	ID            uuid.UUID           `json:"id"`
	EventType     event.Type          `json:"event_type"`
	AggregateType event.AggregateType `json:"aggregate_type"`
	AggregateID   uuid.UUID           `json:"aggregate_id"`
	Version       int                 `json:"version"`
	Timestamp     time.Time           `json:"timestamp"`
	Data          []byte              `json:"data,omitempty"`
	Metadata      event.Metadata      `json:"metadata,omitempty"`
	Context       map[string]string   `json:"context,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
	Delivered     []string            `json:"delivered,omitempty"`
	RetryCount    int                 `json:"retry_count"`
	LastError     string              `json:"last_error,omitempty"`
	NextAttemptAt time.Time           `json:"next_attempt_at"`
	ProcessedAt   *time.Time          `json:"processed_at,omitempty"`
}

// BoltStore keeps outbox entries in a BoltDB file. Entries are keyed by a
// bucket sequence so a cursor walks them in ingestion order; a second bucket
// maps entry ids to their sequence key.
type BoltStore struct {
	db  *bbolt.DB
	now func() time.Time
}

// OpenBolt opens a BoltDB-backed outbox store at the provided path.
func OpenBolt(path string, opts ...Option) (*BoltStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	db, err := bbolt.Open(filepath.Clean(path), 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open outbox db: %w", err)
	}

	s := &BoltStore{db: db, now: buildOptions(opts).now}
	if err = s.ensureBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying BoltDB database.
func (s *BoltStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *BoltStore) ensureBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{entriesBucket, indexBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create %s bucket: %w", name, err)
			}
		}
		return nil
	})
}

// Add implements appcore.OutboxStore.
func (s *BoltStore) Add(ctx context.Context, entries ...appcore.OutboxEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(entriesBucket))
		index := tx.Bucket([]byte(indexBucket))
		for _, e := range entries {
			if index.Get(e.ID[:]) != nil {
				return fmt.Errorf("outbox entry %s: %w", e.ID, errs.ErrAlreadyExists)
			}
			seq, err := bucket.NextSequence()
			if err != nil {
				return fmt.Errorf("next outbox sequence: %w", err)
			}
			key := seqKey(seq)
			if err = putRecord(bucket, key, toRecord(e)); err != nil {
				return err
			}
			if err = index.Put(e.ID[:], key); err != nil {
				return fmt.Errorf("index outbox entry: %w", err)
			}
		}
		return nil
	})
}

// Poll implements appcore.OutboxStore.
func (s *BoltStore) Poll(ctx context.Context, batchSize int, exclude ...uuid.UUID) ([]appcore.OutboxEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	var entries []appcore.OutboxEntry
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(entriesBucket)).Cursor()
		for k, v := c.First(); k != nil && len(entries) < batchSize; k, v = c.Next() {
			var rec boltRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("unmarshal outbox entry: %w", err)
			}
			if rec.ProcessedAt != nil {
				continue
			}
			entry := fromRecord(rec)
			if slices.Contains(exclude, entry.Event.AggregateID) {
				continue
			}
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// MarkDelivered implements appcore.OutboxStore.
func (s *BoltStore) MarkDelivered(ctx context.Context, id uuid.UUID) error {
	now := s.now().UTC()
	return s.modify(ctx, id, func(rec *boltRecord) {
		rec.ProcessedAt = &now
	})
}

// MarkFailed implements appcore.OutboxStore.
func (s *BoltStore) MarkFailed(ctx context.Context, id uuid.UUID, delivered []string, cause error, next time.Time) error {
	return s.modify(ctx, id, func(rec *boltRecord) {
		rec.Delivered = delivered
		rec.RetryCount++
		rec.LastError = errorText(cause)
		rec.NextAttemptAt = next.UTC()
	})
}

func (s *BoltStore) modify(ctx context.Context, id uuid.UUID, fn func(*boltRecord)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(entriesBucket))
		key := tx.Bucket([]byte(indexBucket)).Get(id[:])
		if key == nil {
			return fmt.Errorf("outbox entry %s: %w", id, errs.ErrNotFound)
		}
		var rec boltRecord
		if err := json.Unmarshal(bucket.Get(key), &rec); err != nil {
			return fmt.Errorf("unmarshal outbox entry: %w", err)
		}
		fn(&rec)
		return putRecord(bucket, key, rec)
	})
}

// Cleanup implements appcore.OutboxStore.
func (s *BoltStore) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	cutoff := s.now().Add(-olderThan)

	var removed int64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(entriesBucket))
		index := tx.Bucket([]byte(indexBucket))

		var stale [][]byte
		var ids []uuid.UUID
		err := bucket.ForEach(func(k, v []byte) error {
			var rec boltRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("unmarshal outbox entry: %w", err)
			}
			if rec.ProcessedAt != nil && rec.ProcessedAt.Before(cutoff) {
				stale = append(stale, append([]byte(nil), k...))
				ids = append(ids, rec.ID)
			}
			return nil
		})
		if err != nil {
			return err
		}

		for i, k := range stale {
			if err = bucket.Delete(k); err != nil {
				return err
			}
			if err = index.Delete(ids[i][:]); err != nil {
				return err
			}
		}
		removed = int64(len(stale))
		return nil
	})
	return removed, err
}

// Count implements appcore.OutboxStore.
func (s *BoltStore) Count(ctx context.Context) (int64, error) {
	n, _, err := s.Stats(ctx)
	return n, err
}

// Stats implements appcore.OutboxStore.
func (s *BoltStore) Stats(ctx context.Context) (int64, time.Time, error) {
	if err := ctx.Err(); err != nil {
		return 0, time.Time{}, err
	}

	var (
		n      int64
		oldest time.Time
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(entriesBucket)).ForEach(func(_, v []byte) error {
			var rec boltRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("unmarshal outbox entry: %w", err)
			}
			if rec.ProcessedAt != nil {
				return nil
			}
			if n == 0 || rec.CreatedAt.Before(oldest) {
				oldest = rec.CreatedAt
			}
			n++
			return nil
		})
	})
	if err != nil {
		return 0, time.Time{}, err
	}
	return n, oldest, nil
}

func putRecord(bucket *bbolt.Bucket, key []byte, rec boltRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal outbox entry: %w", err)
	}
	return bucket.Put(key, payload)
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

func toRecord(e appcore.OutboxEntry) boltRecord {
	return boltRecord{
		ID:            e.ID,
		EventType:     e.Event.Type,
		AggregateType: e.Event.AggregateType,
		AggregateID:   e.Event.AggregateID,
		Version:       e.Event.Version,
		Timestamp:     e.Event.Timestamp.UTC(),
		Data:          e.Event.Data,
		Metadata:      e.Event.Metadata,
		Context:       e.Context,
		CreatedAt:     e.CreatedAt.UTC(),
		Delivered:     e.Delivered,
		RetryCount:    e.RetryCount,
		LastError:     e.LastError,
		NextAttemptAt: e.NextAttemptAt,
		ProcessedAt:   e.ProcessedAt,
	}
}

func fromRecord(rec boltRecord) appcore.OutboxEntry {
	return appcore.OutboxEntry{
		ID: rec.ID,
		Event: event.Event{
			Type:          rec.EventType,
			AggregateType: rec.AggregateType,
			AggregateID:   rec.AggregateID,
			Version:       rec.Version,
			Timestamp:     rec.Timestamp,
			Data:          rec.Data,
			Metadata:      rec.Metadata,
		},
		Context:       rec.Context,
		CreatedAt:     rec.CreatedAt,
		Delivered:     rec.Delivered,
		RetryCount:    rec.RetryCount,
		LastError:     rec.LastError,
		NextAttemptAt: rec.NextAttemptAt,
		ProcessedAt:   rec.ProcessedAt,
	}
}

var _ appcore.OutboxStore = (*BoltStore)(nil)
