package eventstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lllypuk/eventcore/internal/domain/errs"
	"github.com/lllypuk/eventcore/internal/domain/event"
)

const pgUniqueViolation = "23505"

// PostgresStore persists events in PostgreSQL. The unique
// (aggregate_id, version) constraint decides between concurrent writers.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresStore creates the store on an existing pool and applies the schema.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool, opts ...Option) (*PostgresStore, error) {
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		return nil, fmt.Errorf("apply postgres schema: %w", err)
	}
	o := buildOptions(opts)
	return &PostgresStore{pool: pool, logger: o.logger}, nil
}

// Save implements appcore.EventStore.
func (s *PostgresStore) Save(ctx context.Context, events []event.Event, expectedVersion int) error {
	if err := validateBatch(events, expectedVersion); err != nil {
		return batchError(opSave, err, events, expectedVersion)
	}
	if err := s.save(ctx, events, expectedVersion); err != nil {
		if errors.Is(err, errs.ErrConcurrencyConflict) {
			s.logger.WarnContext(ctx, "concurrency conflict in event store",
				slog.String("aggregate_id", events[0].AggregateID.String()),
				slog.Int("expected_version", expectedVersion),
			)
		} else {
			s.logger.ErrorContext(ctx, "failed to save events",
				slog.String("aggregate_id", events[0].AggregateID.String()),
				slog.String("error", err.Error()),
			)
		}
		return batchError(opSave, err, events, expectedVersion)
	}
	return nil
}

func (s *PostgresStore) save(ctx context.Context, events []event.Event, expectedVersion int) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	id := events[0].AggregateID.String()
	var current int
	if err = tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM events WHERE aggregate_id = $1`, id,
	).Scan(&current); err != nil {
		return fmt.Errorf("read version: %w", err)
	}
	if current != expectedVersion {
		return errs.ErrConcurrencyConflict
	}

	batch := &pgx.Batch{}
	for _, e := range events {
		meta, errMeta := marshalMetadata(e.Metadata.Without(event.MetaPosition))
		if errMeta != nil {
			return errMeta
		}
		batch.Queue(
			`INSERT INTO events (aggregate_id, aggregate_type, event_type, version, timestamp, data, metadata)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			id, string(e.AggregateType), string(e.Type), e.Version, e.Timestamp.UTC(), e.Data, string(meta),
		)
	}
	if err = tx.SendBatch(ctx, batch).Close(); err != nil {
		if isUniqueViolation(err) {
			return errs.ErrConcurrencyConflict
		}
		return fmt.Errorf("insert events: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		if isUniqueViolation(err) {
			return errs.ErrConcurrencyConflict
		}
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Load implements appcore.EventStore.
func (s *PostgresStore) Load(ctx context.Context, id uuid.UUID) ([]event.Event, error) {
	events, err := s.load(ctx, id, 1)
	if err != nil {
		return nil, storeError(opLoad, err, "", id, 0)
	}
	return events, nil
}

// LoadFrom implements appcore.EventStore.
func (s *PostgresStore) LoadFrom(ctx context.Context, id uuid.UUID, version int) ([]event.Event, error) {
	events, err := s.load(ctx, id, version)
	if err != nil {
		return nil, storeError(opLoadFrom, err, "", id, version)
	}
	return events, nil
}

func (s *PostgresStore) load(ctx context.Context, id uuid.UUID, version int) ([]event.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT position, aggregate_type, event_type, version, timestamp, data, metadata::text
		 FROM events WHERE aggregate_id = $1 AND version >= $2 ORDER BY version`,
		id.String(), fromVersion(version),
	)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []event.Event
	for rows.Next() {
		var (
			position int64
			aggType  string
			evType   string
			e        event.Event
			meta     string
		)
		if err = rows.Scan(&position, &aggType, &evType, &e.Version, &e.Timestamp, &e.Data, &meta); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		metadata, errMeta := unmarshalMetadata([]byte(meta))
		if errMeta != nil {
			return nil, errMeta
		}
		e.Type = event.Type(evType)
		e.AggregateType = event.AggregateType(aggType)
		e.AggregateID = id
		e.Timestamp = e.Timestamp.UTC()
		e.Metadata = withPosition(metadata, position)
		events = append(events, e)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	if len(events) == 0 {
		return nil, errs.ErrNotFound
	}
	return events, nil
}

// LastVersion implements appcore.EventStore.
func (s *PostgresStore) LastVersion(ctx context.Context, id uuid.UUID) (int, error) {
	var version int
	if err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM events WHERE aggregate_id = $1`, id.String(),
	).Scan(&version); err != nil {
		return 0, storeError(opLastVersion, err, "", id, 0)
	}
	return version, nil
}

// Replace implements appcore.EventMaintenance.
func (s *PostgresStore) Replace(ctx context.Context, e event.Event) error {
	meta, err := marshalMetadata(e.Metadata.Without(event.MetaPosition))
	if err != nil {
		return storeError(opReplace, err, e.AggregateType, e.AggregateID, e.Version)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE events SET aggregate_type = $1, event_type = $2, timestamp = $3, data = $4, metadata = $5
		 WHERE aggregate_id = $6 AND version = $7`,
		string(e.AggregateType), string(e.Type), e.Timestamp.UTC(), e.Data, string(meta),
		e.AggregateID.String(), e.Version,
	)
	if err != nil {
		return storeError(opReplace, fmt.Errorf("update event: %w", err), e.AggregateType, e.AggregateID, e.Version)
	}
	if tag.RowsAffected() == 0 {
		return storeError(opReplace, errs.ErrNotFound, e.AggregateType, e.AggregateID, e.Version)
	}
	return nil
}

// RenameEvent implements appcore.EventMaintenance.
func (s *PostgresStore) RenameEvent(ctx context.Context, from, to event.Type) error {
	tag, err := s.pool.Exec(ctx, `UPDATE events SET event_type = $1 WHERE event_type = $2`, string(to), string(from))
	if err != nil {
		return &errs.AggregateError{Err: fmt.Errorf("failed to rename events: %w", err), Component: component, Op: opRename}
	}
	s.logger.InfoContext(ctx, "events renamed",
		slog.String("from", string(from)),
		slog.String("to", string(to)),
		slog.Int64("count", tag.RowsAffected()),
	)
	return nil
}

// Close implements appcore.EventStore. The pool is owned by the caller.
func (s *PostgresStore) Close() error {
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
