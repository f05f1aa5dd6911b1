package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/lllypuk/eventcore/internal/application/appcore"
	"github.com/lllypuk/eventcore/internal/domain/errs"
	"github.com/lllypuk/eventcore/internal/domain/event"
)

// SQLiteStore persists events in SQLite. With WithOutbox every saved event
// also gets an outbox row in the same transaction, and the store serves as
// the appcore.OutboxStore of the delivery worker.
type SQLiteStore struct {
	db     *sql.DB
	opts   options
	logger *slog.Logger
}

// OpenSQLite opens a SQLite event store at path and applies the schema.
func OpenSQLite(path string, opts ...Option) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// Single writer: the version check and the inserts never interleave.
	db.SetMaxOpenConns(1)

	if err = db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err = db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}

	o := buildOptions(opts)
	return &SQLiteStore{db: db, opts: o, logger: o.logger}, nil
}

// Save implements appcore.EventStore.
func (s *SQLiteStore) Save(ctx context.Context, events []event.Event, expectedVersion int) error {
	if err := validateBatch(events, expectedVersion); err != nil {
		return batchError(opSave, err, events, expectedVersion)
	}
	if err := s.save(ctx, events, expectedVersion); err != nil {
		if !errors.Is(err, errs.ErrConcurrencyConflict) {
			s.logger.ErrorContext(ctx, "failed to save events",
				slog.String("aggregate_id", events[0].AggregateID.String()),
				slog.String("error", err.Error()),
			)
		}
		return batchError(opSave, err, events, expectedVersion)
	}
	return nil
}

func (s *SQLiteStore) save(ctx context.Context, events []event.Event, expectedVersion int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	id := events[0].AggregateID.String()
	var current int
	if err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM events WHERE aggregate_id = ?`, id,
	).Scan(&current); err != nil {
		return fmt.Errorf("read version: %w", err)
	}
	if current != expectedVersion {
		s.logger.WarnContext(ctx, "concurrency conflict in event store",
			slog.String("aggregate_id", id),
			slog.Int("expected_version", expectedVersion),
			slog.Int("current_version", current),
		)
		return errs.ErrConcurrencyConflict
	}

	var values map[string]string
	if s.opts.outbox {
		values = s.opts.codec.Marshal(ctx)
	}
	now := s.opts.now()

	for _, e := range events {
		meta, errMeta := marshalMetadata(e.Metadata.Without(event.MetaPosition))
		if errMeta != nil {
			return errMeta
		}
		res, errInsert := tx.ExecContext(ctx,
			`INSERT INTO events (aggregate_id, aggregate_type, event_type, version, timestamp, data, metadata)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			id, string(e.AggregateType), string(e.Type), e.Version, e.Timestamp.UnixNano(), e.Data, string(meta),
		)
		if errInsert != nil {
			if isConstraintError(errInsert) {
				return errs.ErrConcurrencyConflict
			}
			return fmt.Errorf("insert event: %w", errInsert)
		}
		if !s.opts.outbox {
			continue
		}

		position, errPos := res.LastInsertId()
		if errPos != nil {
			return fmt.Errorf("read position: %w", errPos)
		}
		stored := e.Clone()
		stored.Metadata = withPosition(stored.Metadata, position)
		if err = insertOutboxEntry(ctx, tx, appcore.NewOutboxEntry(stored, values, now)); err != nil {
			return err
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Load implements appcore.EventStore.
func (s *SQLiteStore) Load(ctx context.Context, id uuid.UUID) ([]event.Event, error) {
	events, err := s.load(ctx, id, 1)
	if err != nil {
		return nil, storeError(opLoad, err, "", id, 0)
	}
	return events, nil
}

// LoadFrom implements appcore.EventStore.
func (s *SQLiteStore) LoadFrom(ctx context.Context, id uuid.UUID, version int) ([]event.Event, error) {
	events, err := s.load(ctx, id, version)
	if err != nil {
		return nil, storeError(opLoadFrom, err, "", id, version)
	}
	return events, nil
}

func (s *SQLiteStore) load(ctx context.Context, id uuid.UUID, version int) ([]event.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT position, aggregate_type, event_type, version, timestamp, data, metadata
		 FROM events WHERE aggregate_id = ? AND version >= ? ORDER BY version`,
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
			ver      int
			ts       int64
			data     []byte
			meta     string
		)
		if err = rows.Scan(&position, &aggType, &evType, &ver, &ts, &data, &meta); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		metadata, errMeta := unmarshalMetadata([]byte(meta))
		if errMeta != nil {
			return nil, errMeta
		}
		events = append(events, event.Event{
			Type:          event.Type(evType),
			AggregateType: event.AggregateType(aggType),
			AggregateID:   id,
			Version:       ver,
			Timestamp:     time.Unix(0, ts).UTC(),
			Data:          data,
			Metadata:      withPosition(metadata, position),
		})
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
func (s *SQLiteStore) LastVersion(ctx context.Context, id uuid.UUID) (int, error) {
	var version int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM events WHERE aggregate_id = ?`, id.String(),
	).Scan(&version)
	if err != nil {
		return 0, storeError(opLastVersion, err, "", id, 0)
	}
	return version, nil
}

// Replace implements appcore.EventMaintenance.
func (s *SQLiteStore) Replace(ctx context.Context, e event.Event) error {
	meta, err := marshalMetadata(e.Metadata.Without(event.MetaPosition))
	if err != nil {
		return storeError(opReplace, err, e.AggregateType, e.AggregateID, e.Version)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE events SET aggregate_type = ?, event_type = ?, timestamp = ?, data = ?, metadata = ?
		 WHERE aggregate_id = ? AND version = ?`,
		string(e.AggregateType), string(e.Type), e.Timestamp.UnixNano(), e.Data, string(meta),
		e.AggregateID.String(), e.Version,
	)
	if err != nil {
		return storeError(opReplace, fmt.Errorf("update event: %w", err), e.AggregateType, e.AggregateID, e.Version)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storeError(opReplace, errs.ErrNotFound, e.AggregateType, e.AggregateID, e.Version)
	}
	return nil
}

// RenameEvent implements appcore.EventMaintenance.
func (s *SQLiteStore) RenameEvent(ctx context.Context, from, to event.Type) error {
	res, err := s.db.ExecContext(ctx, `UPDATE events SET event_type = ? WHERE event_type = ?`, string(to), string(from))
	if err != nil {
		return &errs.AggregateError{Err: fmt.Errorf("failed to rename events: %w", err), Component: component, Op: opRename}
	}
	n, _ := res.RowsAffected()
	s.logger.InfoContext(ctx, "events renamed",
		slog.String("from", string(from)),
		slog.String("to", string(to)),
		slog.Int64("count", n),
	)
	return nil
}

// Close closes the SQLite handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Outbox side of the store.

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertOutboxEntry(ctx context.Context, db execer, entry appcore.OutboxEntry) error {
	raw, err := marshalRecord(entry.Event)
	if err != nil {
		return err
	}
	var values []byte
	if len(entry.Context) > 0 {
		if values, err = json.Marshal(entry.Context); err != nil {
			return fmt.Errorf("marshal outbox context: %w", err)
		}
	}
	delivered, err := json.Marshal(nonNil(entry.Delivered))
	if err != nil {
		return fmt.Errorf("marshal delivered handlers: %w", err)
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO outbox (id, aggregate_id, event, context, created_at, delivered, retry_count, last_error, next_attempt_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID.String(), entry.Event.AggregateID.String(), raw, nullString(values), entry.CreatedAt.UnixNano(), string(delivered),
		entry.RetryCount, entry.LastError, unixNano(entry.NextAttemptAt),
	)
	if err != nil {
		if isConstraintError(err) {
			return fmt.Errorf("outbox entry %s: %w", entry.ID, errs.ErrAlreadyExists)
		}
		return fmt.Errorf("insert outbox entry: %w", err)
	}
	return nil
}

const defaultPollSize = 100

// Add implements appcore.OutboxStore.
func (s *SQLiteStore) Add(ctx context.Context, entries ...appcore.OutboxEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, entry := range entries {
		if err = insertOutboxEntry(ctx, tx, entry); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Poll implements appcore.OutboxStore.
func (s *SQLiteStore) Poll(ctx context.Context, batchSize int, exclude ...uuid.UUID) ([]appcore.OutboxEntry, error) {
	if batchSize <= 0 {
		batchSize = defaultPollSize
	}

	query := `SELECT id, event, context, created_at, delivered, retry_count, last_error, next_attempt_at
		 FROM outbox WHERE processed_at IS NULL`
	args := make([]any, 0, len(exclude)+1)
	if len(exclude) > 0 {
		query += ` AND aggregate_id NOT IN (?` + strings.Repeat(", ?", len(exclude)-1) + `)`
		for _, id := range exclude {
			args = append(args, id.String())
		}
	}
	query += ` ORDER BY seq LIMIT ?`
	args = append(args, batchSize)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to poll outbox: %w", err)
	}
	defer rows.Close()

	var entries []appcore.OutboxEntry
	for rows.Next() {
		var (
			id          string
			raw         string
			values      sql.NullString
			createdAt   int64
			delivered   string
			retryCount  int
			lastError   string
			nextAttempt int64
		)
		if err = rows.Scan(&id, &raw, &values, &createdAt, &delivered, &retryCount, &lastError, &nextAttempt); err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}

		entry := appcore.OutboxEntry{
			CreatedAt:  time.Unix(0, createdAt).UTC(),
			RetryCount: retryCount,
			LastError:  lastError,
		}
		if entry.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("parse outbox id: %w", err)
		}
		if entry.Event, err = unmarshalRecord(raw); err != nil {
			return nil, err
		}
		if values.Valid {
			if err = json.Unmarshal([]byte(values.String), &entry.Context); err != nil {
				return nil, fmt.Errorf("unmarshal outbox context: %w", err)
			}
		}
		if err = json.Unmarshal([]byte(delivered), &entry.Delivered); err != nil {
			return nil, fmt.Errorf("unmarshal delivered handlers: %w", err)
		}
		if len(entry.Delivered) == 0 {
			entry.Delivered = nil
		}
		if nextAttempt > 0 {
			entry.NextAttemptAt = time.Unix(0, nextAttempt).UTC()
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// MarkDelivered implements appcore.OutboxStore.
func (s *SQLiteStore) MarkDelivered(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE outbox SET processed_at = ? WHERE id = ?`, s.opts.now().UnixNano(), id.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to mark entry as delivered: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("outbox entry %s: %w", id, errs.ErrNotFound)
	}
	return nil
}

// MarkFailed implements appcore.OutboxStore.
func (s *SQLiteStore) MarkFailed(ctx context.Context, id uuid.UUID, delivered []string, cause error, next time.Time) error {
	handlers, err := json.Marshal(nonNil(delivered))
	if err != nil {
		return fmt.Errorf("marshal delivered handlers: %w", err)
	}
	lastError := ""
	if cause != nil {
		lastError = cause.Error()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE outbox SET delivered = ?, retry_count = retry_count + 1, last_error = ?, next_attempt_at = ?
		 WHERE id = ?`,
		string(handlers), lastError, unixNano(next), id.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to mark entry as failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("outbox entry %s: %w", id, errs.ErrNotFound)
	}
	return nil
}

// Cleanup implements appcore.OutboxStore.
func (s *SQLiteStore) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := s.opts.now().Add(-olderThan).UnixNano()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM outbox WHERE processed_at IS NOT NULL AND processed_at < ?`, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup outbox: %w", err)
	}
	return res.RowsAffected()
}

// Count implements appcore.OutboxStore.
func (s *SQLiteStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM outbox WHERE processed_at IS NULL`,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count outbox entries: %w", err)
	}
	return n, nil
}

// Stats implements appcore.OutboxStore.
func (s *SQLiteStore) Stats(ctx context.Context) (int64, time.Time, error) {
	var (
		n      int64
		oldest sql.NullInt64
	)
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), MIN(created_at) FROM outbox WHERE processed_at IS NULL`,
	).Scan(&n, &oldest); err != nil {
		return 0, time.Time{}, fmt.Errorf("failed to read outbox stats: %w", err)
	}
	if !oldest.Valid {
		return n, time.Time{}, nil
	}
	return n, time.Unix(0, oldest.Int64).UTC(), nil
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_CONSTRAINT || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nullString(b []byte) sql.NullString {
	if b == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}
