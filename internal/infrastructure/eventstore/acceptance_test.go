package eventstore_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lllypuk/eventcore/internal/application/appcore"
	"github.com/lllypuk/eventcore/internal/domain/errs"
	"github.com/lllypuk/eventcore/internal/domain/event"
)

const testAggregate event.AggregateType = "Account"

func makeEvents(id uuid.UUID, from, n int) []event.Event {
	events := make([]event.Event, n)
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for i := range n {
		version := from + i
		events[i] = event.New(
			event.Type(fmt.Sprintf("Deposited%d", version%2)),
			[]byte(fmt.Sprintf(`{"amount":%d}`, version)),
			ts.Add(time.Duration(version)*time.Second),
			event.ForAggregate(testAggregate, id, version),
			event.WithMetadata(event.Field{Key: event.MetaUserID, Value: "user-1"}),
		)
	}
	return events
}

func assertSameEvents(t *testing.T, want, got []event.Event) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		assert.True(t, event.Equal(want[i], got[i], event.IgnorePositionMetadata()),
			"event %d differs: %s", i, event.Diff(want[i], got[i], event.IgnorePositionMetadata()))
	}
}

// runEventStoreAcceptance checks the behavior every backend must share.
func runEventStoreAcceptance(t *testing.T, newStore func(t *testing.T) appcore.EventStore) {
	t.Run("save and load", func(t *testing.T) {
		// Arrange
		store := newStore(t)
		ctx := context.Background()
		id := uuid.New()
		events := makeEvents(id, 1, 3)

		// Act
		err := store.Save(ctx, events, 0)
		require.NoError(t, err)
		loaded, err := store.Load(ctx, id)

		// Assert
		require.NoError(t, err)
		assertSameEvents(t, events, loaded)

		version, err := store.LastVersion(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 3, version)
	})

	t.Run("load from returns the suffix", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		id := uuid.New()
		events := makeEvents(id, 1, 5)
		require.NoError(t, store.Save(ctx, events, 0))

		loaded, err := store.LoadFrom(ctx, id, 3)

		require.NoError(t, err)
		assertSameEvents(t, events[2:], loaded)

		_, err = store.LoadFrom(ctx, id, 6)
		assert.ErrorIs(t, err, errs.ErrNotFound)
	})

	t.Run("unknown aggregate", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		id := uuid.New()

		_, err := store.Load(ctx, id)
		require.ErrorIs(t, err, errs.ErrNotFound)

		version, err := store.LastVersion(ctx, id)
		require.NoError(t, err)
		assert.Zero(t, version)
	})

	t.Run("conflict then retry", func(t *testing.T) {
		// Arrange
		store := newStore(t)
		ctx := context.Background()
		id := uuid.New()
		require.NoError(t, store.Save(ctx, makeEvents(id, 1, 2), 0))

		// Act
		err := store.Save(ctx, makeEvents(id, 1, 1), 0)

		// Assert
		require.ErrorIs(t, err, errs.ErrConcurrencyConflict)

		require.NoError(t, store.Save(ctx, makeEvents(id, 3, 1), 2))
		loaded, err := store.Load(ctx, id)
		require.NoError(t, err)
		require.Len(t, loaded, 3)
		for i, e := range loaded {
			assert.Equal(t, i+1, e.Version)
		}
	})

	t.Run("invalid batches", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		id := uuid.New()

		err := store.Save(ctx, nil, 0)
		require.ErrorIs(t, err, errs.ErrMissingEvents)
		require.ErrorIs(t, err, errs.ErrInvalidInput)

		gap := makeEvents(id, 1, 3)
		gap[2].Version = 4
		require.ErrorIs(t, store.Save(ctx, gap, 0), errs.ErrInvalidInput)

		require.ErrorIs(t, store.Save(ctx, makeEvents(id, 2, 1), 0), errs.ErrInvalidInput)

		mixed := append(makeEvents(id, 1, 1), makeEvents(uuid.New(), 2, 1)...)
		require.ErrorIs(t, store.Save(ctx, mixed, 0), errs.ErrInvalidInput)

		require.ErrorIs(t, store.Save(ctx, makeEvents(uuid.Nil, 1, 1), 0), errs.ErrInvalidInput)

		_, err = store.Load(ctx, id)
		assert.ErrorIs(t, err, errs.ErrNotFound, "rejected batches must not be written")
	})

	t.Run("concurrent writers", func(t *testing.T) {
		// Arrange
		store := newStore(t)
		ctx := context.Background()
		id := uuid.New()
		require.NoError(t, store.Save(ctx, makeEvents(id, 1, 1), 0))

		const writers = 8
		var (
			wg        sync.WaitGroup
			succeeded atomic.Int32
			conflicts atomic.Int32
		)

		// Act
		for range writers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := store.Save(ctx, makeEvents(id, 2, 2), 1)
				switch {
				case err == nil:
					succeeded.Add(1)
				case errs.IsConflict(err):
					conflicts.Add(1)
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()

		// Assert
		assert.Equal(t, int32(1), succeeded.Load())
		assert.Equal(t, int32(writers-1), conflicts.Load())

		loaded, err := store.Load(ctx, id)
		require.NoError(t, err)
		require.Len(t, loaded, 3)
		for i, e := range loaded {
			assert.Equal(t, i+1, e.Version)
		}
	})

	t.Run("error context", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		id := uuid.New()
		require.NoError(t, store.Save(ctx, makeEvents(id, 1, 1), 0))

		err := store.Save(ctx, makeEvents(id, 1, 1), 0)

		var aggErr *errs.AggregateError
		require.ErrorAs(t, err, &aggErr)
		assert.Equal(t, "event store", aggErr.Component)
		assert.Equal(t, "save", aggErr.Op)
		assert.Equal(t, id, aggErr.AggregateID)
		assert.Equal(t, string(testAggregate), aggErr.AggregateType)
	})

	t.Run("maintenance", func(t *testing.T) {
		store := newStore(t)
		maint, ok := store.(appcore.EventMaintenance)
		if !ok {
			t.Skip("store has no maintenance operations")
		}
		ctx := context.Background()
		id := uuid.New()
		events := makeEvents(id, 1, 3)
		require.NoError(t, store.Save(ctx, events, 0))

		// Replace keeps id and version.
		replaced := events[1].Clone()
		replaced.Type = "Corrected"
		replaced.Data = []byte(`{"amount":42}`)
		require.NoError(t, maint.Replace(ctx, replaced))

		missing := events[0].Clone()
		missing.Version = 9
		require.ErrorIs(t, maint.Replace(ctx, missing), errs.ErrNotFound)

		// Rename touches every matching event.
		require.NoError(t, maint.RenameEvent(ctx, "Deposited1", "Credited"))

		loaded, err := store.Load(ctx, id)
		require.NoError(t, err)
		require.Len(t, loaded, 3)
		assert.Equal(t, event.Type("Credited"), loaded[0].Type)
		assert.Equal(t, event.Type("Corrected"), loaded[1].Type)
		assert.JSONEq(t, `{"amount":42}`, string(loaded[1].Data))
		assert.Equal(t, event.Type("Credited"), loaded[2].Type)
		assert.Equal(t, 2, loaded[1].Version)
	})
}
