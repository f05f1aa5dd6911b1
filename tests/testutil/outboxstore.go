package testutil

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lllypuk/eventcore/internal/application/appcore"
	"github.com/lllypuk/eventcore/internal/domain/errs"
	"github.com/lllypuk/eventcore/internal/domain/event"
)

// RunOutboxStoreAcceptance exercises the appcore.OutboxStore contract
// against an empty store. Subtests run in order and share state.
func RunOutboxStoreAcceptance(t *testing.T, store appcore.OutboxStore) {
	t.Helper()
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	eventsB := AccountEvents(uuid.New(), 1, 2)
	first := appcore.NewOutboxEntry(AccountEvents(uuid.New(), 1, 1)[0], map[string]string{appcore.ContextUserID: "u-1"}, base)
	second := appcore.NewOutboxEntry(eventsB[0], nil, base.Add(time.Second))
	third := appcore.NewOutboxEntry(eventsB[1], nil, base.Add(2*time.Second))

	t.Run("empty store", func(t *testing.T) {
		entries, err := store.Poll(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, entries)

		count, oldest, err := store.Stats(ctx)
		require.NoError(t, err)
		assert.Zero(t, count)
		assert.True(t, oldest.IsZero())
	})

	t.Run("poll in ingestion order", func(t *testing.T) {
		require.NoError(t, store.Add(ctx, first))
		require.NoError(t, store.Add(ctx, second, third))

		entries, err := store.Poll(ctx, 10)
		require.NoError(t, err)
		require.Len(t, entries, 3)
		assert.Equal(t, []uuid.UUID{first.ID, second.ID, third.ID}, entryIDs(entries))
		AssertEventsEqual(t,
			[]event.Event{first.Event, second.Event, third.Event},
			[]event.Event{entries[0].Event, entries[1].Event, entries[2].Event},
		)
		assert.Equal(t, first.Context, entries[0].Context)
		assert.True(t, base.Equal(entries[0].CreatedAt))
		assert.Zero(t, entries[0].RetryCount)
		assert.Empty(t, entries[0].Delivered)

		limited, err := store.Poll(ctx, 2)
		require.NoError(t, err)
		assert.Equal(t, []uuid.UUID{first.ID, second.ID}, entryIDs(limited))
	})

	t.Run("poll excluding aggregates", func(t *testing.T) {
		entries, err := store.Poll(ctx, 10, second.Event.AggregateID)
		require.NoError(t, err)
		assert.Equal(t, []uuid.UUID{first.ID}, entryIDs(entries))

		entries, err = store.Poll(ctx, 10, first.Event.AggregateID, second.Event.AggregateID)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("duplicate id", func(t *testing.T) {
		err := store.Add(ctx, first)
		require.ErrorIs(t, err, errs.ErrAlreadyExists)

		count, err := store.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(3), count)
	})

	t.Run("mark failed", func(t *testing.T) {
		next := base.Add(time.Minute)
		require.NoError(t, store.MarkFailed(ctx, first.ID, []string{"projector"}, errors.New("boom"), next))

		entries, err := store.Poll(ctx, 1)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, first.ID, entries[0].ID)
		assert.Equal(t, 1, entries[0].RetryCount)
		assert.Equal(t, "boom", entries[0].LastError)
		assert.Equal(t, []string{"projector"}, entries[0].Delivered)
		assert.True(t, next.Equal(entries[0].NextAttemptAt))
		assert.True(t, entries[0].DeliveredTo("projector"))
	})

	t.Run("mark delivered", func(t *testing.T) {
		require.NoError(t, store.MarkDelivered(ctx, first.ID))

		entries, err := store.Poll(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, []uuid.UUID{second.ID, third.ID}, entryIDs(entries))

		count, oldest, err := store.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(2), count)
		assert.True(t, second.CreatedAt.Equal(oldest))
	})

	t.Run("unknown entry", func(t *testing.T) {
		require.ErrorIs(t, store.MarkDelivered(ctx, uuid.New()), errs.ErrNotFound)
		require.ErrorIs(t, store.MarkFailed(ctx, uuid.New(), nil, errors.New("boom"), base), errs.ErrNotFound)
	})

	t.Run("cleanup", func(t *testing.T) {
		removed, err := store.Cleanup(ctx, time.Hour)
		require.NoError(t, err)
		assert.Zero(t, removed, "recently delivered entries are kept")

		removed, err = store.Cleanup(ctx, -time.Hour)
		require.NoError(t, err)
		assert.Equal(t, int64(1), removed)

		count, err := store.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(2), count, "pending entries survive cleanup")
	})
}

func entryIDs(entries []appcore.OutboxEntry) []uuid.UUID {
	ids := make([]uuid.UUID, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	return ids
}
