package repository_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lllypuk/eventcore/internal/application/repository"
	"github.com/lllypuk/eventcore/internal/domain/aggregate"
	"github.com/lllypuk/eventcore/internal/domain/errs"
	"github.com/lllypuk/eventcore/internal/domain/event"
	"github.com/lllypuk/eventcore/internal/infrastructure/eventstore"
	"github.com/lllypuk/eventcore/internal/infrastructure/snapshot"
	"github.com/lllypuk/eventcore/tests/testutil"
)

type recordingSink struct {
	mu     sync.Mutex
	events []event.Event
	err    error
}

func (s *recordingSink) HandleEvents(_ context.Context, events []event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, events...)
	return nil
}

func openAccount(t *testing.T, repo repository.Repository, id uuid.UUID, deposits ...int) *testutil.Account {
	t.Helper()
	ctx := context.Background()

	agg, err := repo.New(testutil.AccountType, id)
	require.NoError(t, err)
	require.NoError(t, agg.HandleCommand(ctx, &testutil.OpenAccount{ID: id, Owner: "alice"}))
	for _, amount := range deposits {
		require.NoError(t, agg.HandleCommand(ctx, &testutil.Deposit{ID: id, Amount: amount}))
	}
	require.NoError(t, repo.Save(ctx, agg))
	return agg.(*testutil.Account)
}

func TestEventSourced_SaveAndLoad(t *testing.T) {
	// Arrange
	store := eventstore.NewMemoryStore()
	sink := &recordingSink{}
	repo := repository.NewEventSourced(store, testutil.AccountRegistry(), repository.WithOutbox(sink))
	id := uuid.New()

	// Act
	saved := openAccount(t, repo, id, 10, 20)
	loaded, err := repo.Load(context.Background(), testutil.AccountType, id)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, 3, saved.AggregateVersion())
	assert.Empty(t, saved.UncommittedEvents())

	account := loaded.(*testutil.Account)
	assert.Equal(t, 3, account.AggregateVersion())
	assert.Equal(t, 30, account.Balance)
	assert.Equal(t, "alice", account.Owner)

	testutil.AssertEventTypes(t, sink.events, testutil.AccountOpened, testutil.MoneyDeposited, testutil.MoneyDeposited)
}

func TestEventSourced_SaveWithoutEventsIsNoop(t *testing.T) {
	sink := &recordingSink{}
	repo := repository.NewEventSourced(eventstore.NewMemoryStore(), testutil.AccountRegistry(), repository.WithOutbox(sink))

	agg, err := repo.New(testutil.AccountType, uuid.New())
	require.NoError(t, err)

	require.NoError(t, repo.Save(context.Background(), agg))
	assert.Zero(t, agg.AggregateVersion())
	assert.Empty(t, sink.events)
}

func TestEventSourced_LoadUnknownAggregate(t *testing.T) {
	repo := repository.NewEventSourced(eventstore.NewMemoryStore(), testutil.AccountRegistry())

	_, err := repo.Load(context.Background(), testutil.AccountType, uuid.New())
	require.ErrorIs(t, err, errs.ErrNotFound)

	_, err = repo.Load(context.Background(), "Unknown", uuid.New())
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestEventSourced_ConflictLeavesAggregateUntouched(t *testing.T) {
	// Arrange
	ctx := context.Background()
	sink := &recordingSink{}
	repo := repository.NewEventSourced(eventstore.NewMemoryStore(), testutil.AccountRegistry(), repository.WithOutbox(sink))
	id := uuid.New()
	openAccount(t, repo, id)

	first, err := repo.Load(ctx, testutil.AccountType, id)
	require.NoError(t, err)
	second, err := repo.Load(ctx, testutil.AccountType, id)
	require.NoError(t, err)

	require.NoError(t, first.HandleCommand(ctx, &testutil.Deposit{ID: id, Amount: 5}))
	require.NoError(t, repo.Save(ctx, first))
	require.NoError(t, second.HandleCommand(ctx, &testutil.Deposit{ID: id, Amount: 7}))

	// Act
	err = repo.Save(ctx, second)

	// Assert
	require.ErrorIs(t, err, errs.ErrConcurrencyConflict)
	assert.Equal(t, 1, second.AggregateVersion())
	assert.Len(t, second.UncommittedEvents(), 1)
	assert.Len(t, sink.events, 2, "rejected events are not ingested")
}

func TestEventSourced_IngestionFailureIsReported(t *testing.T) {
	// Arrange
	ctx := context.Background()
	store := eventstore.NewMemoryStore()
	sink := &recordingSink{err: errors.New("outbox unavailable")}
	repo := repository.NewEventSourced(store, testutil.AccountRegistry(), repository.WithOutbox(sink))
	id := uuid.New()

	agg, err := repo.New(testutil.AccountType, id)
	require.NoError(t, err)
	require.NoError(t, agg.HandleCommand(ctx, &testutil.OpenAccount{ID: id, Owner: "bob"}))

	// Act
	err = repo.Save(ctx, agg)

	// Assert
	require.Error(t, err)
	assert.NotErrorIs(t, err, errs.ErrConcurrencyConflict)
	assert.Contains(t, err.Error(), "outbox unavailable")

	version, err := store.LastVersion(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, version, "events stay committed")
	assert.Equal(t, 1, agg.AggregateVersion())
}

func TestEventSourced_Snapshots(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	t.Run("saved when crossing the interval", func(t *testing.T) {
		snapshots := snapshot.NewMemoryStore()
		repo := repository.NewEventSourced(eventstore.NewMemoryStore(), testutil.AccountRegistry(),
			repository.WithSnapshots(snapshots, 3),
			repository.WithClock(func() time.Time { return now }),
		)
		id := uuid.New()

		openAccount(t, repo, id, 10)
		snap, err := snapshots.LoadSnapshot(ctx, id)
		require.NoError(t, err)
		assert.Nil(t, snap, "version 2 is below the interval")

		agg, err := repo.Load(ctx, testutil.AccountType, id)
		require.NoError(t, err)
		require.NoError(t, agg.HandleCommand(ctx, &testutil.Deposit{ID: id, Amount: 5}))
		require.NoError(t, repo.Save(ctx, agg))

		snap, err = snapshots.LoadSnapshot(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, snap)
		assert.Equal(t, 3, snap.Version)
		assert.Equal(t, testutil.AccountType, snap.AggregateType)
		assert.Equal(t, now, snap.Timestamp)
	})

	t.Run("load replays events after the snapshot", func(t *testing.T) {
		store := eventstore.NewMemoryStore()
		snapshots := snapshot.NewMemoryStore()
		repo := repository.NewEventSourced(store, testutil.AccountRegistry(), repository.WithSnapshots(snapshots, 0))
		id := uuid.New()
		require.NoError(t, store.Save(ctx, testutil.AccountEvents(id, 1, 4), 0))

		// the snapshot claims a balance no event produced, which proves it was used
		require.NoError(t, snapshots.SaveSnapshot(ctx, aggregate.Snapshot{
			AggregateID:   id,
			AggregateType: testutil.AccountType,
			Version:       2,
			State:         []byte(`{"owner":"alice","balance":1000,"open":true}`),
		}))

		agg, err := repo.Load(ctx, testutil.AccountType, id)

		require.NoError(t, err)
		assert.Equal(t, 4, agg.AggregateVersion())
		assert.Equal(t, 1020, agg.(*testutil.Account).Balance)
	})

	fallbacks := []struct {
		name string
		snap aggregate.Snapshot
	}{
		{
			name: "snapshot of another type",
			snap: aggregate.Snapshot{AggregateType: "Other", Version: 2, State: []byte(`{"balance":1000}`)},
		},
		{
			name: "corrupt snapshot",
			snap: aggregate.Snapshot{AggregateType: testutil.AccountType, Version: 2, State: []byte(`not json`)},
		},
		{
			name: "snapshot ahead of the store",
			snap: aggregate.Snapshot{AggregateType: testutil.AccountType, Version: 9, State: []byte(`{"balance":1000}`)},
		},
	}
	for _, tt := range fallbacks {
		t.Run("full replay on "+tt.name, func(t *testing.T) {
			store := eventstore.NewMemoryStore()
			snapshots := snapshot.NewMemoryStore()
			repo := repository.NewEventSourced(store, testutil.AccountRegistry(), repository.WithSnapshots(snapshots, 0))
			id := uuid.New()
			require.NoError(t, store.Save(ctx, testutil.AccountEvents(id, 1, 4), 0))

			snap := tt.snap
			snap.AggregateID = id
			require.NoError(t, snapshots.SaveSnapshot(ctx, snap))

			agg, err := repo.Load(ctx, testutil.AccountType, id)

			require.NoError(t, err)
			assert.Equal(t, 4, agg.AggregateVersion())
			assert.Equal(t, 30, agg.(*testutil.Account).Balance)
		})
	}
}

func TestEventSourced_SnapshotLoadMatchesFullReplay(t *testing.T) {
	ctx := context.Background()

	for _, every := range []int{1, 2, 3, 5} {
		t.Run(fmt.Sprintf("every %d", every), func(t *testing.T) {
			// Arrange
			store := eventstore.NewMemoryStore()
			snapshots := snapshot.NewMemoryStore()
			withSnapshots := repository.NewEventSourced(store, testutil.AccountRegistry(),
				repository.WithSnapshots(snapshots, every))
			replayOnly := repository.NewEventSourced(store, testutil.AccountRegistry())
			id := uuid.New()
			openAccount(t, withSnapshots, id)

			for i := 1; i <= 8; i++ {
				agg, err := withSnapshots.Load(ctx, testutil.AccountType, id)
				require.NoError(t, err)
				require.NoError(t, agg.HandleCommand(ctx, &testutil.Deposit{ID: id, Amount: i * 10}))
				if i%2 == 0 {
					require.NoError(t, agg.HandleCommand(ctx, &testutil.Withdraw{ID: id, Amount: 7}))
				}
				require.NoError(t, withSnapshots.Save(ctx, agg))

				// Act
				fromSnapshot, err := withSnapshots.Load(ctx, testutil.AccountType, id)
				require.NoError(t, err)
				replayed, err := replayOnly.Load(ctx, testutil.AccountType, id)
				require.NoError(t, err)

				// Assert
				want := replayed.(*testutil.Account)
				got := fromSnapshot.(*testutil.Account)
				assert.Equal(t, want.AggregateVersion(), got.AggregateVersion(), "cycle %d", i)
				assert.Equal(t, want.Balance, got.Balance, "cycle %d", i)
				assert.Equal(t, want.Owner, got.Owner, "cycle %d", i)
				assert.Equal(t, want.Open, got.Open, "cycle %d", i)
			}

			snap, err := snapshots.LoadSnapshot(ctx, id)
			require.NoError(t, err)
			require.NotNil(t, snap)
			assert.Positive(t, snap.Version)
		})
	}
}
