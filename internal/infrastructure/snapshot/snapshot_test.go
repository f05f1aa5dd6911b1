package snapshot_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lllypuk/eventcore/internal/application/appcore"
	"github.com/lllypuk/eventcore/internal/domain/aggregate"
	"github.com/lllypuk/eventcore/internal/infrastructure/snapshot"
	"github.com/lllypuk/eventcore/tests/testutil"
)

func runSnapshotStoreAcceptance(t *testing.T, store appcore.SnapshotStore) {
	t.Helper()
	ctx := context.Background()
	id := uuid.New()

	// Absent snapshot is not an error.
	snap, err := store.LoadSnapshot(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, snap)

	// Latest snapshot wins.
	ts := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	for v := 1; v <= 2; v++ {
		require.NoError(t, store.SaveSnapshot(ctx, aggregate.Snapshot{
			AggregateID:   id,
			AggregateType: testutil.AccountType,
			Version:       v * 10,
			Timestamp:     ts,
			State:         []byte(`{"balance":1}`),
		}))
	}

	snap, err = store.LoadSnapshot(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, 20, snap.Version)
	assert.Equal(t, id, snap.AggregateID)
	assert.Equal(t, testutil.AccountType, snap.AggregateType)
	assert.True(t, ts.Equal(snap.Timestamp))
	assert.JSONEq(t, `{"balance":1}`, string(snap.State))
}

func TestMemoryStore(t *testing.T) {
	runSnapshotStoreAcceptance(t, snapshot.NewMemoryStore())
}

func TestMemoryStore_CopiesState(t *testing.T) {
	store := snapshot.NewMemoryStore()
	ctx := context.Background()
	id := uuid.New()
	state := []byte(`{"a":1}`)
	require.NoError(t, store.SaveSnapshot(ctx, aggregate.Snapshot{AggregateID: id, Version: 1, State: state}))

	state[2] = 'b'
	snap, err := store.LoadSnapshot(ctx, id)

	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(snap.State))
}

func TestRedisStore(t *testing.T) {
	client, _ := testutil.SetupMiniRedis(t)
	runSnapshotStoreAcceptance(t, snapshot.NewRedisStore(client, "test:"))
}
