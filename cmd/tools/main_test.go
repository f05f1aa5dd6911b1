package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lllypuk/eventcore/internal/application/appcore"
	"github.com/lllypuk/eventcore/internal/domain/errs"
	"github.com/lllypuk/eventcore/internal/domain/event"
	"github.com/lllypuk/eventcore/internal/infrastructure/codec"
	"github.com/lllypuk/eventcore/internal/infrastructure/eventbus"
	"github.com/lllypuk/eventcore/internal/infrastructure/eventstore"
	"github.com/lllypuk/eventcore/tests/testutil"
)

type fakeBackends struct {
	store appcore.EventStore
	dlq   *eventbus.DeadLetterQueue
}

func (f *fakeBackends) EventStore(context.Context) (appcore.EventStore, error) { return f.store, nil }

func (f *fakeBackends) DeadLetters(context.Context) (*eventbus.DeadLetterQueue, error) {
	if f.dlq == nil {
		return nil, errRelayDisabled
	}
	return f.dlq, nil
}

func (f *fakeBackends) Close() error { return nil }

type plainStore struct{ appcore.EventStore }

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func seededStore(t *testing.T, id uuid.UUID) *eventstore.MemoryStore {
	t.Helper()
	store := eventstore.NewMemoryStore()
	require.NoError(t, store.Save(context.Background(), testutil.AccountEvents(id, 1, 3), 0))
	return store
}

func TestRun_Usage(t *testing.T) {
	b := &fakeBackends{store: eventstore.NewMemoryStore()}

	require.ErrorIs(t, run(context.Background(), nil, io.Discard, b, discard), errUsage)
	require.ErrorIs(t, run(context.Background(), []string{"migrate"}, io.Discard, b, discard), errUsage)
}

func TestRun_RenameEvent(t *testing.T) {
	// Arrange
	id := uuid.New()
	store := seededStore(t, id)
	b := &fakeBackends{store: store}

	// Act
	err := run(context.Background(),
		[]string{"rename-event", "-from", string(testutil.MoneyDeposited), "-to", "FundsAdded"},
		io.Discard, b, discard)

	// Assert
	require.NoError(t, err)
	events, err := store.Load(context.Background(), id)
	require.NoError(t, err)
	testutil.AssertEventTypes(t, events, testutil.AccountOpened, "FundsAdded", "FundsAdded")
}

func TestRun_RenameEventMissingFlag(t *testing.T) {
	b := &fakeBackends{store: eventstore.NewMemoryStore()}

	err := run(context.Background(), []string{"rename-event", "-from", "A"}, io.Discard, b, discard)

	require.ErrorIs(t, err, errMissingFlag)
}

func TestRun_NoMaintenance(t *testing.T) {
	b := &fakeBackends{store: plainStore{eventstore.NewMemoryStore()}}

	err := run(context.Background(), []string{"rename-event", "-from", "A", "-to", "B"}, io.Discard, b, discard)

	require.ErrorIs(t, err, errNoMaintenance)
}

func writeEvent(t *testing.T, e event.Event) string {
	t.Helper()
	raw, err := codec.NewJSON(nil).MarshalEvent(context.Background(), e)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "event.json")
	require.NoError(t, os.WriteFile(path, raw, 0o600))
	return path
}

func TestRun_Replace(t *testing.T) {
	// Arrange
	id := uuid.New()
	store := seededStore(t, id)
	b := &fakeBackends{store: store}

	original, err := store.Load(context.Background(), id)
	require.NoError(t, err)
	replacement := original[1]
	replacement.Data = []byte(`{"amount":99}`)
	path := writeEvent(t, replacement)

	// Act
	err = run(context.Background(), []string{"replace", "-file", path}, io.Discard, b, discard)

	// Assert
	require.NoError(t, err)
	events, err := store.Load(context.Background(), id)
	require.NoError(t, err)
	assert.JSONEq(t, `{"amount":99}`, string(events[1].Data))
	assert.Equal(t, 2, events[1].Version)
}

func TestRun_ReplaceUnknownVersion(t *testing.T) {
	id := uuid.New()
	store := seededStore(t, id)
	events, err := store.Load(context.Background(), id)
	require.NoError(t, err)
	missing := events[0]
	missing.Version = 10
	path := writeEvent(t, missing)

	err = run(context.Background(), []string{"replace", "-file", path}, io.Discard, &fakeBackends{store: store}, discard)

	assert.True(t, errs.IsNotFound(err))
}

func TestRun_ReplaceMissingFile(t *testing.T) {
	b := &fakeBackends{store: eventstore.NewMemoryStore()}

	err := run(context.Background(), []string{"replace", "-file", filepath.Join(t.TempDir(), "none.json")},
		io.Discard, b, discard)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read event file")
}

func TestRun_DeadLetters(t *testing.T) {
	// Arrange
	client, _ := testutil.SetupMiniRedis(t)
	dlq := eventbus.NewDeadLetterQueue(client, eventbus.WithDeadLetterKey("tools:dlq"))
	id := uuid.New()
	for _, e := range testutil.AccountEvents(id, 1, 2) {
		dlq.Push(context.Background(), e, "projector", errors.New("boom"))
	}
	b := &fakeBackends{dlq: dlq}
	var out bytes.Buffer

	// Act
	err := run(context.Background(), []string{"dead-letters", "-clear"}, &out, b, discard)

	// Assert
	require.NoError(t, err)
	dec := json.NewDecoder(&out)
	var entries []eventbus.DeadLetterEntry
	for dec.More() {
		var entry eventbus.DeadLetterEntry
		require.NoError(t, dec.Decode(&entry))
		entries = append(entries, entry)
	}
	require.Len(t, entries, 2)
	assert.Equal(t, "projector", entries[0].Handler)

	n, err := dlq.Len(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRun_DeadLettersDisabled(t *testing.T) {
	err := run(context.Background(), []string{"dead-letters"}, io.Discard, &fakeBackends{}, discard)

	require.ErrorIs(t, err, errRelayDisabled)
}
