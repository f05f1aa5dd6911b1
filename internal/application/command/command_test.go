package command_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lllypuk/eventcore/internal/application/command"
	"github.com/lllypuk/eventcore/internal/application/repository"
	"github.com/lllypuk/eventcore/internal/domain/aggregate"
	"github.com/lllypuk/eventcore/internal/domain/errs"
	"github.com/lllypuk/eventcore/internal/infrastructure/eventstore"
	"github.com/lllypuk/eventcore/tests/testutil"
)

func newHandler() (*command.AggregateHandler, *eventstore.MemoryStore) {
	store := eventstore.NewMemoryStore()
	repo := repository.NewEventSourced(store, testutil.AccountRegistry())
	return command.NewAggregateHandler(repo), store
}

func TestAggregateHandler_CreatesAndUpdates(t *testing.T) {
	// Arrange
	ctx := context.Background()
	h, store := newHandler()
	id := uuid.New()

	// Act
	require.NoError(t, h.HandleCommand(ctx, &testutil.OpenAccount{ID: id, Owner: "alice"}))
	require.NoError(t, h.HandleCommand(ctx, &testutil.Deposit{ID: id, Amount: 50}))
	require.NoError(t, h.HandleCommand(ctx, &testutil.Withdraw{ID: id, Amount: 20}))

	// Assert
	events, err := store.Load(ctx, id)
	require.NoError(t, err)
	testutil.AssertEventTypes(t, events,
		testutil.AccountOpened, testutil.MoneyDeposited, testutil.MoneyWithdrawn)
	testutil.AssertContiguousVersions(t, events, 1)
}

func TestAggregateHandler_ValidatesCommand(t *testing.T) {
	h, _ := newHandler()

	err := h.HandleCommand(context.Background(), &testutil.Deposit{Amount: 5})
	require.ErrorIs(t, err, errs.ErrMissingAggregateID)

	err = h.HandleCommand(context.Background(), &testutil.Deposit{ID: uuid.New()})
	var fieldErr *errs.MissingFieldError
	require.ErrorAs(t, err, &fieldErr)
	assert.Equal(t, "Amount", fieldErr.Field)
}

func TestAggregateHandler_WrapsDomainErrors(t *testing.T) {
	// Arrange
	ctx := context.Background()
	h, store := newHandler()
	id := uuid.New()
	require.NoError(t, h.HandleCommand(ctx, &testutil.OpenAccount{ID: id, Owner: "alice"}))

	// Act
	err := h.HandleCommand(ctx, &testutil.Withdraw{ID: id, Amount: 1})

	// Assert
	var handlingErr *errs.HandlingError
	require.ErrorAs(t, err, &handlingErr)
	assert.Equal(t, string(testutil.AccountType), handlingErr.Handler)
	require.ErrorIs(t, err, testutil.ErrInsufficientFunds)

	version, err := store.LastVersion(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, version)
}

func TestHandlerFunc(t *testing.T) {
	var got aggregate.Command
	h := command.HandlerFunc(func(_ context.Context, cmd aggregate.Command) error {
		got = cmd
		return nil
	})
	cmd := &testutil.Deposit{ID: uuid.New(), Amount: 1}

	require.NoError(t, h.HandleCommand(context.Background(), cmd))
	assert.Same(t, cmd, got)
}
