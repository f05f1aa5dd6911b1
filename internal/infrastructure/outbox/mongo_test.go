//go:build integration

package outbox_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lllypuk/eventcore/internal/infrastructure/mongodb"
	"github.com/lllypuk/eventcore/internal/infrastructure/outbox"
	"github.com/lllypuk/eventcore/tests/testutil"
)

func TestMongoStore(t *testing.T) {
	db := testutil.SetupTestMongoDB(t)
	require.NoError(t, mongodb.CreateCollectionIndexes(context.Background(), db, mongodb.CollectionOutbox))

	testutil.RunOutboxStoreAcceptance(t, outbox.NewMongoStore(db))
}
