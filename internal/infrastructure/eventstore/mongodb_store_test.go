//go:build integration

package eventstore_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lllypuk/eventcore/internal/application/appcore"
	"github.com/lllypuk/eventcore/internal/infrastructure/eventstore"
	"github.com/lllypuk/eventcore/internal/infrastructure/mongodb"
	"github.com/lllypuk/eventcore/tests/testutil"
)

func TestMongoStore(t *testing.T) {
	runEventStoreAcceptance(t, func(t *testing.T) appcore.EventStore {
		client, db := testutil.SetupTestMongoDBWithClient(t)
		require.NoError(t, mongodb.CreateAllIndexes(context.Background(), db))
		return eventstore.NewMongoStore(client, db.Name())
	})
}
