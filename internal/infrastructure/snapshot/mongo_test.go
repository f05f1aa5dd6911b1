//go:build integration

package snapshot_test

import (
	"testing"

	"github.com/lllypuk/eventcore/internal/infrastructure/snapshot"
	"github.com/lllypuk/eventcore/tests/testutil"
)

func TestMongoStore(t *testing.T) {
	db := testutil.SetupTestMongoDB(t)
	runSnapshotStoreAcceptance(t, snapshot.NewMongoStore(db))
}
