//go:build integration

package mongodb_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/lllypuk/eventcore/internal/infrastructure/mongodb"
	"github.com/lllypuk/eventcore/tests/testutil"
)

func getCollectionIndexes(ctx context.Context, t *testing.T, db *mongo.Database, collName string) []bson.M {
	t.Helper()

	cursor, err := db.Collection(collName).Indexes().List(ctx)
	require.NoError(t, err)

	var indexes []bson.M
	require.NoError(t, cursor.All(ctx, &indexes))
	return indexes
}

func TestCreateAllIndexes_Idempotent(t *testing.T) {
	db := testutil.SetupTestMongoDB(t)
	ctx := context.Background()

	require.NoError(t, mongodb.CreateAllIndexes(ctx, db))
	require.NoError(t, mongodb.EnsureIndexes(ctx, db))

	for _, coll := range []string{mongodb.CollectionEvents, mongodb.CollectionOutbox, mongodb.CollectionSnapshots} {
		assert.GreaterOrEqual(t, len(getCollectionIndexes(ctx, t, db, coll)), 2, "collection %s", coll)
	}
}

func TestCreateCollectionIndexes_UnknownCollection(t *testing.T) {
	db := testutil.SetupTestMongoDB(t)

	err := mongodb.CreateCollectionIndexes(context.Background(), db, "unknown_collection")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown collection")
}

func TestIndexesIntegration_UniqueVersion(t *testing.T) {
	db := testutil.SetupTestMongoDB(t)
	ctx := context.Background()
	require.NoError(t, mongodb.CreateCollectionIndexes(ctx, db, mongodb.CollectionEvents))

	events := db.Collection(mongodb.CollectionEvents)
	_, err := events.InsertOne(ctx, bson.M{"aggregate_id": "a", "version": 1})
	require.NoError(t, err)

	_, err = events.InsertOne(ctx, bson.M{"aggregate_id": "a", "version": 1})

	require.Error(t, err, "should fail due to unique constraint")
	assert.True(t, mongo.IsDuplicateKeyError(err))
}
