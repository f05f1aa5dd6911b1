package appcore

import (
	"context"

	"github.com/google/uuid"

	"github.com/lllypuk/eventcore/internal/domain/aggregate"
)

// SnapshotStore keeps the latest snapshot per aggregate.
type SnapshotStore interface {
	// LoadSnapshot returns nil without an error when no snapshot exists.
	LoadSnapshot(ctx context.Context, id uuid.UUID) (*aggregate.Snapshot, error)

	// SaveSnapshot replaces any earlier snapshot of the same aggregate.
	SaveSnapshot(ctx context.Context, snapshot aggregate.Snapshot) error
}
