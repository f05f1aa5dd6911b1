package aggregate

import (
	"time"

	"github.com/google/uuid"

	"github.com/lllypuk/eventcore/internal/domain/event"
)

// Snapshot is a cached aggregate state at Version. It is never authoritative:
// events after Version must always be replayed on top of it.
type Snapshot struct {
	AggregateID   uuid.UUID           `json:"aggregate_id"`
	AggregateType event.AggregateType `json:"aggregate_type"`
	Version       int                 `json:"version"`
	Timestamp     time.Time           `json:"timestamp"`
	State         []byte              `json:"state"`
}

// Snapshotter is implemented by aggregates whose state can be captured.
type Snapshotter interface {
	CreateSnapshot() ([]byte, error)
	ApplySnapshot(state []byte) error
}

// TakeSnapshot captures the committed state of an aggregate.
// The aggregate must not have uncommitted events.
func TakeSnapshot(a Aggregate, now time.Time) (*Snapshot, bool, error) {
	s, ok := a.(Snapshotter)
	if !ok {
		return nil, false, nil
	}
	state, err := s.CreateSnapshot()
	if err != nil {
		return nil, true, err
	}
	return &Snapshot{
		AggregateID:   a.EntityID(),
		AggregateType: a.AggregateType(),
		Version:       a.AggregateVersion(),
		Timestamp:     now.UTC(),
		State:         state,
	}, true, nil
}
