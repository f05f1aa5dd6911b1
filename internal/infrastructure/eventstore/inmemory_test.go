package eventstore_test

import (
	"testing"

	"github.com/lllypuk/eventcore/internal/application/appcore"
	"github.com/lllypuk/eventcore/internal/infrastructure/eventstore"
)

func TestMemoryStore(t *testing.T) {
	runEventStoreAcceptance(t, func(*testing.T) appcore.EventStore {
		return eventstore.NewMemoryStore()
	})
}
