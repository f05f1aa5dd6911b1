//go:build integration

package eventbus_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lllypuk/eventcore/internal/application/appcore"
	"github.com/lllypuk/eventcore/internal/domain/event"
	"github.com/lllypuk/eventcore/internal/infrastructure/codec"
	"github.com/lllypuk/eventcore/internal/infrastructure/eventbus"
	"github.com/lllypuk/eventcore/tests/testutil"
)

func TestRedisRelay_RealServer(t *testing.T) {
	// Arrange
	ctx := testutil.NewTestContext(t)
	client, prefix := testutil.SetupTestRedis(t)
	c := codec.NewJSON(appcore.NewContextCodec())

	bus := eventbus.NewEventBus()
	t.Cleanup(func() { _ = bus.Close() })
	h := &collector{name: "remote"}
	require.NoError(t, bus.AddHandler(event.MatchAll{}, h))

	sub := eventbus.NewRedisSubscriber(client, c, bus.Synchronous(), eventbus.WithChannelPrefix(prefix))
	startSubscriber(t, sub, func() int {
		n, err := client.PubSubNumPat(ctx).Result()
		if err != nil {
			return 0
		}
		return int(n)
	})

	pub := eventbus.NewRedisPublisher(client, c, prefix, nil)
	events := testutil.AccountEvents(uuid.New(), 1, 3)

	// Act
	for _, e := range events {
		require.NoError(t, pub.HandleEvent(appcore.WithCorrelationID(ctx, "corr-1"), e))
	}

	// Assert
	testutil.Eventually(t, func() bool { return len(h.received()) == 3 }, relayTimeout)
	testutil.AssertEventsEqual(t, events, h.received())

	h.mu.Lock()
	correlationID, err := appcore.GetCorrelationID(h.ctxs[2])
	h.mu.Unlock()
	require.NoError(t, err)
	assert.Equal(t, "corr-1", correlationID)
}
