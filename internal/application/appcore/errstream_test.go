package appcore_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lllypuk/eventcore/internal/application/appcore"
)

func drain(ch <-chan error) []error {
	var out []error
	for err := range ch {
		out = append(out, err)
	}
	return out
}

func TestErrorStream_BroadcastsToAllSubscribers(t *testing.T) {
	// Arrange
	stream := appcore.NewErrorStream(4)
	first := stream.Subscribe()
	second := stream.Subscribe()
	errBoom := errors.New("boom")

	// Act
	stream.Publish(errBoom)
	stream.Publish(nil)
	stream.Close()

	// Assert
	assert.Equal(t, []error{errBoom}, drain(first))
	assert.Equal(t, []error{errBoom}, drain(second))
}

func TestErrorStream_DropsOldestWhenFull(t *testing.T) {
	// Arrange
	stream := appcore.NewErrorStream(2)
	sub := stream.Subscribe()

	// Act
	for i := range 5 {
		stream.Publish(fmt.Errorf("err %d", i))
	}
	stream.Close()

	// Assert
	got := drain(sub)
	require.Len(t, got, 2)
	assert.EqualError(t, got[0], "err 3")
	assert.EqualError(t, got[1], "err 4")
}

func TestErrorStream_PublishWithoutSubscribersNeverBlocks(t *testing.T) {
	stream := appcore.NewErrorStream(1)

	for range 100 {
		stream.Publish(errors.New("ignored"))
	}
	stream.Close()
	stream.Close()

	_, ok := <-stream.Subscribe()
	assert.False(t, ok, "subscribing after close returns a closed channel")
}
