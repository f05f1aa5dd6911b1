package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lllypuk/eventcore/internal/domain/event"
)

// AssertEventTypes checks the types of events in order.
func AssertEventTypes(t *testing.T, events []event.Event, expected ...event.Type) {
	t.Helper()

	got := make([]event.Type, len(events))
	for i, e := range events {
		got[i] = e.Type
	}
	require.Equal(t, expected, got)
}

// AssertContiguousVersions checks that events carry versions from, from+1, ...
func AssertContiguousVersions(t *testing.T, events []event.Event, from int) {
	t.Helper()

	for i, e := range events {
		require.Equal(t, from+i, e.Version, "event %d (%s)", i, e.Type)
	}
}

// AssertEventsEqual compares events ignoring store-assigned position metadata.
func AssertEventsEqual(t *testing.T, expected, actual []event.Event, opts ...event.CompareOption) {
	t.Helper()

	opts = append(opts, event.IgnorePositionMetadata())
	require.Len(t, actual, len(expected))
	for i := range expected {
		if !event.Equal(expected[i], actual[i], opts...) {
			t.Fatalf("event %d differs (-want +got):\n%s", i, event.Diff(expected[i], actual[i], opts...))
		}
	}
}

// AssertTimeApproximatelyEqual checks, that two time approximately equal
// with acceptable tolerance delta (usually time.Second or time.Millisecond)
func AssertTimeApproximatelyEqual(t *testing.T, expected, actual time.Time, delta time.Duration, msgAndArgs ...any) {
	t.Helper()

	diff := expected.Sub(actual)
	if diff < 0 {
		diff = -diff
	}

	assert.LessOrEqual(t, diff, delta, append([]any{
		"expected time %v to be within %v of %v, but difference was %v",
		actual, delta, expected, diff,
	}, msgAndArgs...)...)
}

// Eventually waits until cond holds, polling every 10ms.
func Eventually(t *testing.T, cond func() bool, timeout time.Duration, msgAndArgs ...any) {
	t.Helper()

	require.Eventually(t, cond, timeout, 10*time.Millisecond, msgAndArgs...)
}
