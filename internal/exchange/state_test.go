package exchange

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConnTrackerLifecycle(t *testing.T) {
	t.Parallel()

	tr := NewConnTracker()
	assert.Equal(t, Disconnected, tr.State())

	assert.Equal(t, Connecting, tr.Connecting())
	tr.Connected()
	assert.Equal(t, Connected, tr.State())

	tr.Dropped()
	assert.Equal(t, Reconnecting, tr.State())

	// A reconnect attempt from a dropped state is RECONNECTING, not CONNECTING.
	assert.Equal(t, Reconnecting, tr.Connecting())
	tr.Connected()
	assert.Equal(t, Connected, tr.State())
	assert.Equal(t, 0, tr.Failures())
}

func TestConnTrackerFailsAfterFiveConsecutiveFailures(t *testing.T) {
	t.Parallel()

	tr := NewConnTracker()
	tr.Connecting()

	for i := 0; i < maxConsecutiveFailures-1; i++ {
		assert.False(t, tr.ConnectFailed())
		assert.Equal(t, Reconnecting, tr.State())
	}
	assert.True(t, tr.ConnectFailed())
	assert.Equal(t, Failed, tr.State())
}

func TestConnTrackerSuccessResetsFailureStreak(t *testing.T) {
	t.Parallel()

	tr := NewConnTracker()
	tr.Connecting()
	tr.ConnectFailed()
	tr.ConnectFailed()
	assert.Equal(t, 2, tr.Failures())

	tr.Connected()
	assert.Equal(t, 0, tr.Failures())

	// The streak starts over; four more failures do not trip FAILED.
	tr.Dropped()
	for i := 0; i < maxConsecutiveFailures-1; i++ {
		assert.False(t, tr.ConnectFailed())
	}
}

func TestConnStateString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "DISCONNECTED", Disconnected.String())
	assert.Equal(t, "CONNECTED", Connected.String())
	assert.Equal(t, "FAILED", Failed.String())
}
