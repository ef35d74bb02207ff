package timer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestTicker_DeliversPeriodicTicks(t *testing.T) {
	channels, err := NewChannels()
	require.NoError(t, err)
	defer channels.Close()

	ticker := StartTicker(channels, 50*time.Millisecond)
	time.Sleep(500 * time.Millisecond)
	ticker.Stop()

	ticks, closed := Drain(channels.WorkReadFd())
	assert.False(t, closed)
	// ~10 expected; generous bounds against scheduler noise.
	assert.GreaterOrEqual(t, ticks, 5)
	assert.LessOrEqual(t, ticks, 15)
}

func TestTicker_StopsWithinOnePollingInterval(t *testing.T) {
	channels, err := NewChannels()
	require.NoError(t, err)
	defer channels.Close()

	ticker := StartTicker(channels, 10*time.Second)
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	ticker.Stop()
	assert.Less(t, time.Since(start), time.Second)
}

func TestDrain_CoalescesPendingTicks(t *testing.T) {
	fds := make([]int, 2)
	require.NoError(t, unix.Pipe(fds))
	require.NoError(t, unix.SetNonblock(fds[0], true))
	defer unix.Close(fds[0])

	for i := 0; i < 3; i++ {
		_, err := unix.Write(fds[1], []byte{1})
		require.NoError(t, err)
	}

	ticks, closed := Drain(fds[0])
	assert.Equal(t, 3, ticks)
	assert.False(t, closed)

	ticks, closed = Drain(fds[0])
	assert.Equal(t, 0, ticks)
	assert.False(t, closed)
}

func TestDrain_ReportsClosedChannel(t *testing.T) {
	fds := make([]int, 2)
	require.NoError(t, unix.Pipe(fds))
	require.NoError(t, unix.SetNonblock(fds[0], true))
	defer unix.Close(fds[0])

	require.NoError(t, unix.Close(fds[1]))
	_, closed := Drain(fds[0])
	assert.True(t, closed)
}

func TestChannels_CloseIsIdempotent(t *testing.T) {
	channels, err := NewChannels()
	require.NoError(t, err)
	require.NoError(t, channels.Close())
	require.NoError(t, channels.Close())
}

func TestChannels_CloseSkipsDetachedWorkReadEnd(t *testing.T) {
	channels, err := NewChannels()
	require.NoError(t, err)

	workRead := channels.DetachWorkRead()
	require.NoError(t, channels.Close())

	// The detached descriptor must still be usable after Close.
	require.NoError(t, unix.SetNonblock(workRead, true))
	require.NoError(t, unix.Close(workRead))
}
