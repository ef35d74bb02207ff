package state

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"
)

func TestDirectRequestRegistry_ExpiresStaleRequests(t *testing.T) {
	clk := clocktesting.NewFakeClock(time.Now())
	registry := NewDirectRequestRegistry(30*time.Second, clk)

	var released int32
	registry.Add("node1", func() { atomic.AddInt32(&released, 1) })
	registry.Add("node2", func() { atomic.AddInt32(&released, 1) })
	require.Equal(t, 2, registry.Len())

	assert.Equal(t, 0, registry.ExpireStale(clk.Now()))
	assert.Equal(t, int32(0), atomic.LoadInt32(&released))

	clk.Step(31 * time.Second)
	assert.Equal(t, 2, registry.ExpireStale(clk.Now()))
	assert.Equal(t, int32(2), atomic.LoadInt32(&released))
	assert.Equal(t, 0, registry.Len())
}

func TestDirectRequestRegistry_CompletedRequestsAreNotExpired(t *testing.T) {
	clk := clocktesting.NewFakeClock(time.Now())
	registry := NewDirectRequestRegistry(30*time.Second, clk)

	var released int32
	id := registry.Add("node1", func() { atomic.AddInt32(&released, 1) })
	assert.True(t, registry.Complete(id))
	assert.False(t, registry.Complete(id))

	clk.Step(time.Minute)
	assert.Equal(t, 0, registry.ExpireStale(clk.Now()))
	assert.Equal(t, int32(0), atomic.LoadInt32(&released))
}

func TestCollectiveRegistry_ExpiresOnlyPastDeadline(t *testing.T) {
	clk := clocktesting.NewFakeClock(time.Now())
	registry := NewCollectiveRegistry(time.Minute, clk)

	var released int32
	registry.Track("fence", func() { atomic.AddInt32(&released, 1) })
	clk.Step(45 * time.Second)
	fresh := registry.Track("barrier", func() { atomic.AddInt32(&released, 1) })

	clk.Step(30 * time.Second)
	assert.Equal(t, 1, registry.ExpireStale(clk.Now()))
	assert.Equal(t, int32(1), atomic.LoadInt32(&released))
	assert.Equal(t, 1, registry.Len())
	assert.True(t, registry.Finish(fresh))
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func TestLazyReclaimer_ReleasesMarkedStructures(t *testing.T) {
	reclaimer := NewLazyReclaimer()

	var closed int32
	for i := 0; i < 3; i++ {
		reclaimer.MarkForRemoval(closerFunc(func() error {
			atomic.AddInt32(&closed, 1)
			return nil
		}))
	}

	assert.Equal(t, 3, reclaimer.Reclaim())
	assert.Equal(t, int32(3), atomic.LoadInt32(&closed))
	assert.Equal(t, 0, reclaimer.Reclaim())
}
