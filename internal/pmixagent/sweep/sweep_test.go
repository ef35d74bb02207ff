package sweep

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	clocktesting "k8s.io/utils/clock/testing"
)

type countingExpirer struct {
	calls int
	now   time.Time
}

func (e *countingExpirer) ExpireStale(now time.Time) int {
	e.calls++
	e.now = now
	return 1
}

type countingReclaimer struct {
	calls int
}

func (r *countingReclaimer) Reclaim() int {
	r.calls++
	return 0
}

func TestSweeper_RunsAllThreeStepsEveryTick(t *testing.T) {
	clk := clocktesting.NewFakeClock(time.Now())
	direct := &countingExpirer{}
	collectives := &countingExpirer{}
	reclaimer := &countingReclaimer{}
	sweeper := New(direct, collectives, reclaimer, clk)

	sweeper.Sweep()
	sweeper.Sweep()

	assert.Equal(t, 2, direct.calls)
	assert.Equal(t, 2, collectives.calls)
	assert.Equal(t, 2, reclaimer.calls)
	assert.Equal(t, clk.Now(), direct.now)
}

func TestSweeper_ToleratesMissingHooks(t *testing.T) {
	sweeper := New(nil, nil, nil, clocktesting.NewFakeClock(time.Now()))
	assert.NotPanics(t, func() { sweeper.Sweep() })
}
