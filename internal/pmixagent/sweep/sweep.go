// Package sweep implements the per-tick cleanup pass run on the reactor
// goroutine: expire stale direct modex requests, expire stalled collective
// operations, and reclaim structures marked for lazy deletion. The three
// steps are independent and each must return promptly so ticks cannot back
// up.
package sweep

import (
	"time"

	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/giovtorres/slurm-docker-cluster-sub003/internal/pmixagent/metrics"
)

type DirectExpirer interface {
	ExpireStale(now time.Time) int
}

type CollectiveExpirer interface {
	ExpireStale(now time.Time) int
}

type Reclaimer interface {
	Reclaim() int
}

// Sweeper is invoked once per timer tick, never concurrently with itself.
type Sweeper struct {
	direct      DirectExpirer
	collectives CollectiveExpirer
	reclaimer   Reclaimer
	clk         clock.Clock
}

func New(direct DirectExpirer, collectives CollectiveExpirer, reclaimer Reclaimer, clk clock.Clock) *Sweeper {
	return &Sweeper{
		direct:      direct,
		collectives: collectives,
		reclaimer:   reclaimer,
		clk:         clk,
	}
}

func (s *Sweeper) Sweep() {
	start := time.Now()
	now := s.clk.Now()

	if s.direct != nil {
		if n := s.direct.ExpireStale(now); n > 0 {
			metrics.OperationsExpired.WithLabelValues("direct_modex").Add(float64(n))
			log.Debugf("Expired %d stale direct modex requests", n)
		}
	}
	if s.collectives != nil {
		if n := s.collectives.ExpireStale(now); n > 0 {
			metrics.OperationsExpired.WithLabelValues("collective").Add(float64(n))
			log.Debugf("Expired %d stalled collective operations", n)
		}
	}
	if s.reclaimer != nil {
		if n := s.reclaimer.Reclaim(); n > 0 {
			log.Debugf("Reclaimed %d lazily deleted structures", n)
		}
	}

	metrics.SweepDuration.Observe(time.Since(start).Seconds())
}
