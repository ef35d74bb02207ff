package state

import (
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"
)

type collective struct {
	kind     string
	deadline time.Time
	release  func()
}

// CollectiveRegistry tracks in-flight collective operations. Collectives
// whose participants stall past the deadline are expired on the next
// cleanup sweep, releasing their resources through the registered hook.
type CollectiveRegistry struct {
	mu          sync.Mutex
	timeout     time.Duration
	clk         clock.Clock
	collectives map[uuid.UUID]*collective
}

func NewCollectiveRegistry(timeout time.Duration, clk clock.Clock) *CollectiveRegistry {
	return &CollectiveRegistry{
		timeout:     timeout,
		clk:         clk,
		collectives: map[uuid.UUID]*collective{},
	}
}

func (r *CollectiveRegistry) Track(kind string, release func()) uuid.UUID {
	id := uuid.New()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.collectives[id] = &collective{
		kind:     kind,
		deadline: r.clk.Now().Add(r.timeout),
		release:  release,
	}
	return id
}

func (r *CollectiveRegistry) Finish(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.collectives[id]; !ok {
		return false
	}
	delete(r.collectives, id)
	return true
}

func (r *CollectiveRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.collectives)
}

func (r *CollectiveRegistry) ExpireStale(now time.Time) int {
	r.mu.Lock()
	var expired []*collective
	for id, coll := range r.collectives {
		if now.After(coll.deadline) {
			expired = append(expired, coll)
			delete(r.collectives, id)
		}
	}
	r.mu.Unlock()

	for _, coll := range expired {
		log.Warnf("Collective operation %s timed out, releasing its resources", coll.kind)
		if coll.release != nil {
			coll.release()
		}
	}
	return len(expired)
}
