package state

import (
	"io"
	"sync"

	"github.com/giovtorres/slurm-docker-cluster-sub003/internal/common/util"
)

// LazyReclaimer collects server-side structures marked for deferred
// deletion and releases them on the next cleanup sweep.
type LazyReclaimer struct {
	mu      sync.Mutex
	pending []io.Closer
}

func NewLazyReclaimer() *LazyReclaimer {
	return &LazyReclaimer{}
}

func (r *LazyReclaimer) MarkForRemoval(c io.Closer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = append(r.pending, c)
}

func (r *LazyReclaimer) Reclaim() int {
	r.mu.Lock()
	pending := r.pending
	r.pending = nil
	r.mu.Unlock()

	for _, c := range pending {
		util.CloseResource("lazily deleted structure", c)
	}
	return len(pending)
}
