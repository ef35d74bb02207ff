// Package state tracks in-flight protocol operations that carry a deadline:
// direct modex requests and collective operations. The registries never own
// the resources behind an operation; expiry hands them back through the
// release hook supplied at registration.
package state

import (
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"
)

type directRequest struct {
	peer     string
	deadline time.Time
	release  func()
}

// DirectRequestRegistry tracks pending direct modex requests. Requests not
// completed before their deadline are expired on the next cleanup sweep.
type DirectRequestRegistry struct {
	mu       sync.Mutex
	timeout  time.Duration
	clk      clock.Clock
	requests map[uuid.UUID]*directRequest
}

func NewDirectRequestRegistry(timeout time.Duration, clk clock.Clock) *DirectRequestRegistry {
	return &DirectRequestRegistry{
		timeout:  timeout,
		clk:      clk,
		requests: map[uuid.UUID]*directRequest{},
	}
}

// Add registers a pending request towards peer. The release hook is invoked
// if the request expires; it must not block.
func (r *DirectRequestRegistry) Add(peer string, release func()) uuid.UUID {
	id := uuid.New()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests[id] = &directRequest{
		peer:     peer,
		deadline: r.clk.Now().Add(r.timeout),
		release:  release,
	}
	return id
}

// Complete removes a request that finished in time. Returns false if the
// request was unknown (already expired or never registered).
func (r *DirectRequestRegistry) Complete(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.requests[id]; !ok {
		return false
	}
	delete(r.requests, id)
	return true
}

func (r *DirectRequestRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}

// ExpireStale releases every request whose deadline has passed and returns
// the number expired.
func (r *DirectRequestRegistry) ExpireStale(now time.Time) int {
	expired := r.collectExpired(now)
	for _, req := range expired {
		log.Warnf("Direct modex request to %s timed out", req.peer)
		if req.release != nil {
			req.release()
		}
	}
	return len(expired)
}

func (r *DirectRequestRegistry) collectExpired(now time.Time) []*directRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	var expired []*directRequest
	for id, req := range r.requests {
		if now.After(req.deadline) {
			expired = append(expired, req)
			delete(r.requests, id)
		}
	}
	return expired
}
