package resolver

import (
	"context"
	"net"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
)

// Resolver resolves node hostnames with a bounded timeout and caches
// successful results. Daemons on large clusters resolve the same node
// names on every peer exchange; the cache keeps that off the DNS path.
type Resolver struct {
	cache   *cache.Cache
	timeout time.Duration
}

func New(ttl time.Duration, timeout time.Duration) *Resolver {
	return &Resolver{
		cache:   cache.New(ttl, ttl),
		timeout: timeout,
	}
}

func (r *Resolver) LookupHost(name string) ([]string, error) {
	if cached, ok := r.cache.Get(name); ok {
		return cached.([]string), nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	addrs, err := net.DefaultResolver.LookupHost(ctx, name)
	if err != nil {
		// Negative results are not cached: a node may simply not have
		// registered in DNS yet.
		return nil, errors.Wrapf(err, "resolving host %q", name)
	}
	r.cache.Set(name, addrs, cache.DefaultExpiration)
	return addrs, nil
}
