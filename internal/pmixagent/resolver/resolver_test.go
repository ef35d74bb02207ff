package resolver

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolver_ResolvesAndCachesLocalhost(t *testing.T) {
	r := New(time.Minute, 5*time.Second)

	addrs, err := r.LookupHost("localhost")
	require.NoError(t, err)
	require.NotEmpty(t, addrs)

	cached, ok := r.cache.Get("localhost")
	require.True(t, ok)
	assert.Equal(t, addrs, cached)
}

func TestResolver_DoesNotCacheFailures(t *testing.T) {
	r := New(time.Minute, time.Second)

	_, err := r.LookupHost("no-such-host.invalid")
	assert.Error(t, err)

	_, ok := r.cache.Get("no-such-host.invalid")
	assert.False(t, ok)
}
