package proxy

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/switchyardlabs/switchyard/internal/router"
)

func TestLRUCache_RoundTrip(t *testing.T) {
	c := NewLRUCache(8, time.Minute)

	_, ok := c.Get("users", "/a")
	assert.False(t, ok)

	c.Set("users", "/a", &CachedResponse{Status: 200, Body: []byte("hi")}, 0)

	got, ok := c.Get("users", "/a")
	require.True(t, ok)
	assert.Equal(t, 200, got.Status)
	assert.Equal(t, []byte("hi"), got.Body)

	// Same key under a different route is a separate entry.
	_, ok = c.Get("catalog", "/a")
	assert.False(t, ok)
}

func TestLRUCache_PerRouteTTL(t *testing.T) {
	c := NewLRUCache(8, time.Minute)

	c.Set("users", "/short", &CachedResponse{Status: 200}, 10*time.Millisecond)

	_, ok := c.Get("users", "/short")
	assert.True(t, ok)

	time.Sleep(25 * time.Millisecond)
	_, ok = c.Get("users", "/short")
	assert.False(t, ok, "route TTL shorter than the default should expire the entry")
}

func TestLRUCache_Purge(t *testing.T) {
	c := NewLRUCache(8, time.Minute)
	c.Set("users", "/a", &CachedResponse{Status: 200}, 0)
	c.Set("users", "/b", &CachedResponse{Status: 200}, 0)
	require.Equal(t, 2, c.Len())

	c.Purge()
	assert.Equal(t, 0, c.Len())
}

func TestRouteLimiters_Disabled(t *testing.T) {
	l := newRouteLimiters()
	route := &router.Route{ID: "open"}

	for i := 0; i < 100; i++ {
		assert.True(t, l.allow(route))
	}
}

func TestRouteLimiters_EnforcesBurst(t *testing.T) {
	l := newRouteLimiters()
	route := &router.Route{
		ID:        "limited",
		RateLimit: router.RateLimitPolicy{RequestsPerSecond: 1, Burst: 2},
	}

	assert.True(t, l.allow(route))
	assert.True(t, l.allow(route))
	assert.False(t, l.allow(route))
}

func TestRouteLimiters_SeparatePerRoute(t *testing.T) {
	l := newRouteLimiters()
	a := &router.Route{ID: "a", RateLimit: router.RateLimitPolicy{RequestsPerSecond: 1, Burst: 1}}
	b := &router.Route{ID: "b", RateLimit: router.RateLimitPolicy{RequestsPerSecond: 1, Burst: 1}}

	assert.True(t, l.allow(a))
	assert.False(t, l.allow(a))
	assert.True(t, l.allow(b))
}

func TestCacheKey(t *testing.T) {
	req, _ := http.NewRequest("GET", "http://gw/api/items?page=2", nil)
	assert.Equal(t, "/api/items?page=2", cacheKey(req))

	req, _ = http.NewRequest("GET", "http://gw/api/items", nil)
	assert.Equal(t, "/api/items", cacheKey(req))
}
