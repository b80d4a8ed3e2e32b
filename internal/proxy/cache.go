package proxy

import (
	"net/http"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// CachedResponse is a stored upstream response.
type CachedResponse struct {
	Status    int
	Header    http.Header
	Body      []byte
	ExpiresAt time.Time
}

// ResponseCache stores responses for routes with caching enabled.
type ResponseCache interface {
	Get(routeID, key string) (*CachedResponse, bool)
	Set(routeID, key string, resp *CachedResponse, ttl time.Duration)
}

// LRUCache is an in-memory ResponseCache with a global size bound and
// a default TTL. Per-route TTLs shorter than the default are honored
// via the entry's expiry time.
type LRUCache struct {
	entries    *expirable.LRU[string, *CachedResponse]
	defaultTTL time.Duration
}

// NewLRUCache creates a cache holding at most size responses.
func NewLRUCache(size int, defaultTTL time.Duration) *LRUCache {
	if size <= 0 {
		size = 1024
	}
	if defaultTTL <= 0 {
		defaultTTL = time.Minute
	}
	return &LRUCache{
		entries:    expirable.NewLRU[string, *CachedResponse](size, nil, defaultTTL),
		defaultTTL: defaultTTL,
	}
}

// Get returns a cached response if present and not expired.
func (c *LRUCache) Get(routeID, key string) (*CachedResponse, bool) {
	resp, ok := c.entries.Get(routeID + "\x00" + key)
	if !ok {
		return nil, false
	}
	if !resp.ExpiresAt.IsZero() && time.Now().After(resp.ExpiresAt) {
		c.entries.Remove(routeID + "\x00" + key)
		return nil, false
	}
	return resp, true
}

// Set stores a response. A zero ttl uses the cache default.
func (c *LRUCache) Set(routeID, key string, resp *CachedResponse, ttl time.Duration) {
	if ttl > 0 && ttl < c.defaultTTL {
		resp.ExpiresAt = time.Now().Add(ttl)
	}
	c.entries.Add(routeID+"\x00"+key, resp)
}

// Purge drops all cached responses. Called on config reload so stale
// route policies never serve old bodies.
func (c *LRUCache) Purge() {
	c.entries.Purge()
}

// Len returns the number of cached responses.
func (c *LRUCache) Len() int {
	return c.entries.Len()
}
