package middleware

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/switchyardlabs/switchyard/internal/shared/cache"
	"github.com/switchyardlabs/switchyard/internal/shared/errors"
	"github.com/switchyardlabs/switchyard/internal/shared/logger"
)

// RateLimiter applies a per-client token bucket in front of the
// dispatcher. Route-level limits are enforced separately after
// resolution; this guards the gateway itself.
type RateLimiter struct {
	mu           sync.Mutex
	limiters     map[string]*clientLimiter
	rate         rate.Limit
	burst        int
	cleanupEvery time.Duration
	stopCleanup  chan struct{}
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a per-client rate limiter.
func NewRateLimiter(requestsPerSecond float64, burstSize int) *RateLimiter {
	rl := &RateLimiter{
		limiters:     make(map[string]*clientLimiter),
		rate:         rate.Limit(requestsPerSecond),
		burst:        burstSize,
		cleanupEvery: time.Minute,
		stopCleanup:  make(chan struct{}),
	}

	go rl.cleanup()

	return rl
}

// Allow checks if a request should be allowed for the given key.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	limiter, exists := rl.limiters[key]
	if !exists {
		limiter = &clientLimiter{
			limiter: rate.NewLimiter(rl.rate, rl.burst),
		}
		rl.limiters[key] = limiter
	}
	limiter.lastSeen = time.Now()
	rl.mu.Unlock()

	return limiter.limiter.Allow()
}

func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(rl.cleanupEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.mu.Lock()
			for key, limiter := range rl.limiters {
				if time.Since(limiter.lastSeen) > 3*time.Minute {
					delete(rl.limiters, key)
				}
			}
			rl.mu.Unlock()
		case <-rl.stopCleanup:
			return
		}
	}
}

// Stop stops the cleanup goroutine.
func (rl *RateLimiter) Stop() {
	close(rl.stopCleanup)
}

// Middleware returns HTTP middleware that rate limits by client IP.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(ClientIP(r)) {
			writeRateLimitError(w)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// DistributedRateLimiter enforces a limit shared across gateway
// instances through Redis. When Redis is unreachable it fails open:
// blocking all traffic on a cache outage is worse than briefly
// exceeding the limit.
type DistributedRateLimiter struct {
	client *cache.Client
	limit  int64
	window time.Duration
	log    *logger.Logger
}

// NewDistributedRateLimiter creates a Redis-backed limiter.
func NewDistributedRateLimiter(client *cache.Client, limit int64, window time.Duration) *DistributedRateLimiter {
	return &DistributedRateLimiter{
		client: client,
		limit:  limit,
		window: window,
		log:    logger.Default().WithComponent("ratelimit"),
	}
}

// Middleware returns HTTP middleware applying the shared limit.
func (d *DistributedRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, _, err := d.client.CheckRateLimit(r.Context(), cache.RateLimitConfig{
			Key:    ClientIP(r),
			Limit:  d.limit,
			Window: d.window,
		})
		if err != nil {
			d.log.Warn("rate limit check failed, allowing request", "error", err)
			next.ServeHTTP(w, r)
			return
		}
		if !allowed {
			writeRateLimitError(w)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// ClientIP extracts the client address, preferring forwarding headers.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		if len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

func writeRateLimitError(w http.ResponseWriter) {
	w.Header().Set("Retry-After", "60")
	errors.RateLimited("too many requests").WriteHTTP(w)
}
