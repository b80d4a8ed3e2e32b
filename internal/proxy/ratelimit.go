package proxy

import (
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"github.com/switchyardlabs/switchyard/internal/router"
)

// routeLimiters holds one token bucket per route. Limiters are keyed
// by route id plus the limit parameters, so a reload that changes a
// route's limit gets a fresh bucket while unchanged routes keep their
// token state.
type routeLimiters struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
}

func newRouteLimiters() *routeLimiters {
	return &routeLimiters{limiters: make(map[string]*rate.Limiter)}
}

// allow reports whether the route's rate limit admits another request.
// Routes without a limit always pass.
func (l *routeLimiters) allow(route *router.Route) bool {
	if route.RateLimit.RequestsPerSecond <= 0 {
		return true
	}

	key := fmt.Sprintf("%s|%g|%d", route.ID, route.RateLimit.RequestsPerSecond, route.RateLimit.Burst)

	l.mu.RLock()
	limiter, ok := l.limiters[key]
	l.mu.RUnlock()

	if !ok {
		l.mu.Lock()
		limiter, ok = l.limiters[key]
		if !ok {
			burst := route.RateLimit.Burst
			if burst <= 0 {
				burst = int(route.RateLimit.RequestsPerSecond)
				if burst < 1 {
					burst = 1
				}
			}
			limiter = rate.NewLimiter(rate.Limit(route.RateLimit.RequestsPerSecond), burst)
			l.limiters[key] = limiter
		}
		l.mu.Unlock()
	}

	return limiter.Allow()
}
