// Package router provides the immutable route table consulted on every
// request. A Table is built once per configuration snapshot and never
// mutated after publication, which buys lock-free concurrent reads.
package router

import (
	"strings"
	"time"

	"github.com/switchyardlabs/switchyard/internal/shared/errors"
)

// RetryPolicy bounds how a failed upstream call may be retried.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// RetryNonIdempotent opts a route into retrying POST/PATCH.
	// Off by default: replaying non-idempotent requests is unsafe.
	RetryNonIdempotent bool
}

// CachePolicy enables response caching for GET requests on a route.
type CachePolicy struct {
	Enabled bool
	TTL     time.Duration
}

// RateLimitPolicy is a per-route token bucket configuration.
type RateLimitPolicy struct {
	RequestsPerSecond float64
	Burst             int
}

// Route is a single routing rule. Immutable once published.
type Route struct {
	ID   string
	Name string

	// Matching criteria
	Host    string // exact, "*", or "*.suffix"; empty matches any host
	Path    string // path prefix, or exact when Exact is set
	Exact   bool
	Methods []string // empty matches all methods

	// Target configuration
	UpstreamID  string
	StripPrefix bool

	// Policy
	AuthDisabled   bool // route is public (e.g. health probes behind the gateway)
	RequiredScopes []string
	Timeout        time.Duration
	Retry          RetryPolicy
	RateLimit      RateLimitPolicy
	Cache          CachePolicy

	// order is the declaration index, the stable tie-break key.
	order int
}

// Table is a lookup-optimized, immutable set of routes.
type Table struct {
	routes []*Route
}

// NewTable builds a Table preserving declaration order.
func NewTable(routes []*Route) *Table {
	for i, r := range routes {
		r.order = i
	}
	return &Table{routes: routes}
}

// Len returns the number of routes in the table.
func (t *Table) Len() int {
	return len(t.routes)
}

// Routes returns the routes in declaration order.
func (t *Table) Routes() []*Route {
	return t.routes
}

// Resolve finds the route for (host, path, method). Among routes whose
// host pattern and method set match, the longest matching path pattern
// wins; equal-length ties go to the route declared first. A miss is a
// normal outcome and maps to 404.
func (t *Table) Resolve(host, path, method string) (*Route, error) {
	var best *Route
	bestLen := -1

	for _, route := range t.routes {
		if !matchHost(host, route.Host) {
			continue
		}
		if !matchMethod(method, route.Methods) {
			continue
		}
		if !matchPath(path, route.Path, route.Exact) {
			continue
		}

		l := len(route.Path)
		if l > bestLen || (l == bestLen && route.order < best.order) {
			best = route
			bestLen = l
		}
	}

	if best == nil {
		return nil, errors.RouteNotFound("no matching route found")
	}
	return best, nil
}

// matchHost checks if a host matches a pattern (supports wildcard prefix).
func matchHost(host, pattern string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}

	if colonIdx := strings.Index(host, ":"); colonIdx != -1 {
		host = host[:colonIdx]
	}

	if strings.HasPrefix(pattern, "*.") {
		// Wildcard subdomain match
		suffix := pattern[1:] // keep the leading dot
		return strings.HasSuffix(host, suffix) || strings.EqualFold(host, pattern[2:])
	}

	return strings.EqualFold(host, pattern)
}

func matchMethod(method string, methods []string) bool {
	if len(methods) == 0 {
		return true
	}
	for _, m := range methods {
		if strings.EqualFold(method, m) {
			return true
		}
	}
	return false
}

// matchPath checks if a path matches a pattern. Prefix patterns match
// on path-segment boundaries so /api does not capture /apiary.
func matchPath(path, pattern string, exact bool) bool {
	if path == pattern {
		return true
	}
	if exact {
		return false
	}

	if strings.HasSuffix(pattern, "/") {
		return strings.HasPrefix(path, pattern)
	}
	return strings.HasPrefix(path, pattern+"/")
}

// StripRoutePrefix removes the route's matched prefix from a path,
// leaving at least "/".
func StripRoutePrefix(path string, route *Route) string {
	if !route.StripPrefix || route.Exact {
		return path
	}
	stripped := strings.TrimPrefix(path, strings.TrimSuffix(route.Path, "/"))
	if stripped == "" {
		return "/"
	}
	return stripped
}
