package metrics

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// shardCount trades memory for write concurrency; requests only ever
// lock one shard, and shards merge lazily on Report.
const shardCount = 32

// LatencyBuckets are the histogram upper bounds, in milliseconds.
var LatencyBuckets = [...]float64{1, 2.5, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000}

// RouteKey identifies a per-route counter series.
type RouteKey struct {
	RouteID     string
	StatusClass string
}

// routeCounters accumulates one (route, status class) series.
type routeCounters struct {
	count      uint64
	latencySum time.Duration
	buckets    [len(LatencyBuckets) + 1]uint64 // +1 for +Inf
}

// upstreamCounters accumulates one (upstream, status class) series.
type upstreamCounters struct {
	count  uint64
	errors uint64
}

type shard struct {
	mu        sync.Mutex
	routes    map[RouteKey]*routeCounters
	upstreams map[RouteKey]*upstreamCounters
}

// Aggregator is a write-mostly, sharded metrics accumulator. Record
// touches a single shard under a shard-local mutex; Report merges the
// shards, which is rare and bounded.
type Aggregator struct {
	shards [shardCount]*shard
	next   atomic.Uint64
}

// NewAggregator creates an empty aggregator.
func NewAggregator() *Aggregator {
	a := &Aggregator{}
	for i := range a.shards {
		a.shards[i] = &shard{
			routes:    make(map[RouteKey]*routeCounters),
			upstreams: make(map[RouteKey]*upstreamCounters),
		}
	}
	return a
}

// StatusClass buckets an HTTP status code ("2xx", "4xx", ...).
// A zero status (no response produced) counts as 5xx.
func StatusClass(status int) string {
	switch {
	case status >= 100 && status < 200:
		return "1xx"
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

func (a *Aggregator) shard() *shard {
	return a.shards[a.next.Add(1)%shardCount]
}

// RecordRequest records a completed request for a route.
func (a *Aggregator) RecordRequest(routeID string, status int, latency time.Duration) {
	key := RouteKey{RouteID: routeID, StatusClass: StatusClass(status)}

	s := a.shard()
	s.mu.Lock()
	c, ok := s.routes[key]
	if !ok {
		c = &routeCounters{}
		s.routes[key] = c
	}
	c.count++
	c.latencySum += latency
	c.buckets[bucketIndex(latency)]++
	s.mu.Unlock()
}

// RecordUpstream records the outcome of a single upstream attempt.
func (a *Aggregator) RecordUpstream(upstreamID string, status int, failed bool) {
	key := RouteKey{RouteID: upstreamID, StatusClass: StatusClass(status)}

	s := a.shard()
	s.mu.Lock()
	c, ok := s.upstreams[key]
	if !ok {
		c = &upstreamCounters{}
		s.upstreams[key] = c
	}
	c.count++
	if failed {
		c.errors++
	}
	s.mu.Unlock()
}

func bucketIndex(latency time.Duration) int {
	ms := float64(latency) / float64(time.Millisecond)
	for i, bound := range LatencyBuckets {
		if ms <= bound {
			return i
		}
	}
	return len(LatencyBuckets)
}

// RouteSeries is a merged (route, status class) series.
type RouteSeries struct {
	RouteID      string   `json:"route_id"`
	StatusClass  string   `json:"status_class"`
	Count        uint64   `json:"count"`
	LatencySumMs float64  `json:"latency_sum_ms"`
	Buckets      []uint64 `json:"latency_buckets"`
}

// UpstreamSeries is a merged (upstream, status class) series.
type UpstreamSeries struct {
	UpstreamID  string `json:"upstream_id"`
	StatusClass string `json:"status_class"`
	Count       uint64 `json:"count"`
	Errors      uint64 `json:"errors"`
}

// Report is a point-in-time merged view of all shards.
type Report struct {
	GeneratedAt time.Time                   `json:"generated_at"`
	Routes      map[RouteKey]RouteSeries    `json:"-"`
	Upstreams   map[RouteKey]UpstreamSeries `json:"-"`

	RouteSeries    []RouteSeries    `json:"routes"`
	UpstreamSeries []UpstreamSeries `json:"upstreams"`
}

// TotalForRoute sums counts across status classes for a route.
func (r *Report) TotalForRoute(routeID string) uint64 {
	var total uint64
	for key, series := range r.Routes {
		if key.RouteID == routeID {
			total += series.Count
		}
	}
	return total
}

// Report merges all shards into a consistent-enough snapshot. Writers
// are only blocked one shard at a time.
func (a *Aggregator) Report() *Report {
	report := &Report{
		GeneratedAt: time.Now().UTC(),
		Routes:      make(map[RouteKey]RouteSeries),
		Upstreams:   make(map[RouteKey]UpstreamSeries),
	}

	for _, s := range a.shards {
		s.mu.Lock()
		for key, c := range s.routes {
			merged := report.Routes[key]
			merged.RouteID = key.RouteID
			merged.StatusClass = key.StatusClass
			merged.Count += c.count
			merged.LatencySumMs += float64(c.latencySum) / float64(time.Millisecond)
			if merged.Buckets == nil {
				merged.Buckets = make([]uint64, len(c.buckets))
			}
			for i, b := range c.buckets {
				merged.Buckets[i] += b
			}
			report.Routes[key] = merged
		}
		for key, c := range s.upstreams {
			merged := report.Upstreams[key]
			merged.UpstreamID = key.RouteID
			merged.StatusClass = key.StatusClass
			merged.Count += c.count
			merged.Errors += c.errors
			report.Upstreams[key] = merged
		}
		s.mu.Unlock()
	}

	report.RouteSeries = make([]RouteSeries, 0, len(report.Routes))
	for _, series := range report.Routes {
		report.RouteSeries = append(report.RouteSeries, series)
	}
	sort.Slice(report.RouteSeries, func(i, j int) bool {
		a, b := report.RouteSeries[i], report.RouteSeries[j]
		if a.RouteID != b.RouteID {
			return a.RouteID < b.RouteID
		}
		return a.StatusClass < b.StatusClass
	})

	report.UpstreamSeries = make([]UpstreamSeries, 0, len(report.Upstreams))
	for _, series := range report.Upstreams {
		report.UpstreamSeries = append(report.UpstreamSeries, series)
	}
	sort.Slice(report.UpstreamSeries, func(i, j int) bool {
		a, b := report.UpstreamSeries[i], report.UpstreamSeries[j]
		if a.UpstreamID != b.UpstreamID {
			return a.UpstreamID < b.UpstreamID
		}
		return a.StatusClass < b.StatusClass
	})

	return report
}
