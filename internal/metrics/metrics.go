// Package metrics provides request metrics for the gateway: a sharded
// aggregator for the hot path and a Prometheus registry for scraping.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Common labels used across metrics.
const (
	LabelRoute    = "route"
	LabelMethod   = "method"
	LabelStatus   = "status"
	LabelUpstream = "upstream"
	LabelTarget   = "target"
)

// Config holds metrics configuration.
type Config struct {
	Namespace string
	Subsystem string
}

// Metrics combines the sharded aggregator with Prometheus collectors.
type Metrics struct {
	aggregator *Aggregator
	registry   *prometheus.Registry

	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight prometheus.Gauge

	upstreamRequestsTotal   *prometheus.CounterVec
	upstreamRequestDuration *prometheus.HistogramVec
	upstreamRetriesTotal    *prometheus.CounterVec

	circuitBreakerState *prometheus.GaugeVec
	circuitBreakerTrips *prometheus.CounterVec

	rateLimitDropped *prometheus.CounterVec

	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec
}

// New creates a new Metrics instance.
func New(cfg Config) *Metrics {
	if cfg.Namespace == "" {
		cfg.Namespace = "switchyard"
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		aggregator: NewAggregator(),
		registry:   registry,
	}

	factory := promauto.With(registry)

	m.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		},
		[]string{LabelRoute, LabelMethod, LabelStatus},
	)

	m.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{LabelRoute, LabelMethod},
	)

	m.httpRequestsInFlight = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "http_requests_in_flight",
			Help:      "Current number of HTTP requests being processed.",
		},
	)

	m.upstreamRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "upstream_requests_total",
			Help:      "Total number of upstream attempts.",
		},
		[]string{LabelUpstream, LabelTarget, LabelStatus},
	)

	m.upstreamRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "upstream_request_duration_seconds",
			Help:      "Upstream attempt latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{LabelUpstream, LabelTarget},
	)

	m.upstreamRetriesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "upstream_retries_total",
			Help:      "Total number of retried upstream attempts.",
		},
		[]string{LabelUpstream},
	)

	m.circuitBreakerState = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open).",
		},
		[]string{LabelTarget},
	)

	m.circuitBreakerTrips = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "circuit_breaker_trips_total",
			Help:      "Total number of circuit breaker trips.",
		},
		[]string{LabelTarget},
	)

	m.rateLimitDropped = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "rate_limit_dropped_total",
			Help:      "Total number of requests dropped due to rate limiting.",
		},
		[]string{LabelRoute},
	)

	m.cacheHits = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "response_cache_hits_total",
			Help:      "Total number of response cache hits.",
		},
		[]string{LabelRoute},
	)

	m.cacheMisses = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "response_cache_misses_total",
			Help:      "Total number of response cache misses.",
		},
		[]string{LabelRoute},
	)

	return m
}

// Handler returns an HTTP handler for the Prometheus metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Report returns the merged sharded-aggregator view.
func (m *Metrics) Report() *Report {
	return m.aggregator.Report()
}

// RecordRequest records a completed request against both the sharded
// aggregator and Prometheus.
func (m *Metrics) RecordRequest(routeID, method string, status int, duration time.Duration) {
	m.aggregator.RecordRequest(routeID, status, duration)
	m.httpRequestsTotal.WithLabelValues(routeID, method, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(routeID, method).Observe(duration.Seconds())
}

// RecordUpstreamAttempt records a single attempt against an upstream target.
func (m *Metrics) RecordUpstreamAttempt(upstreamID, target string, status int, failed bool, duration time.Duration) {
	m.aggregator.RecordUpstream(upstreamID, status, failed)
	m.upstreamRequestsTotal.WithLabelValues(upstreamID, target, strconv.Itoa(status)).Inc()
	m.upstreamRequestDuration.WithLabelValues(upstreamID, target).Observe(duration.Seconds())
}

// RecordRetry records a retried upstream attempt.
func (m *Metrics) RecordRetry(upstreamID string) {
	m.upstreamRetriesTotal.WithLabelValues(upstreamID).Inc()
}

// InFlight adjusts the in-flight request gauge.
func (m *Metrics) InFlight(delta float64) {
	m.httpRequestsInFlight.Add(delta)
}

// SetCircuitBreakerState sets the circuit breaker state gauge.
func (m *Metrics) SetCircuitBreakerState(target string, state int) {
	m.circuitBreakerState.WithLabelValues(target).Set(float64(state))
}

// RecordCircuitBreakerTrip records a circuit breaker trip.
func (m *Metrics) RecordCircuitBreakerTrip(target string) {
	m.circuitBreakerTrips.WithLabelValues(target).Inc()
}

// RecordRateLimitDrop records a request dropped by rate limiting.
func (m *Metrics) RecordRateLimitDrop(routeID string) {
	m.rateLimitDropped.WithLabelValues(routeID).Inc()
}

// RecordCacheHit records a response cache hit.
func (m *Metrics) RecordCacheHit(routeID string) {
	m.cacheHits.WithLabelValues(routeID).Inc()
}

// RecordCacheMiss records a response cache miss.
func (m *Metrics) RecordCacheMiss(routeID string) {
	m.cacheMisses.WithLabelValues(routeID).Inc()
}
