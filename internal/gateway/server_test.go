package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/switchyardlabs/switchyard/internal/auth"
	"github.com/switchyardlabs/switchyard/internal/circuitbreaker"
	"github.com/switchyardlabs/switchyard/internal/config"
	"github.com/switchyardlabs/switchyard/internal/credential"
	"github.com/switchyardlabs/switchyard/internal/metrics"
	"github.com/switchyardlabs/switchyard/internal/middleware"
	"github.com/switchyardlabs/switchyard/internal/proxy"
	"github.com/switchyardlabs/switchyard/internal/router"
	"github.com/switchyardlabs/switchyard/internal/shared/health"
	"github.com/switchyardlabs/switchyard/internal/shared/logger"
	"github.com/switchyardlabs/switchyard/internal/upstream"
)

func testDispatcher(t *testing.T, backendURL string) (*proxy.Dispatcher, *upstream.Runtime, *metrics.Metrics) {
	t.Helper()

	host := strings.TrimPrefix(backendURL, "http://")
	group := upstream.NewGroup("svc", upstream.RoundRobin, []*upstream.Target{
		{Address: host, URL: &url.URL{Scheme: "http", Host: host}},
	})
	snap := &config.Snapshot{
		Routes: router.NewTable([]*router.Route{
			{ID: "echo", Path: "/api", UpstreamID: "svc", AuthDisabled: true},
		}),
		Credentials: credential.NewStore(nil),
		Upstreams:   map[string]*upstream.Group{"svc": group},
	}

	m := metrics.New(metrics.Config{})
	rt := upstream.NewRuntime(circuitbreaker.DefaultConfig())
	d := proxy.New(proxy.Config{
		Store:   config.NewStore(snap),
		Auth:    auth.New(auth.Config{}),
		Runtime: rt,
		Metrics: m,
	})
	return d, rt, m
}

func TestServer_MiddlewareChain(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer backend.Close()

	d, _, _ := testDispatcher(t, backend.URL)
	srv := New(Config{Dispatcher: d, Admin: http.NewServeMux()})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/api/x", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get(middleware.RequestIDHeader))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestServer_GlobalRateLimit(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer backend.Close()

	d, _, _ := testDispatcher(t, backend.URL)
	rl := middleware.NewRateLimiter(1, 1)
	defer rl.Stop()

	srv := New(Config{Dispatcher: d, Admin: http.NewServeMux(), RateLimiter: rl})

	req := httptest.NewRequest("GET", "/api/x", nil)
	req.RemoteAddr = "10.1.2.3:5000"

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestServer_RecoversFromPanic(t *testing.T) {
	boom := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})
	srv := New(Config{Dispatcher: boom, Admin: http.NewServeMux()})

	rec := httptest.NewRecorder()
	assert.NotPanics(t, func() {
		srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/api/x", nil))
	})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

const adminTestConfig = `
routes:
  - id: users
    path: /api/v1/users
    upstream: users-svc
    auth_disabled: true

upstreams:
  - id: users-svc
    targets:
      - 127.0.0.1:18080

api_keys:
  - key_id: reader
    scopes: [users.read]
`

func testManager(t *testing.T) *config.Manager {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "routes.yaml")
	require.NoError(t, os.WriteFile(path, []byte(adminTestConfig), 0o644))

	log := logger.Default()
	mgr := config.NewManager(config.ManagerConfig{
		Loader: config.NewLoader(path, log),
		Logger: log,
	})
	require.NoError(t, mgr.Start(context.Background()))
	return mgr
}

func testAdmin(t *testing.T) (*Admin, *upstream.Runtime, *metrics.Metrics) {
	t.Helper()

	mgr := testManager(t)
	rt := upstream.NewRuntime(circuitbreaker.DefaultConfig())
	m := metrics.New(metrics.Config{})
	checker := health.NewChecker(health.WithVersion("test"))
	checker.Register("circuit_breakers", health.BreakerCheck(func() int { return OpenCircuits(rt) }))

	admin := NewAdmin(AdminConfig{
		Manager: mgr,
		Runtime: rt,
		Metrics: m,
		Health:  checker,
		Version: "test",
	})
	return admin, rt, m
}

func TestAdmin_Overview(t *testing.T) {
	admin, _, _ := testAdmin(t)

	rec := httptest.NewRecorder()
	admin.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/admin/overview", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `"routes_count":1`)
	assert.Contains(t, body, `"api_keys_count":1`)
	assert.Contains(t, body, `"version":"test"`)
}

func TestAdmin_Routes(t *testing.T) {
	admin, _, _ := testAdmin(t)

	rec := httptest.NewRecorder()
	admin.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/admin/routes", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"id":"users"`)
	assert.Contains(t, rec.Body.String(), `"upstream_id":"users-svc"`)
	assert.Contains(t, rec.Body.String(), `"policy":"round_robin"`)
}

func TestAdmin_Circuits(t *testing.T) {
	admin, rt, _ := testAdmin(t)

	// Touch a target so the runtime has something to report.
	rt.State("127.0.0.1:18080")

	rec := httptest.NewRecorder()
	admin.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/admin/circuits", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"target":"127.0.0.1:18080"`)
	assert.Contains(t, rec.Body.String(), `"state":"closed"`)
}

func TestAdmin_Reload(t *testing.T) {
	admin, _, _ := testAdmin(t)

	rec := httptest.NewRecorder()
	admin.Handler().ServeHTTP(rec, httptest.NewRequest("POST", "/admin/config/reload", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"reloaded"`)

	// Reload is POST-only.
	rec = httptest.NewRecorder()
	admin.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/admin/config/reload", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestAdmin_MetricsEndpoint(t *testing.T) {
	admin, _, m := testAdmin(t)
	m.RecordRequest("users", "GET", 200, 5*time.Millisecond)

	rec := httptest.NewRecorder()
	admin.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "switchyard_http_requests_total")
}

func TestAdmin_Health(t *testing.T) {
	admin, _, _ := testAdmin(t)

	rec := httptest.NewRecorder()
	admin.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/readyz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"circuit_breakers"`)
}

func TestBreakerStateChange_RecordsMetrics(t *testing.T) {
	m := metrics.New(metrics.Config{})
	hook := BreakerStateChange(m, nil, logger.Default())

	hook("10.0.0.1:80", circuitbreaker.StateClosed, circuitbreaker.StateOpen)
	hook("10.0.0.1:80", circuitbreaker.StateOpen, circuitbreaker.StateHalfOpen)
	hook("10.0.0.1:80", circuitbreaker.StateHalfOpen, circuitbreaker.StateClosed)

	families, err := m.Registry().Gather()
	require.NoError(t, err)

	trips := -1.0
	state := -1.0
	for _, mf := range families {
		switch mf.GetName() {
		case "switchyard_circuit_breaker_trips_total":
			trips = mf.GetMetric()[0].GetCounter().GetValue()
		case "switchyard_circuit_breaker_state":
			state = mf.GetMetric()[0].GetGauge().GetValue()
		}
	}

	assert.Equal(t, 1.0, trips, "only the open transition counts as a trip")
	assert.Equal(t, 0.0, state, "gauge should end at closed")
}

func TestOpenCircuits(t *testing.T) {
	rt := upstream.NewRuntime(circuitbreaker.Config{FailureThreshold: 1, Cooldown: time.Hour, MaxProbes: 1})
	assert.Equal(t, 0, OpenCircuits(rt))

	rt.State("a:1").Breaker.RecordFailure()
	assert.Equal(t, 1, OpenCircuits(rt))
}
