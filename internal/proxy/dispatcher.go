// Package proxy implements the request dispatcher: it resolves a
// route, authenticates the caller, picks an upstream target, and
// relays the response.
package proxy

import (
	"bytes"
	"context"
	stderrors "errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/switchyardlabs/switchyard/internal/auth"
	"github.com/switchyardlabs/switchyard/internal/config"
	"github.com/switchyardlabs/switchyard/internal/metrics"
	"github.com/switchyardlabs/switchyard/internal/router"
	"github.com/switchyardlabs/switchyard/internal/shared/errors"
	"github.com/switchyardlabs/switchyard/internal/shared/logger"
	"github.com/switchyardlabs/switchyard/internal/upstream"
)

// unmatchedRoute labels metrics for requests that resolve to no route.
const unmatchedRoute = "_unmatched"

// Config holds dispatcher configuration.
type Config struct {
	Store   *config.Store
	Auth    *auth.Authenticator
	Runtime *upstream.Runtime
	Metrics *metrics.Metrics

	// Transport is shared across all upstream attempts.
	Transport http.RoundTripper
	// DefaultTimeout applies to routes without an explicit timeout.
	DefaultTimeout time.Duration
	// MaxBodyBytes caps the request body. Bodies over the cap are
	// rejected before any upstream attempt.
	MaxBodyBytes int64
	// Cache serves repeat GETs for routes that opt in. Optional.
	Cache ResponseCache
}

// Dispatcher is the gateway's main handler.
type Dispatcher struct {
	store          *config.Store
	auth           *auth.Authenticator
	runtime        *upstream.Runtime
	metrics        *metrics.Metrics
	transport      http.RoundTripper
	defaultTimeout time.Duration
	maxBodyBytes   int64
	cache          ResponseCache
	limiters       *routeLimiters
	logger         *logger.Logger
}

// New creates a dispatcher.
func New(cfg Config) *Dispatcher {
	transport := cfg.Transport
	if transport == nil {
		transport = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		}
	}

	defaultTimeout := cfg.DefaultTimeout
	if defaultTimeout == 0 {
		defaultTimeout = 30 * time.Second
	}

	maxBodyBytes := cfg.MaxBodyBytes
	if maxBodyBytes == 0 {
		maxBodyBytes = 4 << 20
	}

	return &Dispatcher{
		store:          cfg.Store,
		auth:           cfg.Auth,
		runtime:        cfg.Runtime,
		metrics:        cfg.Metrics,
		transport:      transport,
		defaultTimeout: defaultTimeout,
		maxBodyBytes:   maxBodyBytes,
		cache:          cfg.Cache,
		limiters:       newRouteLimiters(),
		logger:         logger.Default().WithComponent("dispatcher"),
	}
}

// ServeHTTP implements http.Handler. The snapshot is read exactly once
// per request; a reload mid-request cannot mix generations.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	d.metrics.InFlight(1)
	defer d.metrics.InFlight(-1)

	snap := d.store.Current()

	ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}

	route, err := snap.Routes.Resolve(r.Host, r.URL.Path, r.Method)
	if err != nil {
		d.writeError(ww, r, err)
		d.record(unmatchedRoute, r.Method, ww.status, start)
		return
	}

	authCtx, err := d.auth.Authenticate(r, route, snap.Credentials)
	if err != nil {
		d.writeError(ww, r, err)
		d.record(route.ID, r.Method, ww.status, start)
		return
	}
	if authCtx.KeyID != "" {
		r = r.WithContext(context.WithValue(r.Context(), logger.KeyIDKey, authCtx.KeyID))
	}

	if !d.limiters.allow(route) {
		d.metrics.RecordRateLimitDrop(route.ID)
		d.writeError(ww, r, errors.RateLimited("rate limit exceeded"))
		d.record(route.ID, r.Method, ww.status, start)
		return
	}

	if d.serveFromCache(ww, r, route) {
		d.record(route.ID, r.Method, ww.status, start)
		return
	}

	d.dispatch(ww, r, snap, route)
	d.record(route.ID, r.Method, ww.status, start)
}

// record feeds both metric sinks after the response is fully written,
// so a scrape of the admin API never observes its own request.
func (d *Dispatcher) record(routeID, method string, status int, start time.Time) {
	d.metrics.RecordRequest(routeID, method, status, time.Since(start))
}

// dispatch forwards the request, retrying on alternate targets when
// the route's policy allows it.
func (d *Dispatcher) dispatch(ww *responseWriter, r *http.Request, snap *config.Snapshot, route *router.Route) {
	group, ok := snap.Upstream(route.UpstreamID)
	if !ok {
		// Validated at load time; seeing this means a loader bug.
		d.writeError(ww, r, errors.Unavailable("upstream not configured"))
		return
	}

	maxAttempts := route.Retry.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if !retryableMethod(r.Method, route.Retry.RetryNonIdempotent) {
		maxAttempts = 1
	}
	if maxAttempts > len(group.Targets) {
		maxAttempts = len(group.Targets)
	}

	// Buffer the body so later attempts can replay it. The cap bounds
	// gateway memory per request.
	body, err := d.bufferBody(r)
	if err != nil {
		d.writeError(ww, r, err)
		return
	}

	timeout := route.Timeout
	if timeout == 0 {
		timeout = d.defaultTimeout
	}

	exclude := make(map[string]bool, maxAttempts)
	var lastErr *errors.Error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		target, state, err := group.Pick(d.runtime, exclude)
		if err != nil {
			// Every target is excluded or refusing traffic.
			if lastErr != nil {
				d.writeError(ww, r, lastErr)
			} else {
				d.writeError(ww, r, err)
			}
			return
		}

		if attempt > 1 {
			d.metrics.RecordRetry(group.ID)
		}

		done, attemptErr := d.forward(ww, r, route, group, target, state, body, timeout)
		if done {
			return
		}

		// The attempt failed before any byte reached the client; try
		// the next target.
		exclude[target.Address] = true
		lastErr = attemptErr
	}

	d.writeError(ww, r, lastErr)
}

// forward runs a single upstream attempt. It returns done=true once
// a response (or an unrecoverable mid-stream failure) has reached the
// client.
func (d *Dispatcher) forward(
	ww *responseWriter,
	r *http.Request,
	route *router.Route,
	group *upstream.Group,
	target *upstream.Target,
	state *upstream.TargetState,
	body []byte,
	timeout time.Duration,
) (done bool, attemptErr *errors.Error) {
	state.AcquireConn()
	defer state.ReleaseConn()

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	outReq := d.buildUpstreamRequest(ctx, r, route, target, body)

	attemptStart := time.Now()
	resp, err := d.transport.RoundTrip(outReq)
	if err != nil {
		if r.Context().Err() != nil {
			// Client went away; nothing left to answer, and the target
			// did nothing wrong, so no failure is charged to it.
			return true, nil
		}

		state.Breaker.RecordFailure()
		d.metrics.RecordUpstreamAttempt(group.ID, target.Address, 0, true, time.Since(attemptStart))

		if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
			return false, errors.UpstreamTimeout("upstream timed out")
		}
		d.logger.WithContext(r.Context()).Warn("upstream attempt failed",
			"upstream", group.ID,
			"target", target.Address,
			"error", err,
		)
		return false, errors.UpstreamError("upstream connection failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		state.Breaker.RecordFailure()
	} else {
		state.Breaker.RecordSuccess()
	}
	d.metrics.RecordUpstreamAttempt(group.ID, target.Address, resp.StatusCode, resp.StatusCode >= 500, time.Since(attemptStart))

	d.relay(ww, r, route, resp)
	return true, nil
}

// relay copies the upstream response to the client and feeds the
// response cache.
func (d *Dispatcher) relay(ww *responseWriter, r *http.Request, route *router.Route, resp *http.Response) {
	removeHopByHopHeaders(resp.Header)

	header := ww.Header()
	for key, values := range resp.Header {
		for _, v := range values {
			header.Add(key, v)
		}
	}

	cacheable := d.cacheable(r, route, resp.StatusCode)
	var buf *bytes.Buffer
	var reader io.Reader = resp.Body
	if cacheable {
		buf = &bytes.Buffer{}
		reader = io.TeeReader(resp.Body, buf)
	}

	ww.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(ww, reader); err != nil {
		// Bytes already went out; all we can do is log and drop the
		// cache fill.
		d.logger.WithContext(r.Context()).Warn("response relay interrupted", "error", err)
		return
	}
	if f, ok := ww.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}

	if cacheable {
		d.cache.Set(route.ID, cacheKey(r), &CachedResponse{
			Status: resp.StatusCode,
			Header: header.Clone(),
			Body:   buf.Bytes(),
		}, route.Cache.TTL)
	}
}

func (d *Dispatcher) cacheable(r *http.Request, route *router.Route, status int) bool {
	return d.cache != nil &&
		route.Cache.Enabled &&
		r.Method == http.MethodGet &&
		status == http.StatusOK
}

// serveFromCache answers a cache-enabled GET from the response cache.
func (d *Dispatcher) serveFromCache(ww *responseWriter, r *http.Request, route *router.Route) bool {
	if d.cache == nil || !route.Cache.Enabled || r.Method != http.MethodGet {
		return false
	}

	cached, ok := d.cache.Get(route.ID, cacheKey(r))
	if !ok {
		d.metrics.RecordCacheMiss(route.ID)
		return false
	}
	d.metrics.RecordCacheHit(route.ID)

	header := ww.Header()
	for key, values := range cached.Header {
		for _, v := range values {
			header.Add(key, v)
		}
	}
	header.Set("X-Cache", "HIT")
	ww.WriteHeader(cached.Status)
	_, _ = ww.Write(cached.Body)
	return true
}

// bufferBody reads the request body up to the configured cap.
func (d *Dispatcher) bufferBody(r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	if r.ContentLength > d.maxBodyBytes {
		return nil, errors.PayloadTooLarge("request body exceeds limit")
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, d.maxBodyBytes+1))
	r.Body.Close()
	if err != nil {
		return nil, errors.InvalidInput("reading request body")
	}
	if int64(len(body)) > d.maxBodyBytes {
		return nil, errors.PayloadTooLarge("request body exceeds limit")
	}
	return body, nil
}

// buildUpstreamRequest clones the inbound request and rewrites it for
// the chosen target.
func (d *Dispatcher) buildUpstreamRequest(ctx context.Context, r *http.Request, route *router.Route, target *upstream.Target, body []byte) *http.Request {
	outReq := r.Clone(ctx)

	outReq.URL.Scheme = target.URL.Scheme
	outReq.URL.Host = target.URL.Host
	outReq.Host = target.URL.Host
	outReq.RequestURI = ""

	path := r.URL.Path
	if route.StripPrefix {
		path = router.StripRoutePrefix(path, route)
	}
	if basePath := target.URL.Path; basePath != "" && basePath != "/" {
		path = singleJoiningSlash(basePath, path)
	}
	outReq.URL.Path = path

	if body != nil {
		outReq.Body = io.NopCloser(bytes.NewReader(body))
		outReq.ContentLength = int64(len(body))
		outReq.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
	} else {
		outReq.Body = http.NoBody
		outReq.ContentLength = 0
	}

	removeHopByHopHeaders(outReq.Header)

	if clientIP, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		if prior := r.Header.Get("X-Forwarded-For"); prior != "" {
			clientIP = prior + ", " + clientIP
		}
		outReq.Header.Set("X-Forwarded-For", clientIP)
	}
	if r.TLS != nil {
		outReq.Header.Set("X-Forwarded-Proto", "https")
	} else {
		outReq.Header.Set("X-Forwarded-Proto", "http")
	}
	outReq.Header.Set("X-Forwarded-Host", r.Host)

	if requestID, ok := r.Context().Value(logger.RequestIDKey).(string); ok && requestID != "" {
		outReq.Header.Set("X-Request-ID", requestID)
	}

	return outReq
}

func (d *Dispatcher) writeError(ww *responseWriter, r *http.Request, err error) {
	appErr := errors.FromError(err)
	if appErr.HTTPStatusCode() >= 500 {
		d.logger.WithContext(r.Context()).Error("request failed",
			"error", err,
			"method", r.Method,
			"path", r.URL.Path,
		)
	}
	appErr.WriteHTTP(ww)
}

// cacheKey identifies a cached response by path and query.
func cacheKey(r *http.Request) string {
	if r.URL.RawQuery == "" {
		return r.URL.Path
	}
	return r.URL.Path + "?" + r.URL.RawQuery
}

// retryableMethod reports whether a method may be retried on an
// alternate target.
func retryableMethod(method string, retryNonIdempotent bool) bool {
	if retryNonIdempotent {
		return true
	}
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodPut, http.MethodDelete, http.MethodTrace:
		return true
	default:
		return false
	}
}

// responseWriter captures the status code and whether anything was
// written.
type responseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	bytes       int64
}

func (w *responseWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += int64(n)
	return n, err
}

func (w *responseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}

// Hop-by-hop headers are stripped in both directions.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopByHopHeaders(header http.Header) {
	for _, h := range hopByHopHeaders {
		header.Del(h)
	}
}
