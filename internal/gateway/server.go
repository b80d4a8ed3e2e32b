// Package gateway assembles the dispatcher, middleware chain, and
// admin API into runnable HTTP servers.
package gateway

import (
	"context"
	stdtls "crypto/tls"
	"fmt"
	"net/http"
	"time"

	"github.com/switchyardlabs/switchyard/internal/circuitbreaker"
	"github.com/switchyardlabs/switchyard/internal/metrics"
	"github.com/switchyardlabs/switchyard/internal/middleware"
	"github.com/switchyardlabs/switchyard/internal/shared/events"
	"github.com/switchyardlabs/switchyard/internal/shared/logger"
)

// ServerConfig holds listener configuration for the proxy and admin
// servers.
type ServerConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
	AdminAddr  string `mapstructure:"admin_addr"`

	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
}

// DefaultServerConfig returns listener defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:        ":8080",
		AdminAddr:         ":9080",
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		ShutdownTimeout:   15 * time.Second,
	}
}

// Config assembles the server from already-built components.
type Config struct {
	Server ServerConfig

	// Dispatcher is the proxying handler at the end of the chain.
	Dispatcher http.Handler
	// Admin is the operational API handler, served on AdminAddr.
	Admin http.Handler

	// RateLimiter applies a global per-client limit before dispatch.
	// Optional.
	RateLimiter *middleware.RateLimiter
	// DistributedRateLimiter applies a Redis-backed limit shared across
	// gateway instances. Optional.
	DistributedRateLimiter *middleware.DistributedRateLimiter

	// Tracing enables the per-request server span.
	Tracing *middleware.TracingConfig

	// TLSConfig enables TLS on the proxy listener. Optional.
	TLSConfig *stdtls.Config

	Logger *logger.Logger
}

// Server runs the proxy listener and the admin listener.
type Server struct {
	proxySrv *http.Server
	adminSrv *http.Server
	shutdown time.Duration
	log      *logger.Logger
}

// New builds the middleware chain around the dispatcher and prepares
// both servers.
func New(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = logger.Default().WithComponent("gateway")
	}

	handler := cfg.Dispatcher
	if cfg.DistributedRateLimiter != nil {
		handler = cfg.DistributedRateLimiter.Middleware(handler)
	}
	if cfg.RateLimiter != nil {
		handler = cfg.RateLimiter.Middleware(handler)
	}
	handler = middleware.Security()(handler)
	if cfg.Tracing != nil {
		handler = middleware.Tracing(*cfg.Tracing)(handler)
	}
	handler = middleware.Logging(log)(handler)
	handler = middleware.Recovery(log)(handler)
	handler = middleware.RequestID()(handler)

	srvCfg := cfg.Server
	if srvCfg.ListenAddr == "" {
		srvCfg = DefaultServerConfig()
	}

	proxySrv := &http.Server{
		Addr:              srvCfg.ListenAddr,
		Handler:           handler,
		ReadTimeout:       srvCfg.ReadTimeout,
		ReadHeaderTimeout: srvCfg.ReadHeaderTimeout,
		WriteTimeout:      srvCfg.WriteTimeout,
		IdleTimeout:       srvCfg.IdleTimeout,
		TLSConfig:         cfg.TLSConfig,
	}

	adminSrv := &http.Server{
		Addr:              srvCfg.AdminAddr,
		Handler:           cfg.Admin,
		ReadHeaderTimeout: srvCfg.ReadHeaderTimeout,
	}

	return &Server{
		proxySrv: proxySrv,
		adminSrv: adminSrv,
		shutdown: srvCfg.ShutdownTimeout,
		log:      log,
	}
}

// Handler exposes the full middleware chain, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.proxySrv.Handler
}

// Start runs both listeners and blocks until the context is canceled
// or a listener fails. Shutdown is graceful within ShutdownTimeout.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 2)

	go func() {
		s.log.Info("admin server listening", "addr", s.adminSrv.Addr)
		if err := s.adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("admin server: %w", err)
		}
	}()

	go func() {
		s.log.Info("gateway listening", "addr", s.proxySrv.Addr, "tls", s.proxySrv.TLSConfig != nil)
		var err error
		if s.proxySrv.TLSConfig != nil {
			err = s.proxySrv.ListenAndServeTLS("", "")
		} else {
			err = s.proxySrv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("gateway server: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.Stop()
	}
}

// Stop shuts both servers down gracefully.
func (s *Server) Stop() error {
	timeout := s.shutdown
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s.log.Info("shutting down gateway")

	var firstErr error
	if err := s.proxySrv.Shutdown(ctx); err != nil {
		firstErr = err
	}
	if err := s.adminSrv.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// BreakerStateChange returns an OnStateChange hook that keeps the
// breaker gauge current, counts trips, and announces transitions on the
// event bus.
func BreakerStateChange(m *metrics.Metrics, ev *events.Client, log *logger.Logger) func(string, circuitbreaker.State, circuitbreaker.State) {
	return func(target string, from, to circuitbreaker.State) {
		log.Warn("circuit breaker state change",
			"target", target,
			"from", from.String(),
			"to", to.String(),
		)

		if m != nil {
			m.SetCircuitBreakerState(target, int(to))
			if to == circuitbreaker.StateOpen {
				m.RecordCircuitBreakerTrip(target)
			}
		}

		if ev == nil {
			return
		}
		data := map[string]any{
			"target": target,
			"from":   from.String(),
			"to":     to.String(),
		}
		switch to {
		case circuitbreaker.StateOpen:
			_ = ev.PublishGatewayEvent(context.Background(), events.EventCircuitOpened, data)
		case circuitbreaker.StateClosed:
			_ = ev.PublishGatewayEvent(context.Background(), events.EventCircuitClosed, data)
		}
	}
}
