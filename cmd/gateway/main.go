// Package main is the entry point for the Switchyard gateway.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/viper"

	"github.com/switchyardlabs/switchyard/internal/auth"
	"github.com/switchyardlabs/switchyard/internal/circuitbreaker"
	"github.com/switchyardlabs/switchyard/internal/config"
	"github.com/switchyardlabs/switchyard/internal/gateway"
	"github.com/switchyardlabs/switchyard/internal/metrics"
	"github.com/switchyardlabs/switchyard/internal/middleware"
	"github.com/switchyardlabs/switchyard/internal/proxy"
	"github.com/switchyardlabs/switchyard/internal/shared/cache"
	"github.com/switchyardlabs/switchyard/internal/shared/events"
	"github.com/switchyardlabs/switchyard/internal/shared/health"
	"github.com/switchyardlabs/switchyard/internal/shared/logger"
	"github.com/switchyardlabs/switchyard/internal/shared/tls"
	"github.com/switchyardlabs/switchyard/internal/shared/tracing"
	"github.com/switchyardlabs/switchyard/internal/upstream"
)

// AppConfig holds the process-level gateway configuration. The route
// file it points at is reloaded at runtime; everything here requires a
// restart.
type AppConfig struct {
	Server gateway.ServerConfig `mapstructure:"server"`

	RoutesFile string `mapstructure:"routes_file"`

	Reload struct {
		Watch    bool   `mapstructure:"watch"`
		Schedule string `mapstructure:"schedule"`
	} `mapstructure:"reload"`

	Auth struct {
		APIKeyHeader   string        `mapstructure:"api_key_header"`
		JWTSecret      string        `mapstructure:"jwt_secret"`
		VerifyCacheTTL time.Duration `mapstructure:"verify_cache_ttl"`
	} `mapstructure:"auth"`

	Proxy struct {
		DefaultTimeout time.Duration `mapstructure:"default_timeout"`
		MaxBodyBytes   int64         `mapstructure:"max_body_bytes"`
	} `mapstructure:"proxy"`

	CircuitBreaker struct {
		FailureThreshold int           `mapstructure:"failure_threshold"`
		Cooldown         time.Duration `mapstructure:"cooldown"`
		MaxProbes        int           `mapstructure:"max_probes"`
	} `mapstructure:"circuit_breaker"`

	RateLimit struct {
		Enabled           bool    `mapstructure:"enabled"`
		RequestsPerSecond float64 `mapstructure:"requests_per_second"`
		BurstSize         int     `mapstructure:"burst_size"`

		Distributed struct {
			Enabled bool          `mapstructure:"enabled"`
			Limit   int64         `mapstructure:"limit"`
			Window  time.Duration `mapstructure:"window"`
		} `mapstructure:"distributed"`
	} `mapstructure:"rate_limit"`

	ResponseCache struct {
		Enabled    bool          `mapstructure:"enabled"`
		Size       int           `mapstructure:"size"`
		DefaultTTL time.Duration `mapstructure:"default_ttl"`
	} `mapstructure:"response_cache"`

	Redis struct {
		Enabled      bool `mapstructure:"enabled"`
		cache.Config `mapstructure:",squash"`
	} `mapstructure:"redis"`

	NATS struct {
		Enabled       bool `mapstructure:"enabled"`
		events.Config `mapstructure:",squash"`
	} `mapstructure:"nats"`

	Consul struct {
		Enabled             bool `mapstructure:"enabled"`
		config.ConsulConfig `mapstructure:",squash"`
	} `mapstructure:"consul"`

	Postgres struct {
		Enabled               bool `mapstructure:"enabled"`
		config.PostgresConfig `mapstructure:",squash"`
	} `mapstructure:"postgres"`

	Tracing tracing.Config `mapstructure:"tracing"`

	TLS struct {
		Enabled    bool `mapstructure:"enabled"`
		tls.Config `mapstructure:",squash"`
	} `mapstructure:"tls"`

	Log logger.Config `mapstructure:"log"`
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		ServiceName: "switchyard-gateway",
		Environment: cfg.Log.Environment,
	})
	log := logger.Default()

	if err := run(cfg, log); err != nil {
		log.Error("gateway exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *AppConfig, log *logger.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log.Info("starting switchyard gateway",
		"listen_addr", cfg.Server.ListenAddr,
		"admin_addr", cfg.Server.AdminAddr,
		"routes_file", cfg.RoutesFile,
	)

	_, traceCleanup, err := tracing.Init(cfg.Tracing)
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := traceCleanup(shutdownCtx); err != nil {
			log.Warn("tracing shutdown error", "error", err)
		}
	}()

	var redisClient *cache.Client
	if cfg.Redis.Enabled {
		redisClient, err = cache.New(cfg.Redis.Config)
		if err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		defer redisClient.Close()
		log.Info("redis connected", "address", cfg.Redis.Address)
	}

	var natsClient *events.Client
	if cfg.NATS.Enabled {
		natsClient, err = events.New(cfg.NATS.Config)
		if err != nil {
			return fmt.Errorf("connecting to nats: %w", err)
		}
		defer natsClient.Close()
		log.Info("nats connected", "url", cfg.NATS.URL)
	}

	loaderOpts := []config.LoaderOption{}

	var consulSource *config.ConsulSource
	if cfg.Consul.Enabled {
		consulSource, err = config.NewConsulSource(cfg.Consul.ConsulConfig)
		if err != nil {
			return fmt.Errorf("connecting to consul: %w", err)
		}
		loaderOpts = append(loaderOpts, config.WithDiscovery(consulSource))
		log.Info("consul discovery enabled", "address", cfg.Consul.Address)
	}

	var pgSource *config.PostgresSource
	if cfg.Postgres.Enabled {
		pgSource, err = config.NewPostgresSource(ctx, cfg.Postgres.PostgresConfig)
		if err != nil {
			return fmt.Errorf("connecting to postgres: %w", err)
		}
		defer pgSource.Close()
		loaderOpts = append(loaderOpts, config.WithCredentialSource(pgSource))
		log.Info("postgres credential source enabled")
	}

	var responseCache *proxy.LRUCache
	if cfg.ResponseCache.Enabled {
		responseCache = proxy.NewLRUCache(cfg.ResponseCache.Size, cfg.ResponseCache.DefaultTTL)
	}

	managerCfg := config.ManagerConfig{
		Loader: config.NewLoader(cfg.RoutesFile, log, loaderOpts...),
		Events: natsClient,
		Logger: log,
	}
	if responseCache != nil {
		// Cached bodies are keyed by route policy; a reload may change it.
		managerCfg.OnReload = func(*config.Snapshot) { responseCache.Purge() }
	}
	manager := config.NewManager(managerCfg)
	if err := manager.Start(ctx); err != nil {
		return err
	}
	defer manager.Stop()

	if cfg.Reload.Watch {
		if err := manager.StartWatching(ctx); err != nil {
			return fmt.Errorf("starting file watcher: %w", err)
		}
	}
	if cfg.Reload.Schedule != "" {
		if err := manager.StartSchedule(ctx, cfg.Reload.Schedule); err != nil {
			return fmt.Errorf("starting reload schedule: %w", err)
		}
	}

	m := metrics.New(metrics.Config{})

	cbConfig := circuitbreaker.DefaultConfig()
	if cfg.CircuitBreaker.FailureThreshold > 0 {
		cbConfig.FailureThreshold = cfg.CircuitBreaker.FailureThreshold
	}
	if cfg.CircuitBreaker.Cooldown > 0 {
		cbConfig.Cooldown = cfg.CircuitBreaker.Cooldown
	}
	if cfg.CircuitBreaker.MaxProbes > 0 {
		cbConfig.MaxProbes = cfg.CircuitBreaker.MaxProbes
	}
	cbConfig.OnStateChange = gateway.BreakerStateChange(m, natsClient, log)
	runtime := upstream.NewRuntime(cbConfig)

	authCfg := auth.Config{
		APIKeyHeader:   cfg.Auth.APIKeyHeader,
		JWTSecret:      secretBytes(cfg.Auth.JWTSecret),
		VerifyCacheTTL: cfg.Auth.VerifyCacheTTL,
	}
	if redisClient != nil {
		authCfg.Cache = redisClient
	}

	dispatcherCfg := proxy.Config{
		Store:          manager.Store(),
		Auth:           auth.New(authCfg),
		Runtime:        runtime,
		Metrics:        m,
		DefaultTimeout: cfg.Proxy.DefaultTimeout,
		MaxBodyBytes:   cfg.Proxy.MaxBodyBytes,
	}
	if responseCache != nil {
		dispatcherCfg.Cache = responseCache
	}
	dispatcher := proxy.New(dispatcherCfg)

	checker := health.NewChecker(
		health.WithVersion(version()),
		health.WithTimeout(5*time.Second),
	)
	checker.Register("circuit_breakers", health.BreakerCheck(func() int {
		return gateway.OpenCircuits(runtime)
	}))
	checker.Register("memory", health.MemoryCheck(1<<30))
	if redisClient != nil {
		checker.Register("redis", health.PingCheck("redis", redisClient.Ping))
	}
	if pgSource != nil {
		checker.Register("postgres", health.PingCheck("postgres", pgSource.Ping))
	}
	if natsClient != nil {
		checker.Register("nats", health.PingCheck("nats", func(context.Context) error {
			if !natsClient.IsConnected() {
				return fmt.Errorf("not connected")
			}
			return nil
		}))
	}
	if consulSource != nil {
		checker.Register("consul", health.ConsulCheck(consulSource.Leader))
	}

	admin := gateway.NewAdmin(gateway.AdminConfig{
		Manager: manager,
		Runtime: runtime,
		Metrics: m,
		Health:  checker,
		Version: version(),
	})

	srvCfg := gateway.Config{
		Server:     cfg.Server,
		Dispatcher: dispatcher,
		Admin:      admin.Handler(),
		Logger:     log,
	}

	if cfg.RateLimit.Enabled {
		rl := middleware.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.BurstSize)
		defer rl.Stop()
		srvCfg.RateLimiter = rl
	}
	if cfg.RateLimit.Distributed.Enabled && redisClient != nil {
		srvCfg.DistributedRateLimiter = middleware.NewDistributedRateLimiter(
			redisClient,
			cfg.RateLimit.Distributed.Limit,
			cfg.RateLimit.Distributed.Window,
		)
	}
	if cfg.Tracing.Enabled {
		srvCfg.Tracing = &middleware.TracingConfig{
			ServiceName: cfg.Tracing.ServiceName,
			SkipPaths:   []string{"/healthz", "/livez", "/readyz", "/metrics"},
		}
	}
	if cfg.TLS.Enabled {
		tlsConfig, err := tls.ServerTLSConfig(&cfg.TLS.Config)
		if err != nil {
			return fmt.Errorf("building TLS config: %w", err)
		}
		srvCfg.TLSConfig = tlsConfig
	}

	srv := gateway.New(srvCfg)

	// SIGHUP reloads the route file; SIGINT/SIGTERM shut down.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for sig := range sigCh {
			switch sig {
			case syscall.SIGHUP:
				log.Info("SIGHUP received, reloading config")
				if err := manager.Reload(ctx); err != nil {
					log.Warn("signal-triggered reload failed", "error", err)
				}
			default:
				log.Info("shutdown signal received", "signal", sig.String())
				cancel()
				return
			}
		}
	}()

	return srv.Start(ctx)
}

func loadConfig() (*AppConfig, error) {
	v := viper.New()
	v.SetConfigName("gateway")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	v.AddConfigPath("/etc/switchyard")

	v.SetDefault("server.listen_addr", ":8080")
	v.SetDefault("server.admin_addr", ":9080")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.read_header_timeout", "10s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("routes_file", "/etc/switchyard/routes.yaml")
	v.SetDefault("reload.watch", true)
	v.SetDefault("proxy.default_timeout", "30s")
	v.SetDefault("proxy.max_body_bytes", 4<<20)
	v.SetDefault("circuit_breaker.failure_threshold", 5)
	v.SetDefault("circuit_breaker.cooldown", "30s")
	v.SetDefault("circuit_breaker.max_probes", 1)
	v.SetDefault("rate_limit.enabled", false)
	v.SetDefault("rate_limit.requests_per_second", 100)
	v.SetDefault("rate_limit.burst_size", 200)
	v.SetDefault("response_cache.size", 1024)
	v.SetDefault("response_cache.default_ttl", "30s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetEnvPrefix("GATEWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	return &cfg, nil
}

func secretBytes(s string) []byte {
	if s == "" {
		return nil
	}
	return []byte(s)
}

func version() string {
	if v := os.Getenv("VERSION"); v != "" {
		return v
	}
	return "dev"
}
