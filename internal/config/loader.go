package config

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/switchyardlabs/switchyard/internal/credential"
	"github.com/switchyardlabs/switchyard/internal/router"
	"github.com/switchyardlabs/switchyard/internal/shared/errors"
	"github.com/switchyardlabs/switchyard/internal/shared/logger"
	"github.com/switchyardlabs/switchyard/internal/upstream"
)

// RouteConfig is the file representation of a route.
type RouteConfig struct {
	ID             string              `mapstructure:"id"`
	Name           string              `mapstructure:"name"`
	Host           string              `mapstructure:"host"`
	Path           string              `mapstructure:"path"`
	Exact          bool                `mapstructure:"exact"`
	Methods        []string            `mapstructure:"methods"`
	Upstream       string              `mapstructure:"upstream"`
	StripPrefix    bool                `mapstructure:"strip_prefix"`
	AuthDisabled   bool                `mapstructure:"auth_disabled"`
	RequiredScopes []string            `mapstructure:"required_scopes"`
	Timeout        string              `mapstructure:"timeout"`
	Retry          RetryConfig         `mapstructure:"retry"`
	RateLimit      RateLimitConfig     `mapstructure:"rate_limit"`
	Cache          ResponseCacheConfig `mapstructure:"cache"`
}

// RetryConfig is the file representation of a retry policy.
type RetryConfig struct {
	MaxAttempts        int  `mapstructure:"max_attempts"`
	RetryNonIdempotent bool `mapstructure:"retry_non_idempotent"`
}

// RateLimitConfig is the file representation of a per-route rate limit.
type RateLimitConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// ResponseCacheConfig is the file representation of a response cache
// policy.
type ResponseCacheConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	TTL     string `mapstructure:"ttl"`
}

// UpstreamConfig is the file representation of an upstream group.
// Targets are either listed statically or discovered from a Consul
// service.
type UpstreamConfig struct {
	ID            string   `mapstructure:"id"`
	Policy        string   `mapstructure:"policy"`
	Targets       []string `mapstructure:"targets"`
	ConsulService string   `mapstructure:"consul_service"`
}

// APIKeyConfig is the file representation of an API key.
type APIKeyConfig struct {
	KeyID   string   `mapstructure:"key_id"`
	Secret  string   `mapstructure:"secret"`
	Scopes  []string `mapstructure:"scopes"`
	Enabled *bool    `mapstructure:"enabled"`
}

// FileConfig is the reloadable part of the gateway configuration.
type FileConfig struct {
	Routes    []RouteConfig    `mapstructure:"routes"`
	Upstreams []UpstreamConfig `mapstructure:"upstreams"`
	APIKeys   []APIKeyConfig   `mapstructure:"api_keys"`
}

// TargetDiscoverer resolves an upstream's targets from a service
// registry.
type TargetDiscoverer interface {
	DiscoverTargets(ctx context.Context, service string) ([]string, error)
}

// CredentialSource supplies API keys from an external store, merged
// over the keys in the file.
type CredentialSource interface {
	LoadCredentials(ctx context.Context) ([]credential.Record, error)
}

// Loader reads the route file and assembles snapshots. Discovery and
// credential sources are optional.
type Loader struct {
	path       string
	discovery  TargetDiscoverer
	credSource CredentialSource
	log        *logger.Logger
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithDiscovery wires a target discoverer for upstreams that declare a
// consul_service.
func WithDiscovery(d TargetDiscoverer) LoaderOption {
	return func(l *Loader) { l.discovery = d }
}

// WithCredentialSource wires an external credential source.
func WithCredentialSource(s CredentialSource) LoaderOption {
	return func(l *Loader) { l.credSource = s }
}

// NewLoader creates a loader for the given route file.
func NewLoader(path string, log *logger.Logger, opts ...LoaderOption) *Loader {
	l := &Loader{path: path, log: log}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Path returns the route file path the loader reads.
func (l *Loader) Path() string {
	return l.path
}

// Load reads, validates, and assembles a snapshot. On any error the
// caller keeps serving the previous snapshot.
func (l *Loader) Load(ctx context.Context) (*Snapshot, error) {
	v := viper.New()
	v.SetConfigFile(l.path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading route file: %w", err)
	}

	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, fmt.Errorf("unmarshaling route file: %w", err)
	}

	return l.Assemble(ctx, &fc)
}

// Assemble validates a parsed file config and builds a snapshot from
// it.
func (l *Loader) Assemble(ctx context.Context, fc *FileConfig) (*Snapshot, error) {
	groups, err := l.buildUpstreams(ctx, fc.Upstreams)
	if err != nil {
		return nil, err
	}

	routes, err := buildRoutes(fc.Routes, groups)
	if err != nil {
		return nil, err
	}

	records, err := l.buildCredentials(ctx, fc.APIKeys)
	if err != nil {
		return nil, err
	}

	return &Snapshot{
		Routes:      router.NewTable(routes),
		Credentials: credential.NewStore(records),
		Upstreams:   groups,
	}, nil
}

func (l *Loader) buildUpstreams(ctx context.Context, configs []UpstreamConfig) (map[string]*upstream.Group, error) {
	groups := make(map[string]*upstream.Group, len(configs))

	for _, uc := range configs {
		if uc.ID == "" {
			return nil, errors.InvalidRoute("upstream missing id")
		}
		if _, exists := groups[uc.ID]; exists {
			return nil, errors.InvalidRoute(fmt.Sprintf("duplicate upstream id %q", uc.ID))
		}

		addrs := uc.Targets
		if uc.ConsulService != "" {
			discovered, err := l.discoverTargets(ctx, uc)
			if err != nil {
				return nil, err
			}
			addrs = discovered
		}

		if len(addrs) == 0 {
			return nil, errors.InvalidRoute(fmt.Sprintf("upstream %q has no targets", uc.ID))
		}

		targets := make([]*upstream.Target, 0, len(addrs))
		for _, addr := range addrs {
			target, err := parseTarget(addr)
			if err != nil {
				return nil, errors.InvalidRoute(fmt.Sprintf("upstream %q: %v", uc.ID, err))
			}
			targets = append(targets, target)
		}

		groups[uc.ID] = upstream.NewGroup(uc.ID, upstream.Policy(uc.Policy), targets)
	}

	return groups, nil
}

// discoverTargets resolves targets via the discoverer, falling back to
// the statically listed targets when discovery returns nothing.
func (l *Loader) discoverTargets(ctx context.Context, uc UpstreamConfig) ([]string, error) {
	if l.discovery == nil {
		if len(uc.Targets) > 0 {
			return uc.Targets, nil
		}
		return nil, errors.InvalidRoute(fmt.Sprintf("upstream %q requires discovery but none is configured", uc.ID))
	}

	addrs, err := l.discovery.DiscoverTargets(ctx, uc.ConsulService)
	if err != nil {
		return nil, fmt.Errorf("discovering targets for upstream %q: %w", uc.ID, err)
	}
	if len(addrs) == 0 && len(uc.Targets) > 0 {
		l.log.Warn("discovery returned no instances, using static targets",
			"upstream", uc.ID,
			"service", uc.ConsulService,
		)
		return uc.Targets, nil
	}
	return addrs, nil
}

func parseTarget(addr string) (*upstream.Target, error) {
	raw := addr
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid target %q: %w", addr, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid target %q: missing host", addr)
	}

	return &upstream.Target{Address: u.Host, URL: u}, nil
}

func buildRoutes(configs []RouteConfig, groups map[string]*upstream.Group) ([]*router.Route, error) {
	seen := make(map[string]bool, len(configs))
	routes := make([]*router.Route, 0, len(configs))

	for _, rc := range configs {
		if rc.ID == "" {
			return nil, errors.InvalidRoute("route missing id")
		}
		if seen[rc.ID] {
			return nil, errors.InvalidRoute(fmt.Sprintf("duplicate route id %q", rc.ID))
		}
		seen[rc.ID] = true

		if rc.Path == "" || !strings.HasPrefix(rc.Path, "/") {
			return nil, errors.InvalidRoute(fmt.Sprintf("route %q: path must start with /", rc.ID))
		}
		if _, ok := groups[rc.Upstream]; !ok {
			return nil, errors.InvalidRoute(fmt.Sprintf("route %q references unknown upstream %q", rc.ID, rc.Upstream))
		}

		timeout, err := parseOptionalDuration(rc.Timeout)
		if err != nil {
			return nil, errors.InvalidRoute(fmt.Sprintf("route %q: invalid timeout: %v", rc.ID, err))
		}
		cacheTTL, err := parseOptionalDuration(rc.Cache.TTL)
		if err != nil {
			return nil, errors.InvalidRoute(fmt.Sprintf("route %q: invalid cache ttl: %v", rc.ID, err))
		}

		methods := make([]string, len(rc.Methods))
		for i, m := range rc.Methods {
			methods[i] = strings.ToUpper(m)
		}

		routes = append(routes, &router.Route{
			ID:             rc.ID,
			Name:           rc.Name,
			Host:           rc.Host,
			Path:           rc.Path,
			Exact:          rc.Exact,
			Methods:        methods,
			UpstreamID:     rc.Upstream,
			StripPrefix:    rc.StripPrefix,
			AuthDisabled:   rc.AuthDisabled,
			RequiredScopes: rc.RequiredScopes,
			Timeout:        timeout,
			Retry: router.RetryPolicy{
				MaxAttempts:        rc.Retry.MaxAttempts,
				RetryNonIdempotent: rc.Retry.RetryNonIdempotent,
			},
			RateLimit: router.RateLimitPolicy{
				RequestsPerSecond: rc.RateLimit.RequestsPerSecond,
				Burst:             rc.RateLimit.Burst,
			},
			Cache: router.CachePolicy{
				Enabled: rc.Cache.Enabled,
				TTL:     cacheTTL,
			},
		})
	}

	return routes, nil
}

func (l *Loader) buildCredentials(ctx context.Context, configs []APIKeyConfig) ([]credential.Record, error) {
	records := make([]credential.Record, 0, len(configs))
	for _, kc := range configs {
		if kc.KeyID == "" {
			return nil, errors.InvalidInput("api key missing key_id")
		}
		enabled := true
		if kc.Enabled != nil {
			enabled = *kc.Enabled
		}
		records = append(records, credential.Record{
			KeyID:   kc.KeyID,
			Secret:  kc.Secret,
			Scopes:  kc.Scopes,
			Enabled: enabled,
		})
	}

	if l.credSource != nil {
		external, err := l.credSource.LoadCredentials(ctx)
		if err != nil {
			return nil, fmt.Errorf("loading external credentials: %w", err)
		}
		// External records win over file records with the same key id.
		records = append(records, external...)
	}

	return records, nil
}

func parseOptionalDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}
