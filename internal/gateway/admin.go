package gateway

import (
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/switchyardlabs/switchyard/internal/config"
	"github.com/switchyardlabs/switchyard/internal/metrics"
	"github.com/switchyardlabs/switchyard/internal/shared/health"
	"github.com/switchyardlabs/switchyard/internal/shared/logger"
	"github.com/switchyardlabs/switchyard/internal/upstream"
)

// Admin serves the operational API: health, metrics, circuit state,
// route inspection, and reload triggering. It listens on its own port
// so operational traffic never competes with proxied requests.
type Admin struct {
	manager   *config.Manager
	runtime   *upstream.Runtime
	metrics   *metrics.Metrics
	health    *health.Checker
	startTime time.Time
	version   string
	logger    *logger.Logger
}

// AdminConfig holds admin API configuration.
type AdminConfig struct {
	Manager *config.Manager
	Runtime *upstream.Runtime
	Metrics *metrics.Metrics
	Health  *health.Checker
	Version string
}

// NewAdmin creates the admin API.
func NewAdmin(cfg AdminConfig) *Admin {
	return &Admin{
		manager:   cfg.Manager,
		runtime:   cfg.Runtime,
		metrics:   cfg.Metrics,
		health:    cfg.Health,
		startTime: time.Now(),
		version:   cfg.Version,
		logger:    logger.Default().WithComponent("admin"),
	}
}

// Handler returns the admin mux.
func (a *Admin) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/health", a.health.Handler())
	mux.Handle("/health/", a.health.Handler())
	mux.Handle("/healthz", a.health.Handler())
	mux.Handle("/livez", a.health.Handler())
	mux.Handle("/readyz", a.health.Handler())
	mux.Handle("/metrics", a.metrics.Handler())

	mux.HandleFunc("/admin/overview", a.handleOverview)
	mux.HandleFunc("/admin/report", a.handleReport)
	mux.HandleFunc("/admin/routes", a.handleRoutes)
	mux.HandleFunc("/admin/circuits", a.handleCircuits)
	mux.HandleFunc("/admin/config/reload", a.handleReload)

	return mux
}

// OverviewResponse summarizes the running gateway.
type OverviewResponse struct {
	Version        string `json:"version"`
	UptimeSeconds  int64  `json:"uptime_seconds"`
	ConfigVersion  uint64 `json:"config_version"`
	RoutesCount    int    `json:"routes_count"`
	UpstreamsCount int    `json:"upstreams_count"`
	APIKeysCount   int    `json:"api_keys_count"`
	OpenCircuits   int    `json:"open_circuits"`
}

func (a *Admin) handleOverview(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snap := a.manager.Store().Current()
	a.writeJSON(w, OverviewResponse{
		Version:        a.version,
		UptimeSeconds:  int64(time.Since(a.startTime).Seconds()),
		ConfigVersion:  snap.Version,
		RoutesCount:    snap.Routes.Len(),
		UpstreamsCount: len(snap.Upstreams),
		APIKeysCount:   snap.Credentials.Len(),
		OpenCircuits:   OpenCircuits(a.runtime),
	})
}

func (a *Admin) handleReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	a.writeJSON(w, a.metrics.Report())
}

// RouteInfo is the admin view of a configured route.
type RouteInfo struct {
	ID             string   `json:"id"`
	Name           string   `json:"name,omitempty"`
	Host           string   `json:"host,omitempty"`
	Path           string   `json:"path"`
	Methods        []string `json:"methods,omitempty"`
	UpstreamID     string   `json:"upstream_id"`
	AuthDisabled   bool     `json:"auth_disabled,omitempty"`
	RequiredScopes []string `json:"required_scopes,omitempty"`
}

func (a *Admin) handleRoutes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snap := a.manager.Store().Current()
	routes := snap.Routes.Routes()
	infos := make([]RouteInfo, 0, len(routes))
	for _, route := range routes {
		infos = append(infos, RouteInfo{
			ID:             route.ID,
			Name:           route.Name,
			Host:           route.Host,
			Path:           route.Path,
			Methods:        route.Methods,
			UpstreamID:     route.UpstreamID,
			AuthDisabled:   route.AuthDisabled,
			RequiredScopes: route.RequiredScopes,
		})
	}

	upstreams := make([]UpstreamInfo, 0, len(snap.Upstreams))
	for id, group := range snap.Upstreams {
		targets := make([]string, len(group.Targets))
		for i, t := range group.Targets {
			targets[i] = t.Address
		}
		upstreams = append(upstreams, UpstreamInfo{
			ID:      id,
			Policy:  string(group.Policy),
			Targets: targets,
		})
	}
	sort.Slice(upstreams, func(i, j int) bool { return upstreams[i].ID < upstreams[j].ID })

	a.writeJSON(w, map[string]any{
		"config_version": snap.Version,
		"routes":         infos,
		"upstreams":      upstreams,
	})
}

// UpstreamInfo is the admin view of an upstream group.
type UpstreamInfo struct {
	ID      string   `json:"id"`
	Policy  string   `json:"policy"`
	Targets []string `json:"targets"`
}

func (a *Admin) handleCircuits(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	a.writeJSON(w, map[string]any{
		"targets": a.runtime.AllStats(),
	})
}

func (a *Admin) handleReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	a.logger.Info("reload requested via admin API")
	if err := a.manager.Reload(r.Context()); err != nil {
		a.writeJSONStatus(w, http.StatusUnprocessableEntity, map[string]any{
			"status": "rejected",
			"error":  err.Error(),
		})
		return
	}

	a.writeJSON(w, map[string]any{
		"status":         "reloaded",
		"config_version": a.manager.Store().Current().Version,
	})
}

func (a *Admin) writeJSON(w http.ResponseWriter, v any) {
	a.writeJSONStatus(w, http.StatusOK, v)
}

func (a *Admin) writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Error("failed to encode admin response", "error", err)
	}
}

// OpenCircuits counts targets whose breaker is currently open.
func OpenCircuits(rt *upstream.Runtime) int {
	open := 0
	for _, stats := range rt.AllStats() {
		if stats.State == "open" {
			open++
		}
	}
	return open
}
