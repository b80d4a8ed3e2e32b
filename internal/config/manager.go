package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"

	"github.com/switchyardlabs/switchyard/internal/shared/events"
	"github.com/switchyardlabs/switchyard/internal/shared/logger"
)

// debounceWindow absorbs the editor save dance (write, rename, chmod)
// into a single reload.
const debounceWindow = 250 * time.Millisecond

// Manager coordinates snapshot loading and the reload triggers: file
// watch, scheduled refresh, and explicit calls from the signal handler
// or the admin API.
type Manager struct {
	loader   *Loader
	store    *Store
	events   *events.Client
	log      *logger.Logger
	onReload func(*Snapshot)

	reloadMu sync.Mutex

	watcher *fsnotify.Watcher
	cron    *cron.Cron

	watchCtx    context.Context
	watchCancel context.CancelFunc
}

// ManagerConfig holds configuration for the Manager.
type ManagerConfig struct {
	Loader *Loader
	Events *events.Client
	Logger *logger.Logger

	// OnReload runs after each successful reload, with the snapshot
	// just published. Used to drop caches keyed by route policy.
	OnReload func(*Snapshot)
}

// NewManager creates a configuration manager.
func NewManager(cfg ManagerConfig) *Manager {
	return &Manager{
		loader:   cfg.Loader,
		events:   cfg.Events,
		log:      cfg.Logger,
		onReload: cfg.OnReload,
	}
}

// Start performs the initial load. It fails hard: without a valid
// first snapshot there is nothing to serve.
func (m *Manager) Start(ctx context.Context) error {
	snap, err := m.loader.Load(ctx)
	if err != nil {
		return fmt.Errorf("loading initial config: %w", err)
	}

	m.store = NewStore(snap)
	m.log.Info("initial config loaded",
		"routes", snap.Routes.Len(),
		"upstreams", len(snap.Upstreams),
		"api_keys", snap.Credentials.Len(),
	)
	return nil
}

// Store returns the snapshot store. Valid after Start.
func (m *Manager) Store() *Store {
	return m.store
}

// Reload loads a fresh snapshot and publishes it. A failed load keeps
// the previous snapshot live; reloads are serialized so concurrent
// triggers cannot publish out of order.
func (m *Manager) Reload(ctx context.Context) error {
	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()

	m.publishEvent(events.EventConfigReloadStarted, map[string]any{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})

	start := time.Now()
	snap, err := m.loader.Load(ctx)
	if err != nil {
		m.log.Error("config reload failed, keeping previous snapshot", "error", err)
		m.publishEvent(events.EventConfigReloadFailed, map[string]any{
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"error":     err.Error(),
		})
		return err
	}

	m.store.Publish(snap)
	if m.onReload != nil {
		m.onReload(snap)
	}

	duration := time.Since(start)
	m.log.Info("config reload completed",
		"version", snap.Version,
		"duration", duration,
		"routes", snap.Routes.Len(),
		"upstreams", len(snap.Upstreams),
		"api_keys", snap.Credentials.Len(),
	)
	m.publishEvent(events.EventConfigReloadCompleted, map[string]any{
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
		"version":     snap.Version,
		"duration_ms": duration.Milliseconds(),
		"routes":      snap.Routes.Len(),
		"upstreams":   len(snap.Upstreams),
	})

	return nil
}

// StartWatching reloads when the route file changes on disk.
func (m *Manager) StartWatching(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}

	// Watch the directory: editors and configmap mounts replace the
	// file instead of writing it in place.
	dir := filepath.Dir(m.loader.Path())
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	m.watcher = watcher
	m.watchCtx, m.watchCancel = context.WithCancel(ctx)

	go m.watchLoop()
	m.log.Info("watching route file", "path", m.loader.Path())
	return nil
}

func (m *Manager) watchLoop() {
	target := filepath.Clean(m.loader.Path())

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-m.watchCtx.Done():
			return

		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}

			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounceWindow, func() {
				if err := m.Reload(m.watchCtx); err != nil {
					m.log.Warn("file-triggered reload failed", "error", err)
				}
			})

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.log.Warn("file watcher error", "error", err)
		}
	}
}

// StartSchedule reloads on a cron schedule, typically to pick up
// discovery and external credential changes that never touch the file.
func (m *Manager) StartSchedule(ctx context.Context, spec string) error {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		if err := m.Reload(ctx); err != nil {
			m.log.Warn("scheduled reload failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid reload schedule %q: %w", spec, err)
	}

	m.cron = c
	c.Start()
	m.log.Info("scheduled config reload", "spec", spec)
	return nil
}

// Stop stops the watcher and scheduler.
func (m *Manager) Stop() error {
	if m.watchCancel != nil {
		m.watchCancel()
	}
	if m.cron != nil {
		m.cron.Stop()
	}
	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}

func (m *Manager) publishEvent(eventType string, data map[string]any) {
	if m.events == nil {
		return
	}
	if err := m.events.PublishGatewayEvent(context.Background(), eventType, data); err != nil {
		m.log.Warn("failed to publish config event",
			"event_type", eventType,
			"error", err,
		)
	}
}
