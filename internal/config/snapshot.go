// Package config builds and publishes immutable configuration
// snapshots for the gateway.
package config

import (
	"sync/atomic"
	"time"

	"github.com/switchyardlabs/switchyard/internal/credential"
	"github.com/switchyardlabs/switchyard/internal/router"
	"github.com/switchyardlabs/switchyard/internal/upstream"
)

// Snapshot is one immutable generation of gateway configuration. A
// request reads the snapshot pointer exactly once and uses that
// generation for its whole lifetime, so concurrent reloads can never
// mix routes from one generation with credentials from another.
type Snapshot struct {
	Version     uint64
	LoadedAt    time.Time
	Routes      *router.Table
	Credentials *credential.Store
	Upstreams   map[string]*upstream.Group
}

// Upstream returns the target group for an upstream id.
func (s *Snapshot) Upstream(id string) (*upstream.Group, bool) {
	g, ok := s.Upstreams[id]
	return g, ok
}

// Store holds the current snapshot behind an atomic pointer. Publish
// replaces the whole snapshot; readers are never blocked and never see
// a partially applied generation.
type Store struct {
	current atomic.Pointer[Snapshot]
	version atomic.Uint64
}

// NewStore creates a store seeded with an initial snapshot.
func NewStore(initial *Snapshot) *Store {
	s := &Store{}
	s.Publish(initial)
	return s
}

// Current returns the live snapshot. The returned value must be held
// for the duration of a request rather than re-read.
func (s *Store) Current() *Snapshot {
	return s.current.Load()
}

// Publish installs a new snapshot, assigning it the next version.
// In-flight requests keep using the generation they started with.
func (s *Store) Publish(snap *Snapshot) {
	snap.Version = s.version.Add(1)
	if snap.LoadedAt.IsZero() {
		snap.LoadedAt = time.Now().UTC()
	}
	s.current.Store(snap)
}
