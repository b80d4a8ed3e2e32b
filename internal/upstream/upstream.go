// Package upstream models backend groups and per-target runtime state.
// Groups are immutable per configuration snapshot; target health lives
// in a Runtime keyed by address so circuit state and connection counts
// survive configuration reloads.
package upstream

import (
	"math/rand/v2"
	"net/url"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/switchyardlabs/switchyard/internal/circuitbreaker"
	"github.com/switchyardlabs/switchyard/internal/shared/errors"
)

// Policy selects how a group picks among its targets.
type Policy string

const (
	// RoundRobin distributes requests evenly across targets.
	RoundRobin Policy = "round_robin"
	// Random selects a random target.
	Random Policy = "random"
	// LeastConnections prefers the target with fewest in-flight requests.
	LeastConnections Policy = "least_connections"
)

// Target is an addressable backend endpoint.
type Target struct {
	// Address is the host:port identity used to key runtime state.
	Address string
	// URL carries scheme and host for outbound requests.
	URL *url.URL
}

// Group is an ordered set of targets with a selection policy.
// Immutable per snapshot except the round-robin cursor.
type Group struct {
	ID      string
	Policy  Policy
	Targets []*Target

	cursor atomic.Uint64
}

// NewGroup creates a group. An unknown policy falls back to round-robin.
func NewGroup(id string, policy Policy, targets []*Target) *Group {
	switch policy {
	case RoundRobin, Random, LeastConnections:
	default:
		policy = RoundRobin
	}
	return &Group{ID: id, Policy: policy, Targets: targets}
}

// TargetState is the mutable runtime state of a single target.
type TargetState struct {
	Breaker *circuitbreaker.Breaker

	active atomic.Int64
}

// AcquireConn marks a request in flight against the target.
func (s *TargetState) AcquireConn() {
	s.active.Add(1)
}

// ReleaseConn marks a request complete.
func (s *TargetState) ReleaseConn() {
	s.active.Add(-1)
}

// ActiveConnections returns the number of in-flight requests.
func (s *TargetState) ActiveConnections() int64 {
	return s.active.Load()
}

// Runtime tracks per-target state across all groups, keyed by address.
type Runtime struct {
	mu       sync.RWMutex
	states   map[string]*TargetState
	cbConfig circuitbreaker.Config
}

// NewRuntime creates a runtime with the given breaker configuration.
func NewRuntime(cbConfig circuitbreaker.Config) *Runtime {
	return &Runtime{
		states:   make(map[string]*TargetState),
		cbConfig: cbConfig,
	}
}

// State returns the runtime state for a target address, creating it on
// first use.
func (r *Runtime) State(address string) *TargetState {
	r.mu.RLock()
	s, ok := r.states[address]
	r.mu.RUnlock()

	if ok {
		return s
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring write lock
	if s, ok = r.states[address]; ok {
		return s
	}

	s = &TargetState{Breaker: circuitbreaker.New(address, r.cbConfig)}
	r.states[address] = s
	return s
}

// AllStats returns breaker statistics for every known target.
func (r *Runtime) AllStats() []circuitbreaker.Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := make([]circuitbreaker.Stats, 0, len(r.states))
	for _, s := range r.states {
		stats = append(stats, s.Breaker.Stats())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Target < stats[j].Target })
	return stats
}

// Pick selects the next target per the group's policy, skipping targets
// in the exclude set and targets whose breaker refuses admission (open
// circuit or spent probe budget). Admission is consumed: a half-open
// target returned by Pick holds its probe slot until the caller records
// the outcome on its breaker.
func (g *Group) Pick(rt *Runtime, exclude map[string]bool) (*Target, *TargetState, error) {
	if len(g.Targets) == 0 {
		return nil, nil, errors.NoHealthyTargets("upstream group has no targets")
	}

	order := g.selectionOrder(rt)
	for _, t := range order {
		if exclude[t.Address] {
			continue
		}
		state := rt.State(t.Address)
		if err := state.Breaker.Allow(); err != nil {
			continue
		}
		return t, state, nil
	}

	return nil, nil, errors.NoHealthyTargets("no available upstream targets")
}

// selectionOrder returns the targets in the order the policy would try
// them.
func (g *Group) selectionOrder(rt *Runtime) []*Target {
	n := len(g.Targets)
	order := make([]*Target, n)

	switch g.Policy {
	case Random:
		start := rand.IntN(n)
		for i := 0; i < n; i++ {
			order[i] = g.Targets[(start+i)%n]
		}

	case LeastConnections:
		copy(order, g.Targets)
		sort.SliceStable(order, func(i, j int) bool {
			return rt.State(order[i].Address).ActiveConnections() <
				rt.State(order[j].Address).ActiveConnections()
		})

	default: // RoundRobin
		start := int(g.cursor.Add(1)-1) % n
		for i := 0; i < n; i++ {
			order[i] = g.Targets[(start+i)%n]
		}
	}

	return order
}
