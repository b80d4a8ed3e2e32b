// Package circuitbreaker implements a per-upstream-target circuit
// breaker: an explicit finite-state machine that stops routing to a
// repeatedly failing target for a cooldown period.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State int

const (
	// StateClosed allows requests to pass through normally.
	StateClosed State = iota
	// StateOpen blocks all requests until the cooldown elapses.
	StateOpen
	// StateHalfOpen allows a limited number of probe requests.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when the circuit breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// ErrTooManyProbes is returned when the half-open probe budget is spent.
var ErrTooManyProbes = errors.New("too many probe requests in half-open state")

// Config holds circuit breaker configuration.
type Config struct {
	// FailureThreshold is the number of consecutive failures before
	// the circuit opens.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before allowing
	// a probe request.
	Cooldown time.Duration
	// MaxProbes is the max concurrent requests allowed in half-open state.
	MaxProbes int
	// OnStateChange is called when the circuit state changes.
	OnStateChange func(target string, from, to State)
}

// DefaultConfig returns a circuit breaker config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		MaxProbes:        1,
	}
}

// Breaker tracks the health of a single upstream target.
type Breaker struct {
	target string
	config Config

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	lastFailure         time.Time
	probes              int
}

// New creates a circuit breaker for the given target address.
func New(target string, config Config) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.Cooldown <= 0 {
		config.Cooldown = 30 * time.Second
	}
	if config.MaxProbes <= 0 {
		config.MaxProbes = 1
	}

	return &Breaker{
		target: target,
		config: config,
		state:  StateClosed,
	}
}

// Target returns the target address this breaker guards.
func (b *Breaker) Target() string {
	return b.target
}

// State returns the current circuit breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState()
}

// currentState returns the current state, accounting for cooldown
// expiry. Must be called with the lock held.
func (b *Breaker) currentState() State {
	if b.state == StateOpen && time.Since(b.lastFailure) >= b.config.Cooldown {
		return StateHalfOpen
	}
	return b.state
}

// Allow checks if a request may be sent to the target. In half-open
// state at most MaxProbes requests are admitted until one completes.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.currentState() {
	case StateClosed:
		return nil

	case StateOpen:
		return ErrCircuitOpen

	case StateHalfOpen:
		if b.state == StateOpen {
			// Cooldown elapsed; commit the transition.
			b.transition(StateHalfOpen)
		}
		if b.probes >= b.config.MaxProbes {
			return ErrTooManyProbes
		}
		b.probes++
		return nil
	}

	return nil
}

// RecordSuccess records a successful request to the target.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.currentState() {
	case StateClosed:
		b.consecutiveFailures = 0

	case StateHalfOpen:
		// First probe success restores the circuit.
		b.probes--
		b.transition(StateClosed)
	}
}

// RecordFailure records a failed request to the target.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.currentState() {
	case StateClosed:
		b.consecutiveFailures++
		b.lastFailure = time.Now()
		if b.consecutiveFailures >= b.config.FailureThreshold {
			b.transition(StateOpen)
		}

	case StateHalfOpen:
		if b.state == StateOpen {
			b.transition(StateHalfOpen)
		}
		b.probes--
		b.lastFailure = time.Now()
		b.transition(StateOpen)
	}
}

// transition moves to a new state. Must be called with the lock held.
func (b *Breaker) transition(newState State) {
	if b.state == newState {
		return
	}

	oldState := b.state
	b.state = newState

	switch newState {
	case StateClosed:
		b.consecutiveFailures = 0
		b.probes = 0
	case StateHalfOpen:
		b.probes = 0
	}

	if b.config.OnStateChange != nil {
		go b.config.OnStateChange(b.target, oldState, newState)
	}
}

// Reset restores the breaker to the closed state.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = StateClosed
	b.consecutiveFailures = 0
	b.probes = 0
}

// Stats is a point-in-time view of a breaker.
type Stats struct {
	Target              string    `json:"target"`
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastFailure         time.Time `json:"last_failure,omitempty"`
}

// Stats returns the current breaker statistics.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Stats{
		Target:              b.target,
		State:               b.currentState().String(),
		ConsecutiveFailures: b.consecutiveFailures,
		LastFailure:         b.lastFailure,
	}
}
