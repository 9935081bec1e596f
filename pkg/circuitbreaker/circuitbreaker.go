// Package circuitbreaker implements a circuit breaker guarding the worker's
// outbound HTTP clients. When an upstream (the rostering or analytics API)
// fails repeatedly, the breaker opens and requests fail fast; the delivery
// backoff cycle and the partial-result history fetch both treat an open
// breaker like any other request failure.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// State is the breaker state.
type State int

const (
	// StateClosed allows requests through; the normal state.
	StateClosed State = iota
	// StateOpen blocks requests until the cooldown elapses.
	StateOpen
	// StateHalfOpen allows a limited number of probe requests.
	StateHalfOpen
)

// String returns the lowercase state name.
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

// ErrOpen is returned by Allow while the circuit is open or the half-open
// probe budget is spent.
var ErrOpen = errors.New("circuit breaker: open")

// Config holds breaker tuning.
type Config struct {
	// Name identifies the breaker in logs.
	Name string

	// FailureThreshold is the number of consecutive failures that opens
	// the circuit.
	FailureThreshold int

	// SuccessThreshold is the number of half-open successes that closes
	// it again.
	SuccessThreshold int

	// Cooldown is how long the circuit stays open before probing.
	Cooldown time.Duration

	// MaxProbes bounds concurrent half-open requests.
	MaxProbes int

	// OnStateChange is invoked on every transition.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns conservative defaults for an external HTTP API.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Cooldown:         30 * time.Second,
		MaxProbes:        1,
	}
}

// Breaker is a mutex-guarded circuit breaker.
type Breaker struct {
	config Config

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	probes    int
	openedAt  time.Time

	now func() time.Time
}

// New creates a Breaker from config, filling zero fields with defaults.
func New(config Config) *Breaker {
	def := DefaultConfig(config.Name)
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = def.SuccessThreshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = def.Cooldown
	}
	if config.MaxProbes <= 0 {
		config.MaxProbes = def.MaxProbes
	}

	return &Breaker{config: config, state: StateClosed, now: time.Now}
}

// Allow reports whether a request may proceed, reserving a probe slot in
// half-open state. Callers must follow with RecordSuccess or RecordFailure.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.config.Cooldown {
			return ErrOpen
		}
		b.transition(StateHalfOpen)
		b.probes = 1
		return nil
	case StateHalfOpen:
		if b.probes >= b.config.MaxProbes {
			return ErrOpen
		}
		b.probes++
		return nil
	}
	return nil
}

// RecordSuccess notes a successful request.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.probes--
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			b.transition(StateClosed)
		}
	}
}

// RecordFailure notes a failed request.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.config.FailureThreshold {
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		b.probes--
		b.transition(StateOpen)
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset returns the breaker to closed with cleared counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transition(StateClosed)
}

// transition changes state and resets counters. Callers hold b.mu.
func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}

	b.state = to
	b.failures = 0
	b.successes = 0
	if to == StateOpen {
		b.openedAt = b.now()
		b.probes = 0
	}

	if b.config.OnStateChange != nil {
		b.config.OnStateChange(b.config.Name, from, to)
	}
}
