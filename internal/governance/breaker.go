package governance

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the circuit for a host is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreakerState represents the state of a circuit breaker.
type CircuitBreakerState string

const (
	// StateClosed indicates requests are allowed.
	StateClosed CircuitBreakerState = "closed"
	// StateOpen indicates requests are rejected until the open timeout passes.
	StateOpen CircuitBreakerState = "open"
	// StateHalfOpen indicates a limited number of probe requests are allowed.
	StateHalfOpen CircuitBreakerState = "half-open"
)

// CircuitBreakerConfig defines thresholds for circuit breaking.
type CircuitBreakerConfig struct {
	// MaxFailures is the number of consecutive failures that opens the
	// circuit. Zero disables circuit breaking.
	MaxFailures int `yaml:"max_failures"`
	// Timeout is how long the circuit stays open before probing.
	Timeout time.Duration `yaml:"timeout"`
	// MaxHalfOpenRequests is the number of probes admitted while half-open;
	// that many consecutive successes close the circuit again.
	MaxHalfOpenRequests int `yaml:"max_half_open_requests"`
}

// DefaultCircuitBreakerConfig returns defaults with circuit breaking disabled.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		MaxFailures:         0,
		Timeout:             30 * time.Second,
		MaxHalfOpenRequests: 1,
	}
}

// CircuitBreaker tracks consecutive failures for one upstream.
type CircuitBreaker struct {
	mu     sync.Mutex
	config CircuitBreakerConfig
	now    func() time.Time

	state                CircuitBreakerState
	consecutiveFailures  int
	consecutiveSuccesses int
	halfOpenRequests     int
	openUntil            time.Time
}

// NewCircuitBreaker creates a closed circuit breaker.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MaxHalfOpenRequests <= 0 {
		config.MaxHalfOpenRequests = 1
	}
	return &CircuitBreaker{config: config, now: time.Now, state: StateClosed}
}

// Allow reports whether a request may be dispatched. Every nil result must be
// followed by a call to Record.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Before(cb.openUntil) {
			return ErrCircuitOpen
		}
		cb.transitionLocked(StateHalfOpen)
		cb.halfOpenRequests++
		return nil
	case StateHalfOpen:
		if cb.halfOpenRequests >= cb.config.MaxHalfOpenRequests {
			return ErrCircuitOpen
		}
		cb.halfOpenRequests++
		return nil
	default:
		return nil
	}
}

// Record notes the result of an admitted request.
func (cb *CircuitBreaker) Record(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if success {
		cb.consecutiveSuccesses++
		cb.consecutiveFailures = 0
	} else {
		cb.consecutiveFailures++
		cb.consecutiveSuccesses = 0
	}

	switch cb.state {
	case StateHalfOpen:
		if !success {
			cb.transitionLocked(StateOpen)
			return
		}
		if cb.consecutiveSuccesses >= cb.config.MaxHalfOpenRequests {
			cb.transitionLocked(StateClosed)
		}
	case StateClosed:
		if !success && cb.config.MaxFailures > 0 && cb.consecutiveFailures >= cb.config.MaxFailures {
			cb.transitionLocked(StateOpen)
		}
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) transitionLocked(state CircuitBreakerState) {
	cb.state = state
	cb.consecutiveFailures = 0
	cb.consecutiveSuccesses = 0
	cb.halfOpenRequests = 0
	if state == StateOpen {
		cb.openUntil = cb.now().Add(cb.config.Timeout)
	} else {
		cb.openUntil = time.Time{}
	}
}

// Breakers keeps one circuit breaker per upstream host. A nil *Breakers
// admits everything.
type Breakers struct {
	mu       sync.Mutex
	config   CircuitBreakerConfig
	breakers map[string]*CircuitBreaker
}

// NewBreakers returns a per-host breaker set, or nil when config disables
// circuit breaking.
func NewBreakers(config CircuitBreakerConfig) *Breakers {
	if config.MaxFailures <= 0 {
		return nil
	}
	return &Breakers{config: config, breakers: make(map[string]*CircuitBreaker)}
}

// Get returns the breaker for host, creating it on first use.
func (b *Breakers) Get(host string) *CircuitBreaker {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	cb, ok := b.breakers[host]
	if !ok {
		cb = NewCircuitBreaker(b.config)
		b.breakers[host] = cb
	}
	return cb
}
