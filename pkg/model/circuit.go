package model

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the breaker rejects a call without reaching
// the provider.
var ErrCircuitOpen = errors.New("provider circuit open")

// CircuitState is the breaker position.
type CircuitState int

const (
	// CircuitClosed lets calls through.
	CircuitClosed CircuitState = iota
	// CircuitOpen rejects calls until the reset timeout elapses.
	CircuitOpen
	// CircuitHalfOpen lets one probe call through to test recovery.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig tunes the breaker.
type CircuitBreakerConfig struct {
	// MaxFailures is the consecutive-failure count that opens the circuit.
	MaxFailures uint32
	// ResetTimeout is how long the circuit stays open before a probe call is
	// allowed through.
	ResetTimeout time.Duration
}

// DefaultCircuitBreakerConfig returns the defaults used by the chat client.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		MaxFailures:  5,
		ResetTimeout: 30 * time.Second,
	}
}

// CircuitBreaker keeps a failing provider from being hammered with requests.
// The loop retries on its own schedule; the breaker cuts the whole retry
// ladder off once the provider is clearly down.
type CircuitBreaker struct {
	config CircuitBreakerConfig

	// listener, when set, observes state transitions. It is invoked with the
	// breaker lock held and must not call back into the breaker.
	listener func(from, to CircuitState)

	mu          sync.Mutex
	state       CircuitState
	failures    uint32
	lastFailure time.Time
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		config: config,
		state:  CircuitClosed,
	}
}

// State returns the current breaker position as a string, for status
// endpoints and logs.
func (cb *CircuitBreaker) State() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state.String()
}

// FailureCount returns the consecutive-failure count.
func (cb *CircuitBreaker) FailureCount() uint32 {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Reset forces the breaker closed, discarding the failure history.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.setStateLocked(CircuitClosed)
	cb.failures = 0
	cb.lastFailure = time.Time{}
}

// Call runs fn unless the circuit is open. The first call after the reset
// timeout is the recovery probe: its outcome decides whether the circuit
// closes again or reopens.
func (cb *CircuitBreaker) Call(fn func() error) error {
	if err := cb.preflight(); err != nil {
		return err
	}
	err := fn()
	cb.record(err)
	return err
}

func (cb *CircuitBreaker) preflight() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != CircuitOpen {
		return nil
	}
	idle := time.Since(cb.lastFailure)
	if idle < cb.config.ResetTimeout {
		return fmt.Errorf("%w (last failure %s ago)", ErrCircuitOpen, idle.Round(time.Second))
	}
	cb.setStateLocked(CircuitHalfOpen)
	cb.failures = 0
	return nil
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.failures++
		cb.lastFailure = time.Now()
		switch cb.state {
		case CircuitHalfOpen:
			// Failed probe.
			cb.setStateLocked(CircuitOpen)
		case CircuitClosed:
			if cb.failures >= cb.config.MaxFailures {
				cb.setStateLocked(CircuitOpen)
			}
		}
		return
	}

	switch cb.state {
	case CircuitHalfOpen:
		cb.setStateLocked(CircuitClosed)
		cb.failures = 0
		cb.lastFailure = time.Time{}
	case CircuitClosed:
		cb.failures = 0
	}
}

// setStateLocked moves the breaker and notifies the listener. Caller holds
// the lock.
func (cb *CircuitBreaker) setStateLocked(next CircuitState) {
	if cb.state == next {
		return
	}
	prev := cb.state
	cb.state = next
	if cb.listener != nil {
		cb.listener(prev, next)
	}
}
