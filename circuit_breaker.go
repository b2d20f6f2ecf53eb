package s3orm

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Circuit breaker states
const (
	CircuitClosed   = "closed"
	CircuitOpen     = "open"
	CircuitHalfOpen = "half-open"
)

// CircuitBreaker fails fast while a dependency (Redis, the object store)
// keeps erroring, and lets a single probe through after resetTimeout.
type CircuitBreaker struct {
	mu            sync.RWMutex
	maxFailures   int
	resetTimeout  time.Duration
	failures      int
	lastFailTime  time.Time
	state         string
	onStateChange func(from, to string)
	isFailure     func(error) bool
}

// NewCircuitBreaker opens after maxFailures consecutive failures and
// half-opens after resetTimeout.
//
//	cb := NewCircuitBreaker(5, 30*time.Second)
//	err := cb.Execute(ctx, func() error {
//	    return redisClient.Incr(ctx, key).Err()
//	})
func NewCircuitBreaker(maxFailures int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		state:        CircuitClosed,
		isFailure:    defaultIsFailure,
	}
}

// Caller cancellation and not-found answers say nothing about dependency health.
func defaultIsFailure(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled) && !IsNotFound(err)
}

// WithStateChangeCallback adds a callback for state transitions
func (cb *CircuitBreaker) WithStateChangeCallback(fn func(from, to string)) *CircuitBreaker {
	cb.onStateChange = fn
	return cb
}

// WithFailurePredicate overrides which errors count as failures
func (cb *CircuitBreaker) WithFailurePredicate(fn func(error) bool) *CircuitBreaker {
	cb.isFailure = fn
	return cb
}

// Execute runs fn unless the circuit is open, in which case it returns
// ErrStoreUnavailable without calling fn.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !cb.allow() {
		return WithContext(ErrStoreUnavailable, map[string]interface{}{
			"reason": "circuit breaker is open",
			"state":  cb.State(),
		})
	}

	err := fn()
	cb.recordResult(err)
	return err
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		if time.Since(cb.lastFailTime) > cb.resetTimeout {
			cb.setState(CircuitHalfOpen)
			return true
		}
		return false
	default:
		return true
	}
}

func (cb *CircuitBreaker) recordResult(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.isFailure(err) {
		cb.failures++
		cb.lastFailTime = time.Now()

		if cb.state == CircuitHalfOpen || (cb.failures >= cb.maxFailures && cb.state != CircuitOpen) {
			cb.setState(CircuitOpen)
		}
		return
	}

	if cb.state == CircuitHalfOpen {
		cb.setState(CircuitClosed)
	}
	cb.failures = 0
}

// setState must be called with mu held
func (cb *CircuitBreaker) setState(newState string) {
	oldState := cb.state
	cb.state = newState
	if cb.onStateChange != nil && oldState != newState {
		cb.onStateChange(oldState, newState)
	}
}

// State returns the current state
func (cb *CircuitBreaker) State() string {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Reset manually closes the circuit
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.setState(CircuitClosed)
}

// Failures returns the current consecutive failure count
func (cb *CircuitBreaker) Failures() int {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.failures
}
