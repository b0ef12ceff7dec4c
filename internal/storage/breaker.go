package storage

import (
	"sync"
	"time"
)

// breakerState is the circuit breaker's current disposition.
type breakerState string

const (
	stateClosed   breakerState = "closed"
	stateOpen     breakerState = "open"
	stateHalfOpen breakerState = "half_open"
)

// CircuitBreaker is a three-state failure isolator for the storage backend:
// closed (normal) -> open (failing fast) -> half_open (probing) -> closed.
type CircuitBreaker struct {
	mu               sync.Mutex
	state            breakerState
	failureCount     int
	lastFailureTime  time.Time
	failureThreshold int
	recoveryTimeout  time.Duration
	now              func() time.Time
}

// NewCircuitBreaker builds a breaker with the given threshold and recovery
// window. No defaults are applied here; NewClient passes threshold=5,
// recovery=30s.
func NewCircuitBreaker(failureThreshold int, recoveryTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		state:            stateClosed,
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
		now:              time.Now,
	}
}

// CanExecute reports whether a call should be attempted. In open state it
// flips to half_open (and returns true) once the recovery window elapses.
func (b *CircuitBreaker) CanExecute() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateClosed:
		return true
	case stateOpen:
		if b.now().Sub(b.lastFailureTime) > b.recoveryTimeout {
			b.state = stateHalfOpen
			return true
		}
		return false
	default: // half_open: allow the probe call through
		return true
	}
}

// RecordSuccess resets the failure count and returns the breaker to closed.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureCount = 0
	b.state = stateClosed
}

// RecordFailure increments the failure count, stamps the failure time, and
// opens the breaker once the threshold is reached.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureCount++
	b.lastFailureTime = b.now()
	if b.failureCount >= b.failureThreshold {
		b.state = stateOpen
	}
}

// State returns the current state as a string ("closed", "open" or
// "half_open"); StateCode gives its numeric form.
func (b *CircuitBreaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.state)
}

// StateCode returns the numeric encoding used by the metrics gauge
// (closed=0, open=1, half_open=2).
func (b *CircuitBreaker) StateCode() float64 {
	switch b.State() {
	case string(stateOpen):
		return 1
	case string(stateHalfOpen):
		return 2
	default:
		return 0
	}
}
