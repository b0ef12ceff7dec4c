// Package storage implements the resilient key-value client, its circuit
// breaker, the time-series writer/reader, and the metrics cache facade
// the metrics cache facade.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/streamcore/analytics/internal/metrics"
)

// ErrCircuitOpen is returned when the breaker is open and a call is
// rejected without being attempted.
var ErrCircuitOpen = errors.New("storage circuit breaker is open")

// ConnError marks an error as a connection/timeout failure that should feed
// the circuit breaker. Decode or validation errors from callers must NOT be
// wrapped in ConnError, so they never trip the breaker.
type ConnError struct{ err error }

func (e *ConnError) Error() string { return e.err.Error() }
func (e *ConnError) Unwrap() error { return e.err }

// WrapConnError marks err as a connection-class failure.
func WrapConnError(err error) error {
	if err == nil {
		return nil
	}
	return &ConnError{err: err}
}

func isConnError(err error) bool {
	var ce *ConnError
	return errors.As(err, &ce)
}

// Client mediates all access to the KVStore through a circuit breaker and
// bounded retry with exponential backoff.
type Client struct {
	store      KVStore
	breaker    *CircuitBreaker
	maxRetries int
	logger     zerolog.Logger
	sleep      func(time.Duration)
}

// NewClient wraps store with a breaker using spec defaults
// (failure_threshold=5, recovery_timeout=30s).
func NewClient(store KVStore, logger zerolog.Logger) *Client {
	return &Client{
		store:      store,
		breaker:    NewCircuitBreaker(5, 30*time.Second),
		maxRetries: 3,
		logger:     logger,
		sleep:      time.Sleep,
	}
}

// ExecuteWithRetry runs op against the store, retrying connection-class
// failures with exponential backoff (0.1 * 2^attempt seconds) up to
// maxRetries attempts. Non-connection errors (e.g. caller-side decode
// errors) are returned immediately without touching the breaker.
func (c *Client) ExecuteWithRetry(ctx context.Context, op func(ctx context.Context, store KVStore) error) error {
	if !c.breaker.CanExecute() {
		return ErrCircuitOpen
	}
	metrics.BreakerState.Set(c.breaker.StateCode())

	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		err := op(ctx, c.store)
		if err == nil {
			c.breaker.RecordSuccess()
			metrics.BreakerState.Set(c.breaker.StateCode())
			return nil
		}

		if !isConnError(err) {
			return err
		}

		lastErr = err
		c.breaker.RecordFailure()
		metrics.BreakerState.Set(c.breaker.StateCode())
		if attempt < c.maxRetries-1 {
			backoff := time.Duration(float64(100*time.Millisecond) * pow2(attempt))
			c.logger.Warn().
				Int("attempt", attempt+1).
				Dur("backoff", backoff).
				Err(err).
				Msg("storage retry")
			c.sleep(backoff)
		}
	}
	return fmt.Errorf("storage operation failed after %d attempts: %w", c.maxRetries, lastErr)
}

func pow2(n int) float64 {
	result := 1.0
	for i := 0; i < n; i++ {
		result *= 2
	}
	return result
}

// Ping reports liveness, swallowing the underlying error (used by a
// readiness probe; a non-nil breaker state is itself informative).
func (c *Client) Ping(ctx context.Context) bool {
	err := c.ExecuteWithRetry(ctx, func(ctx context.Context, store KVStore) error {
		if pingErr := store.Ping(ctx); pingErr != nil {
			return WrapConnError(pingErr)
		}
		return nil
	})
	return err == nil
}

// Close releases the underlying store's resources.
func (c *Client) Close() error {
	return c.store.Close()
}

// CircuitState exposes the breaker's current state for metrics/readiness.
func (c *Client) CircuitState() string {
	return c.breaker.State()
}

// CircuitStateCode exposes the breaker's numeric state code for metrics.
func (c *Client) CircuitStateCode() float64 {
	return c.breaker.StateCode()
}
