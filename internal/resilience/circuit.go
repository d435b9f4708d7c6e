package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed is the normal operating state.
	CircuitClosed CircuitState = iota
	// CircuitOpen means too many failures; calls are rejected immediately.
	CircuitOpen
	// CircuitHalfOpen allows a single probe call to test recovery.
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

// ErrCircuitOpen is returned when a call is rejected because the circuit is open.
var ErrCircuitOpen = eris.New("circuit breaker is open")

// CircuitBreaker guards a single remote service (validator, embeddings).
// After FailureThreshold consecutive failures the circuit opens for
// ResetTimeout; a probe call then decides whether it closes again.
type CircuitBreaker struct {
	failureThreshold int
	resetTimeout     time.Duration

	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	lastFailureTime     time.Time

	nowFunc func() time.Time
}

// NewCircuitBreaker creates a breaker. Zero values fall back to a threshold
// of 5 failures and a 30s reset timeout.
func NewCircuitBreaker(failureThreshold int, resetTimeout time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}
	return &CircuitBreaker{
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		state:            CircuitClosed,
		nowFunc:          time.Now,
	}
}

// Execute runs fn through the circuit breaker. Returns ErrCircuitOpen if the
// circuit is open.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.allow(); err != nil {
		return err
	}
	err := fn(ctx)
	cb.record(err)
	return err
}

// ExecuteVal is like Execute but preserves a return value.
func ExecuteVal[T any](ctx context.Context, cb *CircuitBreaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := cb.allow(); err != nil {
		return zero, err
	}
	val, err := fn(ctx)
	cb.record(err)
	return val, err
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitOpen && cb.nowFunc().Sub(cb.lastFailureTime) >= cb.resetTimeout {
		return CircuitHalfOpen
	}
	return cb.state
}

// Reset forces the circuit back to closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = CircuitClosed
	cb.consecutiveFailures = 0
}

func (cb *CircuitBreaker) allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		if cb.nowFunc().Sub(cb.lastFailureTime) >= cb.resetTimeout {
			cb.state = CircuitHalfOpen
			return nil // probe
		}
		return ErrCircuitOpen
	default:
		return nil
	}
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	// Only positively-transient failures count toward the trip threshold;
	// permanent errors say nothing about service health.
	if err == nil || !IsTransient(err) {
		cb.state = CircuitClosed
		cb.consecutiveFailures = 0
		return
	}

	cb.consecutiveFailures++
	cb.lastFailureTime = cb.nowFunc()
	if cb.state == CircuitHalfOpen || cb.consecutiveFailures >= cb.failureThreshold {
		cb.state = CircuitOpen
	}
}
