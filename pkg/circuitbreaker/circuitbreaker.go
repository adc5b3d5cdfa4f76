// Package circuitbreaker guards a flaky external call behind a simple
// closed/open/half-open state machine so a downstream outage doesn't
// pile up goroutines retrying a broker that is already down.
package circuitbreaker

import (
	"sync"
	"time"
)

type state string

const (
	closed   state = "closed"
	open     state = "open"
	halfOpen state = "half-open"
)

// ErrOpen is returned by Call while the circuit is open.
type ErrOpen struct{}

func (ErrOpen) Error() string { return "circuit breaker open" }

// CircuitBreaker trips open after MaxFailures consecutive failures and
// stays open for ResetTimeout before allowing one probe call through.
type CircuitBreaker struct {
	maxFailures int
	resetTime   time.Duration

	mu          sync.Mutex
	failures    int
	lastFailure time.Time
	state       state
}

func New(maxFailures int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		maxFailures: maxFailures,
		resetTime:   resetTimeout,
		state:       closed,
	}
}

// Call runs fn if the circuit permits it, and updates the circuit's
// state from the outcome.
func (cb *CircuitBreaker) Call(fn func() error) error {
	cb.mu.Lock()
	if cb.state == open {
		if time.Since(cb.lastFailure) > cb.resetTime {
			cb.state = halfOpen
			cb.failures = 0
		} else {
			cb.mu.Unlock()
			return ErrOpen{}
		}
	}
	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.failures++
		cb.lastFailure = time.Now()
		if cb.state == halfOpen || cb.failures >= cb.maxFailures {
			cb.state = open
		}
		return err
	}

	cb.state = closed
	cb.failures = 0
	return nil
}

// State reports the breaker's current state: "closed", "open", or "half-open".
func (cb *CircuitBreaker) State() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return string(cb.state)
}
