// Package resilience wraps every provider call with a per-provider circuit
// breaker and token-bucket rate limiter, and classifies the failures that
// escape so callers can pick a retry policy without inspecting wire errors.
package resilience

import (
	"errors"
	"sync"
	"time"
)

// BreakerState represents the circuit breaker state.
type BreakerState int

const (
	BreakerClosed   BreakerState = 0 // Normal operation — requests pass through
	BreakerOpen     BreakerState = 1 // Circuit tripped — requests rejected immediately
	BreakerHalfOpen BreakerState = 2 // Testing — one request allowed through to probe
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when the breaker rejects a call without
// contacting the provider. It never counts toward the provider's own error
// budget.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Breaker implements the circuit breaker pattern for one provider. After
// maxFailures consecutive counted failures it opens and rejects all calls
// for resetTimeout. After the timeout it enters half-open and allows one
// probe call through; a successful probe closes the breaker, a failed one
// reopens it.
type Breaker struct {
	mu           sync.Mutex
	state        BreakerState
	failures     int
	maxFailures  int
	resetTimeout time.Duration
	lastFailure  time.Time

	// CountsAsFailure decides which errors trip the breaker. Defaults to
	// any non-nil error; the Guard narrows it to transient faults so a 4xx
	// rejection does not poison an otherwise healthy provider.
	CountsAsFailure func(error) bool

	// OnStateChange is called on transitions (optional).
	OnStateChange func(from, to BreakerState)
}

// NewBreaker creates a circuit breaker.
// maxFailures: consecutive failures before opening (e.g., 5)
// resetTimeout: time to wait before the half-open probe (e.g., 30s)
func NewBreaker(maxFailures int, resetTimeout time.Duration) *Breaker {
	return &Breaker{
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		state:        BreakerClosed,
	}
}

// Execute runs fn through the circuit breaker.
// Returns ErrCircuitOpen if the breaker is open and the timeout hasn't elapsed.
func (b *Breaker) Execute(fn func() error) error {
	b.mu.Lock()

	switch b.state {
	case BreakerOpen:
		if time.Since(b.lastFailure) > b.resetTimeout {
			b.transition(BreakerHalfOpen)
		} else {
			b.mu.Unlock()
			return ErrCircuitOpen
		}

	case BreakerHalfOpen:
		// Allow the probe call through (one at a time via mutex)
	}

	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil && b.countsAsFailure(err) {
		b.failures++
		b.lastFailure = time.Now()

		if b.state == BreakerHalfOpen {
			// Probe failed — reopen
			b.transition(BreakerOpen)
		} else if b.failures >= b.maxFailures {
			b.transition(BreakerOpen)
		}
		return err
	}

	if b.state == BreakerHalfOpen {
		b.transition(BreakerClosed)
	}
	b.failures = 0
	return err
}

func (b *Breaker) countsAsFailure(err error) bool {
	if b.CountsAsFailure != nil {
		return b.CountsAsFailure(err)
	}
	return err != nil
}

// CurrentState returns the current circuit breaker state.
func (b *Breaker) CurrentState() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) transition(to BreakerState) {
	from := b.state
	b.state = to
	if to == BreakerClosed {
		b.failures = 0
	}
	if b.OnStateChange != nil {
		b.OnStateChange(from, to)
	}
}
