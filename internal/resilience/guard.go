package resilience

import (
	"context"
	"errors"
	"log"
	"time"

	"golang.org/x/time/rate"

	"fundflow/internal/provider"
)

// ErrRateLimited is returned when a token could not be acquired within the
// bounded wait. Treated as transient by retry policy.
var ErrRateLimited = errors.New("provider rate limit exceeded")

// Class is the retry classification of a guarded call's failure.
type Class string

const (
	ClassNone        Class = "none"
	ClassTransient   Class = "transient"    // retry via backoff/poll
	ClassPermanent   Class = "permanent"    // do not retry
	ClassCircuitOpen Class = "circuit_open" // defer to next poll cycle
	ClassRateLimited Class = "rate_limited" // transient, locally generated
)

// Classify buckets an error from Guard.Do for policy and metrics.
func Classify(err error) Class {
	switch {
	case err == nil:
		return ClassNone
	case errors.Is(err, ErrCircuitOpen):
		return ClassCircuitOpen
	case errors.Is(err, ErrRateLimited):
		return ClassRateLimited
	case provider.IsPermanent(err):
		return ClassPermanent
	default:
		return ClassTransient
	}
}

// Retryable reports whether the poll scheduler should try the call again.
func Retryable(err error) bool {
	switch Classify(err) {
	case ClassTransient, ClassCircuitOpen, ClassRateLimited:
		return true
	}
	return false
}

// GuardConfig configures one provider guard.
type GuardConfig struct {
	Name         string
	MaxFailures  int           // breaker trip threshold
	ResetTimeout time.Duration // breaker cool-down
	Rate         float64       // tokens per second; <= 0 disables limiting
	Burst        int
	MaxTokenWait time.Duration // bounded wait for a token
}

// Guard wraps calls to one provider with a circuit breaker and token-bucket
// rate limiter. Breaker rejections fail fast without consuming a token and
// without counting as provider failures.
type Guard struct {
	name         string
	breaker      *Breaker
	limiter      *rate.Limiter
	maxTokenWait time.Duration
}

// NewGuard creates a guard for the named provider.
func NewGuard(cfg GuardConfig) *Guard {
	b := NewBreaker(cfg.MaxFailures, cfg.ResetTimeout)
	// Only transient provider faults indicate ill health: a 4xx rejection
	// is a healthy provider saying no, and a locally generated rate-limit
	// wait-out never reached the provider at all.
	b.CountsAsFailure = func(err error) bool {
		return !provider.IsPermanent(err) && !errors.Is(err, ErrRateLimited)
	}
	b.OnStateChange = func(from, to BreakerState) {
		log.Printf("[resilience] %s breaker %s -> %s", cfg.Name, from, to)
	}

	var lim *rate.Limiter
	if cfg.Rate > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(cfg.Rate), burst)
	}

	wait := cfg.MaxTokenWait
	if wait <= 0 {
		wait = 2 * time.Second
	}

	return &Guard{
		name:         cfg.Name,
		breaker:      b,
		limiter:      lim,
		maxTokenWait: wait,
	}
}

// Name returns the guarded provider's name.
func (g *Guard) Name() string { return g.name }

// Breaker exposes the underlying breaker for metrics wiring.
func (g *Guard) Breaker() *Breaker { return g.breaker }

// Do runs fn against the provider. The breaker check happens before the
// token acquisition so an open circuit does not drain the bucket.
func (g *Guard) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	return g.breaker.Execute(func() error {
		if g.limiter != nil {
			waitCtx, cancel := context.WithTimeout(ctx, g.maxTokenWait)
			err := g.limiter.Wait(waitCtx)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return ErrRateLimited
			}
		}
		return fn(ctx)
	})
}
