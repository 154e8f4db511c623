// Package retry executes a closure with bounded retries, configurable
// backoff, a circuit breaker, and a total-time budget, classifying
// failures through internal/errclass to decide what is worth retrying.
package retry

import (
	"context"
	"errors"
	"time"

	cbackoff "github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/loomwork/loom/internal/errclass"
)

// Policy configures one Executor.
type Policy struct {
	MaxAttempts       int
	Backoff           BackoffSpec
	PerAttemptTimeout time.Duration
	RetryOn           []errclass.Class // defaults to Network, Timeout, RateLimit
	Budget            time.Duration    // zero means unbounded
	Breaker           *BreakerConfig   // nil disables the circuit breaker
}

// DefaultRetryOn is the predicate spec.md §4.15 names as the default.
func DefaultRetryOn() []errclass.Class {
	return []errclass.Class{errclass.Network, errclass.Timeout, errclass.RateLimit}
}

// Op is the operation an Executor retries.
type Op func(ctx context.Context) error

// Result summarizes one Execute call.
type Result struct {
	Attempts int
	Elapsed  time.Duration
	Err      error
}

// Success reports whether the operation eventually succeeded.
func (r Result) Success() bool { return r.Err == nil }

// Executor runs an Op under a Policy.
type Executor struct {
	policy  Policy
	breaker *gobreaker.CircuitBreaker
}

func NewExecutor(policy Policy) *Executor {
	e := &Executor{policy: policy}
	if policy.Breaker != nil {
		e.breaker = newBreaker(*policy.Breaker)
	}
	return e
}

// BreakerState reports the current circuit state; Closed if no breaker is
// configured.
func (e *Executor) BreakerState() BreakerState {
	if e.breaker == nil {
		return StateClosed
	}
	return stateName(e.breaker.State())
}

// Execute runs op up to policy.MaxAttempts times, honoring backoff, the
// circuit breaker, and the total-time budget. The attempt loop itself is
// driven by cenkalti/backoff's Retry: backoff.go's sequenceBackoff supplies
// the delay sequence, and anything the policy decides is not worth
// retrying (budget exhaustion, a non-retryable error class, an open
// circuit) is surfaced to the library as a cbackoff.Permanent error so it
// stops immediately instead of waiting out the rest of the sequence.
func (e *Executor) Execute(ctx context.Context, op Op) Result {
	start := time.Now()

	retryOn := e.policy.RetryOn
	if len(retryOn) == 0 {
		retryOn = DefaultRetryOn()
	}
	maxAttempts := e.policy.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var bo cbackoff.BackOff = newSequenceBackoff(e.policy.Backoff)
	bo = cbackoff.WithMaxRetries(bo, uint64(maxAttempts-1))
	bo = cbackoff.WithContext(bo, ctx)

	var lastErr error
	attempts := 0

	operation := func() error {
		if e.policy.Budget > 0 && time.Since(start) >= e.policy.Budget {
			lastErr = errclass.New(errclass.BudgetExhausted, "retry.execute", &BudgetExhaustedError{Attempts: attempts, Last: lastErr})
			return cbackoff.Permanent(lastErr)
		}

		attempts++
		attemptCtx := ctx
		var cancel context.CancelFunc
		if e.policy.PerAttemptTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, e.policy.PerAttemptTimeout)
		}

		err := e.runOnce(attemptCtx, op)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			lastErr = nil
			return nil
		}

		lastErr = err
		class := errclass.ClassOf(err)
		if class == errclass.CircuitOpen || !classIn(class, retryOn) || attempts >= maxAttempts {
			return cbackoff.Permanent(err)
		}
		return err
	}

	err := cbackoff.Retry(operation, bo)
	if err != nil && ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		err = errclass.New(errclass.Cancelled, "retry.execute", ctx.Err())
	}

	return Result{Attempts: attempts, Elapsed: time.Since(start), Err: err}
}

func (e *Executor) runOnce(ctx context.Context, op Op) error {
	if e.breaker == nil {
		return op(ctx)
	}
	_, err := e.breaker.Execute(func() (any, error) {
		return nil, op(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return errclass.New(errclass.CircuitOpen, "retry.execute", err)
	}
	return err
}

func classIn(c errclass.Class, set []errclass.Class) bool {
	for _, s := range set {
		if s == c {
			return true
		}
	}
	return false
}
