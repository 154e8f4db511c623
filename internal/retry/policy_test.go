package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomwork/loom/internal/errclass"
)

func TestExecuteSucceedsFirstTry(t *testing.T) {
	e := NewExecutor(Policy{MaxAttempts: 3})
	calls := 0
	res := e.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return nil
	})
	assert.True(t, res.Success())
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 1, calls)
}

// Scenario 2 from spec.md §8: fails twice then succeeds, 3 attempts,
// exponential backoff base 2 starting at 100ms, no jitter. Total elapsed
// must be at least 100ms + 200ms.
func TestExecuteExponentialBackoffScenario(t *testing.T) {
	e := NewExecutor(Policy{
		MaxAttempts: 3,
		Backoff: BackoffSpec{
			Strategy: Exponential,
			Initial:  100 * time.Millisecond,
			Base:     2,
		},
	})

	attempts := 0
	res := e.Execute(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errclass.New(errclass.Network, "test.op", errors.New("transient"))
		}
		return nil
	})

	assert.True(t, res.Success())
	assert.Equal(t, 3, res.Attempts)
	assert.GreaterOrEqual(t, res.Elapsed, 300*time.Millisecond)
}

func TestExecuteStopsOnNonRetryableClass(t *testing.T) {
	e := NewExecutor(Policy{MaxAttempts: 5})
	calls := 0
	res := e.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return errclass.New(errclass.Validation, "test.op", errors.New("bad input"))
	})
	assert.False(t, res.Success())
	assert.Equal(t, 1, calls)
	assert.Equal(t, errclass.Validation, errclass.ClassOf(res.Err))
}

func TestExecuteExhaustsMaxAttempts(t *testing.T) {
	e := NewExecutor(Policy{
		MaxAttempts: 3,
		Backoff:     BackoffSpec{Strategy: Fixed, Initial: time.Millisecond},
	})
	calls := 0
	res := e.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return errclass.New(errclass.Timeout, "test.op", errors.New("always fails"))
	})
	assert.False(t, res.Success())
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, res.Attempts)
}

func TestExecuteBudgetExhausted(t *testing.T) {
	e := NewExecutor(Policy{
		MaxAttempts: 100,
		Backoff:     BackoffSpec{Strategy: Fixed, Initial: 50 * time.Millisecond},
		Budget:      60 * time.Millisecond,
	})
	res := e.Execute(context.Background(), func(ctx context.Context) error {
		return errclass.New(errclass.Network, "test.op", errors.New("always transient"))
	})
	assert.False(t, res.Success())
	var budgetErr *BudgetExhaustedError
	assert.ErrorAs(t, res.Err, &budgetErr)
	assert.Equal(t, errclass.BudgetExhausted, errclass.ClassOf(res.Err))
}

// Boundary behavior from spec.md §8: exactly failure_threshold failures
// within window trips the breaker; one half-open success closes it. This
// test does not exercise the half-open failure path.
func TestCircuitBreakerTripsAndRecovers(t *testing.T) {
	e := NewExecutor(Policy{
		MaxAttempts: 1,
		Breaker: &BreakerConfig{
			FailureThreshold: 2,
			Window:           time.Minute,
			Cooldown:         20 * time.Millisecond,
		},
	})

	fail := func(ctx context.Context) error {
		return errclass.New(errclass.Network, "test.op", errors.New("down"))
	}

	res := e.Execute(context.Background(), fail)
	assert.False(t, res.Success())
	assert.Equal(t, StateClosed, e.BreakerState())

	res = e.Execute(context.Background(), fail)
	assert.False(t, res.Success())
	assert.Equal(t, StateOpen, e.BreakerState())

	res = e.Execute(context.Background(), fail)
	assert.Equal(t, errclass.CircuitOpen, errclass.ClassOf(res.Err))

	time.Sleep(25 * time.Millisecond)

	res = e.Execute(context.Background(), func(ctx context.Context) error { return nil })
	assert.True(t, res.Success())
	assert.Equal(t, StateClosed, e.BreakerState())
}

func TestExecuteCancelledDuringBackoff(t *testing.T) {
	e := NewExecutor(Policy{
		MaxAttempts: 5,
		Backoff:     BackoffSpec{Strategy: Fixed, Initial: time.Second},
	})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	res := e.Execute(ctx, func(ctx context.Context) error {
		return errclass.New(errclass.Network, "test.op", errors.New("transient"))
	})
	require.Error(t, res.Err)
	assert.Equal(t, errclass.Cancelled, errclass.ClassOf(res.Err))
}
