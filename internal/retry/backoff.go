package retry

import (
	"math"
	"math/rand"
	"time"

	cbackoff "github.com/cenkalti/backoff/v4"
)

// Strategy selects how the base delay grows across attempts.
type Strategy string

const (
	Fixed       Strategy = "fixed"
	Linear      Strategy = "linear"
	Exponential Strategy = "exponential"
	Fibonacci   Strategy = "fibonacci"
	Custom      Strategy = "custom"
)

// BackoffSpec configures one of the five strategies in spec.md §4.3.
type BackoffSpec struct {
	Strategy Strategy
	Initial  time.Duration // d0 for fixed/linear/exponential/fibonacci
	Step     time.Duration // linear increment
	Base     float64       // exponential multiplier, e.g. 2.0
	Sequence []time.Duration

	// Jitter is j in [0, 1]: actual delay = base*(1 + uniform(-j, +j)).
	Jitter   float64
	MaxDelay time.Duration
}

// sequenceBackoff adapts BackoffSpec to cenkalti/backoff's BackOff
// interface so the retry executor can drive it with the library's
// Retry/RetryNotify helpers instead of a hand-rolled loop.
type sequenceBackoff struct {
	spec    BackoffSpec
	attempt int
	rng     *rand.Rand
}

var _ cbackoff.BackOff = (*sequenceBackoff)(nil)

func newSequenceBackoff(spec BackoffSpec) *sequenceBackoff {
	return &sequenceBackoff{spec: spec, rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (b *sequenceBackoff) Reset() { b.attempt = 0 }

func (b *sequenceBackoff) NextBackOff() time.Duration {
	b.attempt++
	d := b.base(b.attempt)

	if b.spec.Jitter > 0 {
		j := b.spec.Jitter
		factor := 1 + (b.rng.Float64()*2*j - j)
		d = time.Duration(float64(d) * factor)
	}
	if d < 0 {
		d = 0
	}
	if b.spec.MaxDelay > 0 && d > b.spec.MaxDelay {
		d = b.spec.MaxDelay
	}
	return d
}

func (b *sequenceBackoff) base(attempt int) time.Duration {
	switch b.spec.Strategy {
	case Linear:
		return b.spec.Initial + b.spec.Step*time.Duration(attempt-1)
	case Exponential:
		base := b.spec.Base
		if base <= 0 {
			base = 2
		}
		return time.Duration(float64(b.spec.Initial) * math.Pow(base, float64(attempt-1)))
	case Fibonacci:
		return time.Duration(fibonacci(attempt)) * b.spec.Initial
	case Custom:
		if len(b.spec.Sequence) == 0 {
			return 0
		}
		idx := attempt - 1
		if idx >= len(b.spec.Sequence) {
			idx = len(b.spec.Sequence) - 1
		}
		return b.spec.Sequence[idx]
	case Fixed:
		fallthrough
	default:
		return b.spec.Initial
	}
}

// fibonacci returns the n-th Fibonacci number with fib(1)=fib(2)=1.
func fibonacci(n int) int {
	if n <= 2 {
		return 1
	}
	a, b := 1, 1
	for i := 3; i <= n; i++ {
		a, b = b, a+b
	}
	return b
}
