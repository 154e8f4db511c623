package retry

import (
	"time"

	"github.com/sony/gobreaker"
)

// BreakerConfig configures the circuit breaker guarding an Executor.
// States map directly onto gobreaker's closed/open/half-open machine,
// grounded on kubernaut's direct dependency on sony/gobreaker (its own
// breaker implementation was outside the retrieved pack, but the
// dependency itself is real and this is the library it reaches for).
type BreakerConfig struct {
	// FailureThreshold consecutive failures within Window trips the
	// breaker open.
	FailureThreshold uint32
	Window           time.Duration
	Cooldown         time.Duration
}

func newBreaker(cfg BreakerConfig) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "loom.retry",
		MaxRequests: 1, // exactly one probe call permitted in half-open
		Interval:    cfg.Window,
		Timeout:     cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
	})
}

// BreakerState mirrors gobreaker.State with the names spec.md §4.3 uses.
type BreakerState string

const (
	StateClosed   BreakerState = "closed"
	StateOpen     BreakerState = "open"
	StateHalfOpen BreakerState = "half_open"
)

func stateName(s gobreaker.State) BreakerState {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}
