package retry

import "fmt"

// BudgetExhaustedError is returned when the policy's total-time budget is
// spent before an attempt succeeds.
type BudgetExhaustedError struct {
	Attempts int
	Last     error
}

func (e *BudgetExhaustedError) Error() string {
	return fmt.Sprintf("retry budget exhausted after %d attempt(s): %v", e.Attempts, e.Last)
}

func (e *BudgetExhaustedError) Unwrap() error { return e.Last }
