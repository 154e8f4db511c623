package workflow

import (
	"time"

	"github.com/loomwork/loom/internal/errclass"
	"github.com/loomwork/loom/internal/gitwork"
)

// Status is the step's state-machine position (spec.md §4.5 "State
// machine per step").
type Status string

const (
	StatusPending           Status = "pending"
	StatusInterpolating     Status = "interpolating"
	StatusRunning           Status = "running"
	StatusCapturing         Status = "capturing"
	StatusValidating        Status = "validating"
	StatusSucceeded         Status = "succeeded"
	StatusFailed            Status = "failed"
	StatusOnFailureRecovery Status = "on_failure_recovery"
	StatusAborted           Status = "aborted"
	StatusSkipped           Status = "skipped"
)

// Result is the terminal outcome of one step's run through the engine.
type Result struct {
	StepName   string
	Status     Status
	Stdout     string
	Stderr     string
	ExitCode   int
	Duration   time.Duration
	Attempts   int
	Commits    []gitwork.CommitRecord
	Validation *ValidationResult
	Err        error
}

// Success reports whether the step reached a terminal success state.
func (r Result) Success() bool {
	return r.Status == StatusSucceeded || r.Status == StatusSkipped
}

// dispatchOutput is the raw outcome of one dispatcher invocation, before
// capture/validation/commit handling.
type dispatchOutput struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Success  bool
}

func classify(err error) errclass.Class {
	return errclass.ClassOf(err)
}
