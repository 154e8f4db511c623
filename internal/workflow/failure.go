package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/loomwork/loom/internal/subprocess"
	"github.com/loomwork/loom/internal/varctx"
)

// failureOutcome tells the step executor whether the original step should
// be retried, a fallback result should be used in its place, or the step
// remains failed.
type failureOutcome struct {
	retryOriginal bool
	fallback      *dispatchOutput
	fatal         bool // true when fail_workflow should terminate the session
}

// runOnFailure implements the step's on_failure handler (spec.md §4.13).
// It injects ${error.message}, ${error.exit_code}, ${error.step},
// ${error.timestamp} before running any handler command.
func runOnFailure(ctx context.Context, spec *OnFailureSpec, stepErr error, exitCode int, stepName string, rt *Runtime, interp *varctx.Interpolator, vctx *varctx.Context) (failureOutcome, error) {
	if spec == nil {
		return failureOutcome{fatal: true}, nil
	}

	vctx.Insert(varctx.LayerCaptured, "error.message", errMessage(stepErr))
	vctx.Insert(varctx.LayerCaptured, "error.exit_code", exitCode)
	vctx.Insert(varctx.LayerCaptured, "error.step", stepName)
	vctx.Insert(varctx.LayerCaptured, "error.timestamp", time.Now().Format(time.RFC3339))

	timeout := time.Duration(spec.HandlerTimeoutSec) * time.Second

	var lastOut dispatchOutput
	for _, cmd := range spec.Commands {
		resolved, err := interp.Interpolate(cmd)
		if err != nil {
			return failureOutcome{}, err
		}
		res, err := rt.Runner.Run(ctx, subprocess.Spec{Command: resolved, Shell: true, Dir: rt.Dir, Timeout: timeout})
		if err != nil {
			return failureOutcome{}, err
		}
		lastOut = dispatchOutput{Stdout: res.Stdout, Stderr: res.Stderr, ExitCode: res.ExitCode, Success: res.Success()}
		if !res.Success() && !spec.ContinueOnError {
			return failureOutcome{fatal: !spec.ContinueOnError}, fmt.Errorf("on_failure handler command failed: %s", resolved)
		}
	}

	switch spec.Strategy {
	case FailureRecovery:
		return failureOutcome{retryOriginal: true}, nil
	case FailureFallback:
		return failureOutcome{fallback: &lastOut}, nil
	case FailureCleanup:
		return failureOutcome{fatal: spec.FailWorkflow}, nil
	case FailureCustom:
		return failureOutcome{fallback: &lastOut, fatal: spec.FailWorkflow}, nil
	default:
		return failureOutcome{fatal: true}, nil
	}
}

func errMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
