package workflow

import (
	"context"
	"encoding/json"
	"time"

	"github.com/loomwork/loom/internal/subprocess"
	"github.com/loomwork/loom/internal/varctx"
)

// runValidation executes a step's independent validation spec (spec.md
// §4.6). Each command must exit 0; a command may additionally emit a
// structured JSON result, fed back into the context as
// ${completion_percentage} for the next recovery attempt.
func runValidation(ctx context.Context, spec *ValidationSpec, rt *Runtime, interp *varctx.Interpolator, vctx *varctx.Context) (*ValidationResult, error) {
	if spec == nil {
		return nil, nil
	}
	timeout := time.Duration(spec.TimeoutSec) * time.Second

	var last *ValidationResult
	for _, cmd := range spec.Commands {
		resolved, err := interp.Interpolate(cmd)
		if err != nil {
			return nil, err
		}
		res, err := rt.Runner.Run(ctx, subprocess.Spec{Command: resolved, Shell: true, Dir: rt.Dir, Timeout: timeout})
		if err != nil {
			return nil, err
		}

		var parsed ValidationResult
		if json.Unmarshal([]byte(res.Stdout), &parsed) == nil && parsed.Status != "" {
			last = &parsed
			vctx.Insert(varctx.LayerCaptured, "completion_percentage", parsed.CompletionPercentage)
		}

		failed := !res.Success() || res.TimedOut
		if failed && !spec.IgnoreValidationFailure {
			if last == nil {
				last = &ValidationResult{Status: "failed"}
			}
			return last, &ValidationFailedError{Command: resolved, Stderr: res.Stderr}
		}
	}
	return last, nil
}

// ValidationFailedError reports a failed validation command.
type ValidationFailedError struct {
	Command string
	Stderr  string
}

func (e *ValidationFailedError) Error() string {
	return "validation command failed: " + e.Command + ": " + e.Stderr
}
