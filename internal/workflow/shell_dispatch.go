package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/loomwork/loom/internal/subprocess"
	"github.com/loomwork/loom/internal/varctx"
)

// commandDispatcher runs a shell step or an external-CLI ("claude") step.
// Both are plain subprocess invocations; the only difference is which
// command string the step carries and, for the CLI kind, that the
// interpolated prompt is passed as the command's final argument rather
// than executed as a shell line.
type commandDispatcher struct {
	binary string // "" means "shell: runs the interpolated string via sh -c"
}

func (d *commandDispatcher) Dispatch(ctx context.Context, step *Step, rt *Runtime, vctx *varctx.Context, interp *varctx.Interpolator) (dispatchOutput, error) {
	timeout := time.Duration(step.TimeoutSec) * time.Second

	var env []string
	for k, v := range step.Env {
		interpolated, err := interp.Interpolate(v)
		if err != nil {
			return dispatchOutput{}, err
		}
		env = append(env, k+"="+interpolated)
	}

	var spec subprocess.Spec
	if d.binary == "" {
		raw, err := interp.Interpolate(step.Shell)
		if err != nil {
			return dispatchOutput{}, err
		}
		spec = subprocess.Spec{Command: raw, Shell: true, Env: env, Dir: step.WorkingDir, Timeout: timeout}
	} else {
		prompt, err := interp.Interpolate(step.Claude)
		if err != nil {
			return dispatchOutput{}, err
		}
		binary := d.binary
		if rt.ClaudeBinary != "" {
			binary = rt.ClaudeBinary
		}
		spec = subprocess.Spec{Command: binary, Args: []string{"-p", prompt}, Env: env, Dir: step.WorkingDir, Timeout: timeout}
	}
	if spec.Dir == "" {
		spec.Dir = rt.Dir
	}

	res, err := rt.Runner.Run(ctx, spec)
	if err != nil {
		return dispatchOutput{}, err
	}
	if res.TimedOut {
		return dispatchOutput{}, fmt.Errorf("step %q timed out after %s", step.Name, timeout)
	}
	return dispatchOutput{Stdout: res.Stdout, Stderr: res.Stderr, ExitCode: res.ExitCode, Success: res.Success()}, nil
}
