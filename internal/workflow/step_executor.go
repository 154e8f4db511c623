package workflow

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/loomwork/loom/internal/errclass"
	"github.com/loomwork/loom/internal/events"
	"github.com/loomwork/loom/internal/gitwork"
	"github.com/loomwork/loom/internal/retry"
	"github.com/loomwork/loom/internal/varctx"
)

// Executor drives one step through the full lifecycle of spec.md §4.5:
// guard, interpolation, dispatch-under-retry, capture, validation,
// on-failure recovery, and commit tracking. It also runs a step list
// sequentially, which foreach iterations and MapReduce's setup/reduce/
// agent-template phases reuse as a nested executor.
//
// Grounded on the teacher's AgentRunExecutor
// (internal/workflows/runtime/executor.go), whose ExecuteState loop this
// generalizes from a single agent-run state into the step-kind-dispatch
// shape spec.md §3 describes.
type Executor struct {
	Registry *Registry
	Files    varctx.FileReader
	Secrets  varctx.SecretLookup
}

func NewExecutor(registry *Registry, files varctx.FileReader, secrets varctx.SecretLookup) *Executor {
	return &Executor{Registry: registry, Files: files, Secrets: secrets}
}

// Run builds a fresh interpolator bound to vctx and runs steps
// sequentially. It is the entry point the orchestrator uses for a
// workflow's top-level step list.
func (e *Executor) Run(ctx context.Context, steps []*Step, rt *Runtime, vctx *varctx.Context) ([]Result, error) {
	interp := varctx.NewInterpolator(vctx, e.Files, rt.Runner, e.Secrets)
	return e.runSteps(ctx, steps, rt, vctx, interp)
}

// runSteps executes steps in order against an already-built interpolator,
// honoring on_success and on_exit_code branching. A step that fails (or
// is skipped by its when guard) short-circuits the remaining list, except
// that a skip simply continues to the next sibling step.
func (e *Executor) runSteps(ctx context.Context, steps []*Step, rt *Runtime, vctx *varctx.Context, interp *varctx.Interpolator) ([]Result, error) {
	results := make([]Result, 0, len(steps))

	for _, step := range steps {
		res, err := e.ExecuteStep(ctx, step, rt, vctx, interp)
		results = append(results, res)
		if err != nil {
			return results, err
		}
		if res.Status == StatusSkipped {
			continue
		}

		if next, ok := step.ExitCodeStep(res.ExitCode); ok {
			nres, nerr := e.ExecuteStep(ctx, next, rt, vctx, interp)
			results = append(results, nres)
			if nerr != nil {
				return results, nerr
			}
			continue
		}

		if step.OnSuccess != nil {
			sres, serr := e.ExecuteStep(ctx, step.OnSuccess, rt, vctx, interp)
			results = append(results, sres)
			if serr != nil {
				return results, serr
			}
		}
	}

	return results, nil
}

// ExecuteStep runs a single step to a terminal Result.
func (e *Executor) ExecuteStep(ctx context.Context, step *Step, rt *Runtime, vctx *varctx.Context, interp *varctx.Interpolator) (Result, error) {
	result := Result{StepName: step.Name, Status: StatusPending}
	start := time.Now()

	interp.ResetFileCache()

	whenResolved, err := interp.Interpolate(step.When)
	if err != nil {
		return e.terminate(result, start, StatusFailed, err)
	}
	if !evalGuard(whenResolved) {
		result.Status = StatusSkipped
		result.Duration = elapsedSince(start)
		rt.emit(events.Event{Kind: events.KindStepFinished, Payload: map[string]any{"step": step.Name, "status": string(StatusSkipped)}})
		return result, nil
	}

	result.Status = StatusInterpolating
	envValues := make(map[string]any, len(step.Env))
	for k, v := range step.Env {
		resolved, err := interp.Interpolate(v)
		if err != nil {
			return e.terminate(result, start, StatusFailed, err)
		}
		envValues[k] = resolved
	}
	pop := vctx.PushLayer(varctx.LayerStepEnv, envValues)
	defer pop()

	dispatcher, ok := e.Registry.Get(step.Kind())
	if !ok {
		return e.terminate(result, start, StatusFailed, fmt.Errorf("workflow: no dispatcher registered for step kind %q", step.Kind()))
	}

	commitPolicy := step.CommitPolicyOf()
	var baseSHA string
	if commitPolicy != CommitNone && rt.Tracker != nil && rt.Worktree != nil {
		baseSHA, err = rt.Tracker.SnapshotHEAD(ctx, rt.Worktree)
		if err != nil {
			return e.terminate(result, start, StatusFailed, err)
		}
	}

	result.Status = StatusRunning
	rt.emit(events.Event{Kind: events.KindStepStarted, Payload: map[string]any{"step": step.Name}})

	out, dispatchErr, attempts := e.dispatchWithRetry(ctx, dispatcher, step, rt, vctx, interp)
	result.Attempts = attempts

	if dispatchErr != nil && step.OnFailure != nil {
		result.Status = StatusOnFailureRecovery
		rt.emit(events.Event{Kind: events.KindStepRetried, Payload: map[string]any{"step": step.Name, "error": dispatchErr.Error(), "strategy": string(step.OnFailure.Strategy)}})

		outcome, ofErr := runOnFailure(ctx, step.OnFailure, dispatchErr, out.ExitCode, step.Name, rt, interp, vctx)
		if ofErr != nil {
			return e.terminate(result, start, StatusFailed, ofErr)
		}

		switch {
		case outcome.retryOriginal:
			out, dispatchErr = e.retryOriginal(ctx, dispatcher, step, rt, vctx, interp, step.OnFailure.MaxRetries)
			result.Attempts++
		case outcome.fallback != nil:
			out = *outcome.fallback
			if outcome.fatal {
				dispatchErr = fmt.Errorf("workflow: on_failure fallback still fails the workflow for step %q", step.Name)
			} else {
				dispatchErr = nil
			}
		default:
			// cleanup/custom/unset: the handler ran but the step itself did
			// not recover. outcome.fatal only controls whether this error
			// should halt the whole workflow regardless of error_policy,
			// which is the orchestrator's concern, not the step's own
			// terminal status.
		}
	}

	result.Stdout = vctx.Mask(out.Stdout)
	result.Stderr = vctx.Mask(out.Stderr)
	result.ExitCode = out.ExitCode

	if dispatchErr != nil {
		return e.terminate(result, start, StatusFailed, dispatchErr)
	}

	result.Status = StatusCapturing
	dur := elapsedSince(start)
	if err := e.applyCapture(step, rt, interp, vctx, out, dur); err != nil {
		return e.terminate(result, start, StatusFailed, err)
	}

	if step.Validate != nil {
		result.Status = StatusValidating
		valResult, err := runValidation(ctx, step.Validate, rt, interp, vctx)
		result.Validation = valResult
		if err != nil {
			return e.terminate(result, start, StatusFailed, err)
		}
	}

	if commitPolicy != CommitNone {
		commits, err := e.commitStep(ctx, step, rt, interp, baseSHA)
		if err != nil {
			return e.terminate(result, start, StatusFailed, err)
		}
		result.Commits = commits
	}

	result.Status = StatusSucceeded
	result.Duration = elapsedSince(start)
	rt.emit(events.Event{Kind: events.KindStepFinished, Payload: map[string]any{"step": step.Name, "status": string(StatusSucceeded), "attempts": result.Attempts}})
	return result, nil
}

func (e *Executor) terminate(result Result, start time.Time, status Status, err error) (Result, error) {
	result.Status = status
	result.Err = err
	result.Duration = elapsedSince(start)
	return result, err
}

// dispatchWithRetry wraps one dispatcher invocation in the step's retry
// policy, translating a non-zero exit into a UserCommand-classed error so
// the retry executor's RetryOn predicate sees it.
func (e *Executor) dispatchWithRetry(ctx context.Context, d Dispatcher, step *Step, rt *Runtime, vctx *varctx.Context, interp *varctx.Interpolator) (dispatchOutput, error, int) {
	retryExec := retry.NewExecutor(step.Retry.ToPolicy())
	var out dispatchOutput
	res := retryExec.Execute(ctx, func(ctx context.Context) error {
		o, err := d.Dispatch(ctx, step, rt, vctx, interp)
		if err != nil {
			return err
		}
		out = o
		if !o.Success {
			return errclass.New(errclass.UserCommand, "workflow.dispatch", fmt.Errorf("step %q exited %d", step.Name, o.ExitCode))
		}
		return nil
	})
	return out, res.Err, res.Attempts
}

// retryOriginal re-runs the step once up to maxRetries times, honoring
// on_failure.max_retries (spec.md §4.13). It never consults RetryOn since
// the handler's own strategy already decided recovery is worth attempting.
func (e *Executor) retryOriginal(ctx context.Context, d Dispatcher, step *Step, rt *Runtime, vctx *varctx.Context, interp *varctx.Interpolator, maxRetries int) (dispatchOutput, error) {
	if maxRetries <= 0 {
		maxRetries = 1
	}
	policy := step.Retry.ToPolicy()
	policy.MaxAttempts = maxRetries
	policy.RetryOn = []errclass.Class{errclass.Network, errclass.Timeout, errclass.RateLimit, errclass.UserCommand}

	retryExec := retry.NewExecutor(policy)
	var out dispatchOutput
	res := retryExec.Execute(ctx, func(ctx context.Context) error {
		o, err := d.Dispatch(ctx, step, rt, vctx, interp)
		if err != nil {
			return err
		}
		out = o
		if !o.Success {
			return errclass.New(errclass.UserCommand, "workflow.dispatch", fmt.Errorf("step %q exited %d", step.Name, o.ExitCode))
		}
		return nil
	})
	return out, res.Err
}

// applyCapture stores the step's output under its capture name (spec.md
// §4.3) and, if output_file is set, writes stdout to disk.
func (e *Executor) applyCapture(step *Step, rt *Runtime, interp *varctx.Interpolator, vctx *varctx.Context, out dispatchOutput, dur time.Duration) error {
	if step.Capture != "" {
		format := step.CaptureFormat
		if format == "" {
			format = CaptureText
		}
		captured := varctx.NewCaptured(vctx.Mask(out.Stdout), vctx.Mask(out.Stderr), out.ExitCode, out.Success, dur, varctx.Format(format))
		vctx.Insert(varctx.LayerCaptured, step.Capture, captured)
	}

	if step.OutputFile == "" {
		return nil
	}
	path, err := interp.Interpolate(step.OutputFile)
	if err != nil {
		return err
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(rt.Dir, path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(vctx.Mask(out.Stdout)), 0o644)
}

// commitStep stages and commits the step's changes per its commit_config
// (spec.md §4.4). A git commit failing because the index is clean
// (UserCommand-classed) is tolerated; commit_required is instead enforced
// by checking CommitsSince for an empty result.
func (e *Executor) commitStep(ctx context.Context, step *Step, rt *Runtime, interp *varctx.Interpolator, baseSHA string) ([]gitwork.CommitRecord, error) {
	if rt.Tracker == nil || rt.Worktree == nil {
		return nil, nil
	}

	cfg := step.CommitConfig
	stage := gitwork.StageConfig{}
	message := "loom: " + step.Name
	var commitCfg gitwork.CommitConfig

	if cfg != nil {
		stage.Include = cfg.Include
		stage.Exclude = cfg.Exclude
		if cfg.MessageTemplate != "" {
			resolved, err := interp.Interpolate(cfg.MessageTemplate)
			if err != nil {
				return nil, err
			}
			message = resolved
		}
		pattern, err := cfg.CompiledPattern()
		if err != nil {
			return nil, err
		}
		commitCfg = gitwork.CommitConfig{MessagePattern: pattern, Sign: cfg.Sign, AuthorName: cfg.AuthorName, AuthorEmail: cfg.AuthorEmail}
	}

	if err := rt.Tracker.Stage(ctx, rt.Worktree, stage); err != nil {
		return nil, err
	}

	if _, err := rt.Tracker.CreateCommit(ctx, rt.Worktree, message, commitCfg, step.Name); err != nil && errclass.ClassOf(err) != errclass.UserCommand {
		return nil, err
	}

	commits, err := rt.Tracker.CommitsSince(ctx, rt.Worktree, baseSHA)
	if err != nil {
		return nil, err
	}
	if step.CommitPolicyOf() == CommitRequired && len(commits) == 0 {
		return nil, errclass.New(errclass.Validation, "workflow.commit", fmt.Errorf("step %q requires a commit but produced none", step.Name))
	}
	return commits, nil
}
