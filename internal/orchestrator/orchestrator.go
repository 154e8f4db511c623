// Package orchestrator drives one workflow definition through its full
// session lifecycle: build the layered variable context, create the
// session's main worktree, run steps to completion (or pick a session back
// up from its last checkpoint), checkpointing after every step, and
// finalize the session as succeeded or failed.
//
// Grounded on the teacher's ExecutorRegistry.Execute sequencing loop
// (internal/workflows/runtime/executor.go), extended with the
// checkpoint-after-each-step and resume-from-checkpoint behavior spec.md
// §4.12 and §4.14 describe, which the teacher's loop does not itself need
// (Station re-runs a whole agent turn rather than resuming mid-workflow).
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/loomwork/loom/internal/checkpoint"
	"github.com/loomwork/loom/internal/errclass"
	"github.com/loomwork/loom/internal/events"
	"github.com/loomwork/loom/internal/gitwork"
	"github.com/loomwork/loom/internal/mapreduce"
	"github.com/loomwork/loom/internal/storage"
	"github.com/loomwork/loom/internal/subprocess"
	"github.com/loomwork/loom/internal/varctx"
	"github.com/loomwork/loom/internal/workflow"
)

var tracer = otel.Tracer("loom.orchestrator")

// Orchestrator holds every dependency a session needs. It carries no
// per-run state itself, so one value serves every Run/Resume call (spec.md
// §9 "Global state": explicit constructor injection, no ambient globals).
type Orchestrator struct {
	RepoRoot     string
	WorktreeBase string
	BaseBranch   string

	Runner  *subprocess.Runner
	Files   varctx.FileReader
	Secrets varctx.SecretLookup

	Checkpoints *checkpoint.Manager
	DLQ         *mapreduce.DeadLetterQueue
	Emitter     *events.Emitter
	Sessions    *storage.SessionStore

	ClaudeBinary    string
	WorktreeCleanup gitwork.CleanupPolicy // defaults to CleanupOnSessionEnd

	Logger *slog.Logger // defaults to slog.Default() when nil
}

func (o *Orchestrator) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

// Outcome is a session's terminal report.
type Outcome struct {
	WorkflowID string
	Succeeded  bool
	Results    []workflow.Result
	Err        error
}

// Run starts a fresh session for def under workflowID.
func (o *Orchestrator) Run(ctx context.Context, def *workflow.Definition, workflowID string) (Outcome, error) {
	vctx := o.buildContext(def)
	return o.execute(ctx, def, workflowID, vctx, nil, nil)
}

// Resume reloads the highest intact checkpoint for workflowID and
// continues the session from its first incomplete step, reusing the
// restored context (spec.md §4.14).
func (o *Orchestrator) Resume(ctx context.Context, def *workflow.Definition, workflowID string) (Outcome, error) {
	if o.Checkpoints == nil {
		return Outcome{}, errclass.New(errclass.Configuration, "orchestrator.resume", fmt.Errorf("no checkpoint manager configured"))
	}
	cp, ok, err := o.Checkpoints.Load(workflowID)
	if err != nil {
		return Outcome{}, err
	}
	if !ok {
		return Outcome{}, errclass.New(errclass.Configuration, "orchestrator.resume", fmt.Errorf("no checkpoint found for workflow %q", workflowID))
	}
	if cp.Version == 0 {
		return Outcome{}, errclass.New(errclass.Validation, "orchestrator.resume", fmt.Errorf("checkpoint for workflow %q has version 0", workflowID))
	}
	if cp.WorkflowHash != "" && def.Checksum != "" && cp.WorkflowHash != def.Checksum {
		return Outcome{}, errclass.New(errclass.Configuration, "orchestrator.resume",
			fmt.Errorf("workflow file has changed since the checkpoint was taken for %q", workflowID))
	}

	vctx := o.buildContext(def)
	vctx.RestoreSnapshot(cp.Context)

	completed := make(map[int]bool, len(cp.CompletedSteps))
	for _, i := range cp.CompletedSteps {
		completed[i] = true
	}

	var snapshot []mapreduce.WorkItem
	if len(cp.MapReduce) > 0 {
		if err := json.Unmarshal(cp.MapReduce, &snapshot); err != nil {
			return Outcome{}, errclass.New(errclass.Validation, "orchestrator.resume", fmt.Errorf("corrupt mapreduce checkpoint state: %w", err))
		}
	}

	return o.execute(ctx, def, workflowID, vctx, completed, snapshot)
}

// execute runs steps in order, skipping any index already marked complete,
// checkpointing after each one. A MapReduce step picks its coordinator
// back up from mrSnapshot exactly once, via resumingMapReduceRunner.
func (o *Orchestrator) execute(ctx context.Context, def *workflow.Definition, workflowID string, vctx *varctx.Context, completed map[int]bool, mrSnapshot []mapreduce.WorkItem) (Outcome, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.session",
		trace.WithAttributes(
			attribute.String("loom.workflow_id", workflowID),
			attribute.String("loom.workflow_name", def.Name),
		))
	defer span.End()

	steps := def.Steps
	if def.Mode == "mapreduce" {
		steps = []*workflow.Step{def.Map}
	}
	applyRetryDefaults(steps, def.RetryDefaults)

	for idx := range completed {
		if idx < 0 || idx >= len(steps) {
			return Outcome{}, errclass.New(errclass.Validation, "orchestrator.resume",
				fmt.Errorf("checkpoint references step index %d, workflow %q only has %d steps", idx, workflowID, len(steps)))
		}
	}

	manager := gitwork.NewManager(o.Runner, o.RepoRoot, o.WorktreeBase)
	wt, err := manager.Create(ctx, o.BaseBranch)
	if err != nil {
		return Outcome{}, err
	}

	tracker := gitwork.NewCommitTracker(o.Runner)
	coord := mapreduce.NewCoordinator(o.RepoRoot, o.WorktreeBase, o.BaseBranch, o.Runner, o.Files, o.Secrets, o.Checkpoints, o.DLQ)
	mrRunner := &resumingMapReduceRunner{coord: coord, snapshot: mrSnapshot}

	executor := workflow.NewExecutor(workflow.DefaultRegistry(mrRunner), o.Files, o.Secrets)
	rt := &workflow.Runtime{
		WorkflowID:   workflowID,
		Dir:          wt.Path,
		Runner:       o.Runner,
		Tracker:      tracker,
		Worktree:     wt,
		Emitter:      o.Emitter,
		ClaudeBinary: o.ClaudeBinary,
		Executor:     executor,
	}

	startedAt := time.Now().UTC()
	sessionID := storage.NewSessionID()

	o.logger().Info("session started", "session_id", sessionID, "workflow_id", workflowID, "workflow", def.Name, "worktree", wt.Path)
	rt.Emit(events.Event{Kind: events.KindSessionStarted, Payload: map[string]any{"workflow": def.Name, "session_id": sessionID}})

	interp := varctx.NewInterpolator(vctx, o.Files, o.Runner, o.Secrets)
	results := make([]workflow.Result, 0, len(steps))
	completedSteps := sortedKeys(completed)

	var failErr error
	for idx, step := range steps {
		if completed[idx] {
			continue
		}

		// Set before every dispatch, not just mapreduce ones: cheap, and
		// keeps the coordinator's view of "steps already done" correct
		// even if a later step turns out to be mapreduce too.
		coord.PrecedingCompletedSteps = append([]int(nil), completedSteps...)
		coord.WorkflowHash = def.Checksum

		res, stepErr := traceStep(ctx, step.Name, func(ctx context.Context) (workflow.Result, error) {
			return executor.ExecuteStep(ctx, step, rt, vctx, interp)
		})
		results = append(results, res)

		if stepErr == nil && res.Status != workflow.StatusSkipped {
			if next, ok := step.ExitCodeStep(res.ExitCode); ok {
				var nres workflow.Result
				nres, stepErr = traceStep(ctx, next.Name, func(ctx context.Context) (workflow.Result, error) {
					return executor.ExecuteStep(ctx, next, rt, vctx, interp)
				})
				results = append(results, nres)
			} else if step.OnSuccess != nil {
				var sres workflow.Result
				sres, stepErr = traceStep(ctx, step.OnSuccess.Name, func(ctx context.Context) (workflow.Result, error) {
					return executor.ExecuteStep(ctx, step.OnSuccess, rt, vctx, interp)
				})
				results = append(results, sres)
			}
		}

		if stepErr != nil {
			failErr = stepErr
			o.saveCheckpoint(rt, def, vctx, completedSteps)
			break
		}

		if res.Status != workflow.StatusSkipped {
			completedSteps = append(completedSteps, idx)
		}
		o.saveCheckpoint(rt, def, vctx, completedSteps)
	}

	cleanupPolicy := o.WorktreeCleanup
	if cleanupPolicy == "" {
		cleanupPolicy = gitwork.CleanupOnSessionEnd
	}
	_ = manager.CleanupByPolicy(ctx, wt, cleanupPolicy, failErr == nil)

	status := "succeeded"
	if failErr != nil {
		status = "failed"
		o.logger().Error("session finished", "workflow_id", workflowID, "status", status, "error", failErr)
		span.RecordError(failErr)
		span.SetStatus(codes.Error, failErr.Error())
	} else {
		o.logger().Info("session finished", "workflow_id", workflowID, "status", status)
		span.SetStatus(codes.Ok, "session succeeded")
	}
	rt.Emit(events.Event{Kind: events.KindSessionFinished, Payload: map[string]any{"status": status}})

	if o.Sessions != nil {
		summary := storage.SessionSummary{
			SessionID:    sessionID,
			WorkflowID:   workflowID,
			WorkflowName: def.Name,
			Succeeded:    failErr == nil,
			StartedAt:    startedAt,
			FinishedAt:   time.Now().UTC(),
			StepCount:    len(results),
		}
		if failErr != nil {
			summary.Error = failErr.Error()
		}
		if err := o.Sessions.Save(summary); err != nil {
			o.logger().Warn("session summary save failed", "session_id", sessionID, "error", err)
		}
	}

	return Outcome{WorkflowID: workflowID, Succeeded: failErr == nil, Results: results, Err: failErr}, failErr
}

func (o *Orchestrator) saveCheckpoint(rt *workflow.Runtime, def *workflow.Definition, vctx *varctx.Context, completedSteps []int) {
	if o.Checkpoints == nil {
		return
	}
	cp := checkpoint.Checkpoint{
		CreatedAt:      time.Now().UTC().Format(time.RFC3339),
		WorkflowHash:   def.Checksum,
		CompletedSteps: append([]int(nil), completedSteps...),
		Context:        vctx.Snapshot(),
	}
	if _, err := o.Checkpoints.Save(rt.WorkflowID, cp); err != nil {
		o.logger().Warn("checkpoint save failed", "workflow_id", rt.WorkflowID, "error", err)
		rt.Emit(events.Event{Kind: events.KindCheckpointFailed, Payload: map[string]any{"error": err.Error()}})
		return
	}
	o.logger().Debug("checkpoint saved", "workflow_id", rt.WorkflowID, "completed_steps", len(completedSteps))
	rt.Emit(events.Event{Kind: events.KindCheckpointSaved, Payload: map[string]any{"completed_steps": len(completedSteps)}})
}

// buildContext seeds a fresh context from the definition's env/env_files/
// profile/secrets layers (spec.md §3 "Workflow context is created at
// workflow start").
func (o *Orchestrator) buildContext(def *workflow.Definition) *varctx.Context {
	vctx := varctx.New()

	for _, path := range def.EnvFiles {
		if o.Files == nil {
			continue
		}
		data, err := o.Files.ReadFile(path)
		if err != nil {
			continue
		}
		for k, v := range parseEnvFile(string(data)) {
			vctx.Insert(varctx.LayerEnvFile, k, v)
		}
	}

	for k, v := range def.Env {
		vctx.Insert(varctx.LayerWorkflowEnv, k, v)
	}

	if def.ActiveProfile != "" {
		if profile, ok := def.Profiles[def.ActiveProfile]; ok {
			for k, v := range profile {
				vctx.Insert(varctx.LayerProfile, k, v)
			}
		}
	}

	for k, v := range def.Secrets {
		vctx.InsertSecret(varctx.LayerSecret, k, v)
	}

	return vctx
}

// traceStep wraps one step dispatch in its own span, child of the session
// span, recording the step's terminal status and exit code.
func traceStep(ctx context.Context, name string, fn func(context.Context) (workflow.Result, error)) (workflow.Result, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.step",
		trace.WithAttributes(attribute.String("loom.step_name", name)))
	defer span.End()

	res, err := fn(ctx)
	span.SetAttributes(
		attribute.String("loom.step_status", string(res.Status)),
		attribute.Int("loom.exit_code", res.ExitCode),
		attribute.Int("loom.attempts", res.Attempts),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	return res, err
}

// applyRetryDefaults fills in a workflow-level retry policy on any step
// that doesn't declare its own (spec.md §6 "retry_defaults").
func applyRetryDefaults(steps []*workflow.Step, defaults *workflow.RetryPolicy) {
	if defaults == nil {
		return
	}
	for _, s := range steps {
		if s.Retry == nil {
			s.Retry = defaults
		}
	}
}

// parseEnvFile reads KEY=VALUE lines, ignoring blank lines and lines
// starting with '#'. Quoting is not supported; values are taken verbatim.
func parseEnvFile(content string) map[string]string {
	out := make(map[string]string)
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out
}

func sortedKeys(m map[int]bool) []int {
	out := make([]int, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}
