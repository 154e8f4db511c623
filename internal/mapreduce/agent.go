package mapreduce

import (
	"context"
	"errors"
	"time"

	"github.com/loomwork/loom/internal/gitwork"
	"github.com/loomwork/loom/internal/subprocess"
	"github.com/loomwork/loom/internal/varctx"
	"github.com/loomwork/loom/internal/workflow"
)

// Agent runs one work item's agent_template to completion in its own git
// worktree (spec.md §4.10). It never recurses into another mapreduce-kind
// step; nested MapReduce inside an agent_template is out of scope.
type Agent struct {
	Manager       *gitwork.Manager
	Executor      *workflow.Executor
	Runner        *subprocess.Runner
	BaseBranch    string
	Template      []*workflow.Step
	AgentTimeout  time.Duration
	CleanupPolicy gitwork.CleanupPolicy
}

// AgentResult is the outcome the coordinator aggregates (spec.md §3
// "Agent result").
type AgentResult struct {
	ItemID   string
	Index    int
	Success  bool
	Stdout   string
	Commits  []gitwork.CommitRecord
	Duration time.Duration
	Attempt  int
	Err      error
}

// Run creates an isolated worktree, binds an agent-local context layered
// over baseVctx with ${item}/${item_index}/${item_total}/${worker.id},
// runs the template as a nested step list, and tears the worktree down
// per CleanupPolicy.
func (a *Agent) Run(ctx context.Context, item *WorkItem, baseVctx *varctx.Context, workflowID string) AgentResult {
	start := time.Now()

	wt, err := a.Manager.Create(ctx, a.BaseBranch)
	if err != nil {
		return AgentResult{ItemID: item.ID, Index: item.Index, Attempt: item.Attempts, Err: err}
	}

	overlay := baseVctx.Clone()
	overlay.Insert(varctx.LayerIteration, "item", item.Payload)
	overlay.Insert(varctx.LayerIteration, "item_index", item.Index)
	overlay.Insert(varctx.LayerIteration, "item_total", item.Total)
	overlay.Insert(varctx.LayerIteration, "worker", map[string]any{"id": wt.ID})

	tracker := gitwork.NewCommitTracker(a.Runner)
	rt := &workflow.Runtime{
		WorkflowID: workflowID,
		Dir:        wt.Path,
		Runner:     a.Runner,
		Tracker:    tracker,
		Worktree:   wt,
		Executor:   a.Executor,
	}

	agentCtx := ctx
	var cancel context.CancelFunc
	if a.AgentTimeout > 0 {
		agentCtx, cancel = context.WithTimeout(ctx, a.AgentTimeout)
		defer cancel()
	}

	results, runErr := a.Executor.Run(agentCtx, a.Template, rt, overlay)
	success := runErr == nil

	commits, _ := tracker.CommitsSince(ctx, wt, wt.BaseHEAD)
	if errors.Is(runErr, context.DeadlineExceeded) || errors.Is(runErr, context.Canceled) || ctx.Err() != nil {
		// Cancellation force-kills the agent's subprocess mid-run; the
		// worktree may hold an uncommitted partial edit, so it is kept
		// for diagnostics regardless of cleanup policy (spec.md §4.11
		// cancellation handling).
		wt.MarkUnclean()
	}
	_ = a.Manager.CleanupByPolicy(ctx, wt, a.CleanupPolicy, success)

	return AgentResult{
		ItemID:   item.ID,
		Index:    item.Index,
		Success:  success,
		Stdout:   lastResultStdout(results),
		Commits:  commits,
		Duration: time.Since(start),
		Attempt:  item.Attempts,
		Err:      runErr,
	}
}

func lastResultStdout(results []workflow.Result) string {
	if len(results) == 0 {
		return ""
	}
	return results[len(results)-1].Stdout
}
