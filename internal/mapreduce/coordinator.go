package mapreduce

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/loomwork/loom/internal/checkpoint"
	"github.com/loomwork/loom/internal/errclass"
	"github.com/loomwork/loom/internal/events"
	"github.com/loomwork/loom/internal/gitwork"
	"github.com/loomwork/loom/internal/subprocess"
	"github.com/loomwork/loom/internal/varctx"
	"github.com/loomwork/loom/internal/workflow"
)

// pollInterval paces the map phase's reservation loop. A condition
// variable signaled by completion/requeue would avoid the wakeups, but the
// queue is small and short-lived enough that polling is the simpler option.
const pollInterval = 10 * time.Millisecond

// Coordinator implements workflow.MapReduceRunner: the setup/map/reduce
// three-phase flow of spec.md §4.11, driving one Agent per work item
// inside its own git worktree and persisting progress through checkpoint.Manager
// and a DeadLetterQueue.
type Coordinator struct {
	RepoRoot     string
	WorktreeBase string
	BaseBranch   string

	Runner  *subprocess.Runner
	Files   varctx.FileReader
	Secrets varctx.SecretLookup

	Checkpoints *checkpoint.Manager
	DLQ         *DeadLetterQueue

	// PrecedingCompletedSteps and WorkflowHash are set by the orchestrator
	// immediately before dispatching a MapReduce step, so the periodic
	// in-flight checkpoints this coordinator writes while that step is
	// still running don't lose track of steps the session already
	// completed earlier (spec.md §4.12/§4.14 resume).
	PrecedingCompletedSteps []int
	WorkflowHash            string
}

func NewCoordinator(repoRoot, worktreeBase, baseBranch string, runner *subprocess.Runner, files varctx.FileReader, secrets varctx.SecretLookup, checkpoints *checkpoint.Manager, dlq *DeadLetterQueue) *Coordinator {
	return &Coordinator{
		RepoRoot:     repoRoot,
		WorktreeBase: worktreeBase,
		BaseBranch:   baseBranch,
		Runner:       runner,
		Files:        files,
		Secrets:      secrets,
		Checkpoints:  checkpoints,
		DLQ:          dlq,
	}
}

// Run executes setup (if any) in the caller's own worktree, fans the
// resolved input out across a bounded pool of agents, aggregates their
// results into ${map.*}, then runs reduce (if any). Reduce always runs,
// even when the map phase's success ratio falls short of SuccessThreshold;
// the shortfall is only reported as an error once reduce has had its
// chance to inspect ${map.failed} (spec.md §4.11 describes reduce running
// unconditionally).
func (c *Coordinator) Run(ctx context.Context, spec *workflow.MapReduceSpec, vctx *varctx.Context, rt *workflow.Runtime) (map[string]any, error) {
	if len(spec.Setup) > 0 {
		if _, err := rt.Executor.Run(ctx, spec.Setup, rt, vctx); err != nil {
			return nil, fmt.Errorf("mapreduce: setup phase: %w", err)
		}
	}

	items, err := c.resolveInput(vctx, spec)
	if err != nil {
		return nil, err
	}

	return c.runFromQueue(ctx, spec, NewQueue(items), len(items), vctx, rt)
}

// Resume picks a MapReduce step back up from a checkpointed queue snapshot:
// setup does not re-run (it already committed before the interruption), and
// any item left in-flight when the checkpoint was taken is requeued so it
// runs exactly once more rather than being considered lost (spec.md §4.8
// resume, §8 scenario 4).
func (c *Coordinator) Resume(ctx context.Context, spec *workflow.MapReduceSpec, vctx *varctx.Context, rt *workflow.Runtime, snapshot []WorkItem) (map[string]any, error) {
	queue := NewQueueFromSnapshot(snapshot)
	queue.RequeueInFlight()
	return c.runFromQueue(ctx, spec, queue, len(snapshot), vctx, rt)
}

// runFromQueue drives the map phase (when work remains) to completion,
// aggregates results into ${map.*}, and runs reduce, shared by both a fresh
// Run and a resumed run.
func (c *Coordinator) runFromQueue(ctx context.Context, spec *workflow.MapReduceSpec, queue *Queue, total int, vctx *varctx.Context, rt *workflow.Runtime) (map[string]any, error) {
	var results []AgentResult
	var err error
	_, _, pending, inFlight := queue.Counts()
	if pending > 0 || inFlight > 0 {
		results, err = c.runMapPhase(ctx, spec, queue, vctx, rt)
		if err != nil {
			return nil, err
		}
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Index < results[j].Index })

	succeeded, deadLettered, _, _ := queue.Counts()

	agg := map[string]any{
		"results":    resultsToMaps(results),
		"successful": succeeded,
		"failed":     deadLettered,
		"total":      total,
	}
	vctx.Insert(varctx.LayerCaptured, "map", agg)

	if len(spec.Reduce) > 0 {
		emitMapReduce(rt, events.KindReduceStarted, "", "", nil)
		if _, err := rt.Executor.Run(ctx, spec.Reduce, rt, vctx); err != nil {
			return agg, fmt.Errorf("mapreduce: reduce phase: %w", err)
		}
		emitMapReduce(rt, events.KindReduceFinished, "", "", nil)
	}

	if total > 0 {
		threshold := spec.SuccessThreshold
		if threshold <= 0 {
			threshold = 1.0
		}
		if float64(succeeded)/float64(total) < threshold {
			return agg, errclass.New(errclass.Validation, "mapreduce.run",
				fmt.Errorf("success ratio %d/%d below threshold %.2f", succeeded, total, threshold))
		}
	}

	return agg, nil
}

// resolveInput expands spec.Input (a literal JSON array, a path to one, or
// a variable reference resolving to either), applies an optional JSONPath
// selector, and decodes the result into work items (spec.md §4.11 "resolve
// input").
func (c *Coordinator) resolveInput(vctx *varctx.Context, spec *workflow.MapReduceSpec) ([]*WorkItem, error) {
	interp := varctx.NewInterpolator(vctx, c.Files, c.Runner, c.Secrets)
	resolved, err := interp.Interpolate(spec.Input)
	if err != nil {
		return nil, fmt.Errorf("mapreduce: resolve input: %w", err)
	}

	raw := resolved
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, errclass.New(errclass.Configuration, "mapreduce.resolve_input", fmt.Errorf("mapreduce input resolved to an empty value"))
	}
	if !strings.HasPrefix(trimmed, "[") && !strings.HasPrefix(trimmed, "{") {
		if c.Files == nil {
			return nil, errclass.New(errclass.Configuration, "mapreduce.resolve_input", fmt.Errorf("input %q is not inline JSON and no file reader is configured", trimmed))
		}
		data, err := c.Files.ReadFile(trimmed)
		if err != nil {
			return nil, fmt.Errorf("mapreduce: read input file %q: %w", trimmed, err)
		}
		raw = string(data)
	}

	if spec.JSONPath != "" {
		raw = gjson.Get(raw, spec.JSONPath).Raw
	}

	var payloads []map[string]any
	if err := json.Unmarshal([]byte(raw), &payloads); err != nil {
		return nil, errclass.New(errclass.Validation, "mapreduce.resolve_input", fmt.Errorf("mapreduce input is not a JSON array of objects: %w", err))
	}

	items := make([]*WorkItem, len(payloads))
	for i, p := range payloads {
		items[i] = &WorkItem{ID: itemID(p, i), Index: i, Total: len(payloads), Payload: p}
	}
	return items, nil
}

func itemID(payload map[string]any, index int) string {
	if v, ok := payload["id"]; ok {
		return fmt.Sprintf("%v", v)
	}
	return fmt.Sprintf("item-%d", index)
}

// runMapPhase drives the bounded-concurrency pull queue: at most
// spec.MaxParallel agents run at once, each reserving one item at a time
// until the queue has neither pending nor in-flight work left (spec.md
// §4.11 map phase, §8 max_parallel boundary behaviors).
func (c *Coordinator) runMapPhase(ctx context.Context, spec *workflow.MapReduceSpec, queue *Queue, baseVctx *varctx.Context, rt *workflow.Runtime) ([]AgentResult, error) {
	maxParallel := spec.MaxParallel
	if maxParallel <= 0 {
		maxParallel = 1
	}
	maxRetries := spec.MaxRetriesPerItem
	if maxRetries <= 0 {
		maxRetries = 1
	}
	var agentTimeout time.Duration
	if spec.AgentTimeoutSec > 0 {
		agentTimeout = time.Duration(spec.AgentTimeoutSec) * time.Second
	}

	manager := gitwork.NewManager(c.Runner, c.RepoRoot, c.WorktreeBase)
	// The nested executor inside each agent never itself runs a mapreduce
	// step; nested MapReduce inside an agent_template is out of scope
	// (runtime.go's MapReduceRunner doc comment).
	agentExecutor := workflow.NewExecutor(workflow.DefaultRegistry(nil), c.Files, c.Secrets)

	agent := &Agent{
		Manager:       manager,
		Executor:      agentExecutor,
		Runner:        c.Runner,
		BaseBranch:    c.BaseBranch,
		Template:      spec.AgentTemplate,
		AgentTimeout:  agentTimeout,
		CleanupPolicy: gitwork.CleanupOnSuccess,
	}

	var (
		mu               sync.Mutex
		wg               sync.WaitGroup
		results          []AgentResult
		sem              = make(chan struct{}, maxParallel)
		completedSinceCP int
		lastCheckpoint   = time.Now()
	)

	for {
		item, ok := queue.Reserve("")
		if !ok {
			_, _, pending, inFlight := queue.Counts()
			if pending == 0 && inFlight == 0 {
				break
			}
			time.Sleep(pollInterval)
			continue
		}

		sem <- struct{}{}
		wg.Add(1)
		agentID := fmt.Sprintf("agent-%d", item.Index)
		item.AgentID = agentID
		emitMapReduce(rt, events.KindMapItemStarted, item.ID, agentID, nil)
		emitMapReduce(rt, events.KindAgentStarted, item.ID, agentID, nil)

		go func(item *WorkItem) {
			defer wg.Done()
			defer func() { <-sem }()

			res := agent.Run(ctx, item, baseVctx, rt.WorkflowID)

			mu.Lock()
			results = append(results, res)
			mu.Unlock()

			if res.Success {
				queue.Complete(item.ID)
				emitMapReduce(rt, events.KindMapItemFinished, item.ID, agentID, map[string]any{"success": true})
				emitMapReduce(rt, events.KindAgentFinished, item.ID, agentID, map[string]any{"success": true})
			} else {
				requeued := queue.Nack(item.ID, maxRetries)
				emitMapReduce(rt, events.KindMapItemFinished, item.ID, agentID, map[string]any{"success": false, "requeued": requeued})
				emitMapReduce(rt, events.KindAgentFinished, item.ID, agentID, map[string]any{"success": false, "requeued": requeued})
				if !requeued {
					c.deadLetter(rt.WorkflowID, item, res.Err)
					emitMapReduce(rt, events.KindMapItemDeadLettered, item.ID, agentID, nil)
				}
			}

			mu.Lock()
			completedSinceCP++
			if c.shouldCheckpoint(spec, completedSinceCP, lastCheckpoint) {
				c.saveMapCheckpoint(rt, queue)
				completedSinceCP = 0
				lastCheckpoint = time.Now()
			}
			mu.Unlock()
		}(item)
	}

	wg.Wait()
	return results, nil
}

func (c *Coordinator) deadLetter(workflowID string, item *WorkItem, cause error) {
	if c.DLQ == nil {
		return
	}
	entry := DLQEntry{
		WorkflowID: workflowID,
		ItemID:     item.ID,
		Payload:    item.Payload,
		Attempts:   item.Attempts,
		Error:      errString(cause),
		RecordedAt: time.Now().UTC().Format(time.RFC3339),
	}
	_ = c.DLQ.Append(entry)
}

func (c *Coordinator) shouldCheckpoint(spec *workflow.MapReduceSpec, completedSinceCP int, last time.Time) bool {
	if c.Checkpoints == nil {
		return false
	}
	if spec.CheckpointEvery > 0 && completedSinceCP >= spec.CheckpointEvery {
		return true
	}
	if spec.CheckpointSeconds > 0 && time.Since(last) >= time.Duration(spec.CheckpointSeconds)*time.Second {
		return true
	}
	return false
}

func (c *Coordinator) saveMapCheckpoint(rt *workflow.Runtime, queue *Queue) {
	payload, err := json.Marshal(queue.Snapshot())
	if err != nil {
		emitMapReduce(rt, events.KindCheckpointFailed, "", "", map[string]any{"error": err.Error()})
		return
	}
	cp := checkpoint.Checkpoint{
		CreatedAt:      time.Now().UTC().Format(time.RFC3339),
		WorkflowHash:   c.WorkflowHash,
		CompletedSteps: append([]int(nil), c.PrecedingCompletedSteps...),
		MapReduce:      payload,
	}
	if _, err := c.Checkpoints.Save(rt.WorkflowID, cp); err != nil {
		emitMapReduce(rt, events.KindCheckpointFailed, "", "", map[string]any{"error": err.Error()})
		return
	}
	emitMapReduce(rt, events.KindCheckpointSaved, "", "", nil)
}

func resultsToMaps(results []AgentResult) []map[string]any {
	out := make([]map[string]any, len(results))
	for i, r := range results {
		out[i] = map[string]any{
			"item_id":  r.ItemID,
			"success":  r.Success,
			"stdout":   r.Stdout,
			"attempt":  r.Attempt,
			"duration": r.Duration.String(),
		}
	}
	return out
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// emitMapReduce is a thin wrapper over workflow.Runtime.Emit, sparing every
// call site the WorkflowID/Timestamp bookkeeping rt.Emit leaves to the
// caller's discretion.
func emitMapReduce(rt *workflow.Runtime, kind events.Kind, itemID, agentID string, payload map[string]any) {
	rt.Emit(events.Event{
		Timestamp: time.Now(),
		Kind:      kind,
		ItemID:    itemID,
		AgentID:   agentID,
		Payload:   payload,
	})
}
