package mapreduce

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"

	"github.com/loomwork/loom/internal/checkpoint"
	"github.com/loomwork/loom/internal/gitwork"
	"github.com/loomwork/loom/internal/subprocess"
	"github.com/loomwork/loom/internal/varctx"
	"github.com/loomwork/loom/internal/workflow"
)

func initMapReduceTestRepo(t *testing.T) (string, *subprocess.Runner) {
	t.Helper()
	dir := t.TempDir()
	runner := subprocess.NewRunner()
	ctx := context.Background()
	run := func(args ...string) {
		res, err := runner.Run(ctx, subprocess.Spec{Command: "git", Args: args, Dir: dir})
		if err != nil || !res.Success() {
			t.Fatalf("git %v failed: err=%v stderr=%s", args, err, res.Stderr)
		}
	}
	run("init", "-b", "main")
	run("config", "user.email", "loom@test.local")
	run("config", "user.name", "loom-test")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("seed\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	run("add", "-A")
	run("commit", "-m", "initial")
	return dir, runner
}

// TestCoordinatorRunFanOutWithOnePermanentFailure exercises spec.md §8
// scenario 3: five items, bounded concurrency, one item fails every
// attempt and is dead-lettered after exhausting its retries, the rest
// succeed, and reduce sees the aggregate exactly once.
func TestCoordinatorRunFanOutWithOnePermanentFailure(t *testing.T) {
	repo, runner := initMapReduceTestRepo(t)
	worktreeBase := filepath.Join(repo, ".worktrees")

	fs := afero.NewMemMapFs()
	ckpt := checkpoint.NewManager(fs, "/state", 0)
	dlq := NewDeadLetterQueue(fs, "/state")

	coord := NewCoordinator(repo, worktreeBase, "main", runner, nil, nil, ckpt, dlq)

	agentTemplate := []*workflow.Step{
		{
			Name:       "maybe-fail",
			Shell:      `test "${item.id}" != "c" && printf 'ok' > out.txt`,
			AutoCommit: true,
		},
	}

	reduceMarker := filepath.Join(repo, "reduce_ran.txt")
	spec := &workflow.MapReduceSpec{
		Input:             `[{"id":"a"},{"id":"b"},{"id":"c"},{"id":"d"},{"id":"e"}]`,
		MaxParallel:       2,
		MaxRetriesPerItem: 2,
		AgentTemplate:     agentTemplate,
		Reduce: []*workflow.Step{
			{Name: "record-reduce", Shell: `printf 'x' >> "` + reduceMarker + `"`},
		},
	}

	topExecutor := workflow.NewExecutor(workflow.DefaultRegistry(coord), nil, nil)
	rt := &workflow.Runtime{
		WorkflowID: "wf-scenario-3",
		Dir:        repo,
		Runner:     runner,
		Tracker:    gitwork.NewCommitTracker(runner),
		Executor:   topExecutor,
	}
	vctx := varctx.New()

	agg, err := coord.Run(context.Background(), spec, vctx, rt)
	if err == nil {
		t.Fatal("expected an error: one item never succeeds, so the success ratio falls under the default threshold of 1.0")
	}

	if agg["total"] != 5 {
		t.Fatalf("expected total=5, got %v", agg["total"])
	}
	if agg["successful"] != 4 {
		t.Fatalf("expected successful=4, got %v", agg["successful"])
	}
	if agg["failed"] != 1 {
		t.Fatalf("expected failed=1, got %v", agg["failed"])
	}

	results, ok := agg["results"].([]map[string]any)
	if !ok {
		t.Fatalf("expected results to be []map[string]any, got %T", agg["results"])
	}
	// a, b, d, e each dispatch once; c is nacked once (attempts=1 < maxRetries=2,
	// re-queued) and fails again on its second attempt (attempts=2, dead-lettered).
	if len(results) != 6 {
		t.Fatalf("expected 6 agent results (c retried once before dead-lettering), got %d", len(results))
	}
	for i := 1; i < len(results); i++ {
		if results[i-1]["item_id"].(string) > results[i]["item_id"].(string) {
			t.Fatalf("results must be ordered by item id, got %v then %v", results[i-1]["item_id"], results[i]["item_id"])
		}
	}

	dlqEntries, err := dlq.List("wf-scenario-3")
	if err != nil {
		t.Fatalf("dlq list: %v", err)
	}
	if len(dlqEntries) != 1 || dlqEntries[0].ItemID != "c" {
		t.Fatalf("expected exactly one dlq entry for item c, got %+v", dlqEntries)
	}

	data, err := os.ReadFile(reduceMarker)
	if err != nil {
		t.Fatalf("reduce must have run and written its marker: %v", err)
	}
	if string(data) != "x" {
		t.Fatalf("reduce must run exactly once, marker contents: %q", data)
	}
}

// TestCoordinatorRunSkipsMapPhaseWhenInputIsEmpty covers spec.md §8's
// zero-items boundary: reduce still runs, with empty aggregates.
func TestCoordinatorRunSkipsMapPhaseWhenInputIsEmpty(t *testing.T) {
	repo, runner := initMapReduceTestRepo(t)
	worktreeBase := filepath.Join(repo, ".worktrees")

	fs := afero.NewMemMapFs()
	ckpt := checkpoint.NewManager(fs, "/state", 0)
	dlq := NewDeadLetterQueue(fs, "/state")
	coord := NewCoordinator(repo, worktreeBase, "main", runner, nil, nil, ckpt, dlq)

	spec := &workflow.MapReduceSpec{
		Input: `[]`,
		Reduce: []*workflow.Step{
			{Name: "noop", Shell: "true"},
		},
	}

	topExecutor := workflow.NewExecutor(workflow.DefaultRegistry(coord), nil, nil)
	rt := &workflow.Runtime{
		WorkflowID: "wf-empty",
		Dir:        repo,
		Runner:     runner,
		Tracker:    gitwork.NewCommitTracker(runner),
		Executor:   topExecutor,
	}
	vctx := varctx.New()

	agg, err := coord.Run(context.Background(), spec, vctx, rt)
	if err != nil {
		t.Fatalf("empty input must not be an error: %v", err)
	}
	if agg["total"] != 0 || agg["successful"] != 0 || agg["failed"] != 0 {
		t.Fatalf("expected all-zero aggregates for empty input, got %+v", agg)
	}
}

// TestCoordinatorRunOrdersResultsByInputIndexNotItemID covers spec.md §4.11
// "Ordering and tie-breaks" and the §8 invariant: ${map.results} must be
// ordered by each item's original position in the input array, not by a
// lexical sort of its item id. "item-10" sorts before "item-2" as a
// string even though it is the later item, so this input would expose a
// sort that compared ids instead of WorkItem.Index.
func TestCoordinatorRunOrdersResultsByInputIndexNotItemID(t *testing.T) {
	repo, runner := initMapReduceTestRepo(t)
	worktreeBase := filepath.Join(repo, ".worktrees")

	fs := afero.NewMemMapFs()
	ckpt := checkpoint.NewManager(fs, "/state", 0)
	dlq := NewDeadLetterQueue(fs, "/state")

	coord := NewCoordinator(repo, worktreeBase, "main", runner, nil, nil, ckpt, dlq)

	agentTemplate := []*workflow.Step{
		{Name: "touch", Shell: `printf '%s' "${item.id}" > out.txt`, AutoCommit: true},
	}

	spec := &workflow.MapReduceSpec{
		Input:         `[{"id":"item-2"},{"id":"item-10"},{"id":"item-1"}]`,
		MaxParallel:   1,
		AgentTemplate: agentTemplate,
	}

	topExecutor := workflow.NewExecutor(workflow.DefaultRegistry(coord), nil, nil)
	rt := &workflow.Runtime{
		WorkflowID: "wf-ordering",
		Dir:        repo,
		Runner:     runner,
		Tracker:    gitwork.NewCommitTracker(runner),
		Executor:   topExecutor,
	}
	vctx := varctx.New()

	agg, err := coord.Run(context.Background(), spec, vctx, rt)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	results, ok := agg["results"].([]map[string]any)
	if !ok {
		t.Fatalf("expected results to be []map[string]any, got %T", agg["results"])
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}

	want := []string{"item-2", "item-10", "item-1"}
	for i, r := range results {
		got, _ := r["item_id"].(string)
		if got != want[i] {
			t.Fatalf("results must be ordered by original input index, expected %v at position %d, got results=%v", want, i, results)
		}
	}
}
