package orchestrator

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"

	"github.com/loomwork/loom/internal/checkpoint"
	"github.com/loomwork/loom/internal/mapreduce"
	"github.com/loomwork/loom/internal/subprocess"
	"github.com/loomwork/loom/internal/workflow"
)

func initOrchestratorTestRepo(t *testing.T) (string, *subprocess.Runner) {
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

func TestOrchestratorRunSequentialChecksPointsAfterEachStep(t *testing.T) {
	repo, runner := initOrchestratorTestRepo(t)
	fs := afero.NewMemMapFs()
	ckpt := checkpoint.NewManager(fs, "/state", 0)

	marker1 := filepath.Join(repo, "step1.txt")
	marker2 := filepath.Join(repo, "step2.txt")

	def := &workflow.Definition{
		Name:     "seq",
		Checksum: "hash-1",
		Steps: []*workflow.Step{
			{Name: "one", Shell: `printf 'x' > "` + marker1 + `"`, AutoCommit: true},
			{Name: "two", Shell: `printf 'y' > "` + marker2 + `"`, AutoCommit: true},
		},
	}

	o := &Orchestrator{
		RepoRoot: repo, WorktreeBase: filepath.Join(repo, ".worktrees"), BaseBranch: "main",
		Runner: runner, Checkpoints: ckpt,
	}

	out, err := o.Run(context.Background(), def, "wf-seq")
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if !out.Succeeded {
		t.Fatalf("expected success, got %+v", out)
	}

	versions, err := ckpt.List("wf-seq")
	if err != nil || len(versions) != 2 {
		t.Fatalf("expected 2 checkpoint versions (one per step), got %v err=%v", versions, err)
	}
	cp, ok, err := ckpt.Load("wf-seq")
	if err != nil || !ok {
		t.Fatalf("expected a loadable checkpoint: ok=%v err=%v", ok, err)
	}
	if len(cp.CompletedSteps) != 2 {
		t.Fatalf("expected both steps recorded complete, got %v", cp.CompletedSteps)
	}

	if _, err := os.Stat(marker1); err != nil {
		t.Fatalf("step one marker missing: %v", err)
	}
	if _, err := os.Stat(marker2); err != nil {
		t.Fatalf("step two marker missing: %v", err)
	}
}

// TestOrchestratorResumeSkipsCompletedSteps seeds a checkpoint recording
// step "one" as already complete, in a way that re-running it would fail
// (mkdir on a directory that already exists), then confirms Resume only
// executes step "two".
func TestOrchestratorResumeSkipsCompletedSteps(t *testing.T) {
	repo, runner := initOrchestratorTestRepo(t)
	fs := afero.NewMemMapFs()
	ckpt := checkpoint.NewManager(fs, "/state", 0)

	onceDir := filepath.Join(repo, "ran_once")
	marker2 := filepath.Join(repo, "step2.txt")

	def := &workflow.Definition{
		Name:     "resume-seq",
		Checksum: "hash-resume",
		Steps: []*workflow.Step{
			{Name: "one", Shell: `mkdir "` + onceDir + `"`},
			{Name: "two", Shell: `printf 'y' > "` + marker2 + `"`},
		},
	}

	if err := os.Mkdir(onceDir, 0o755); err != nil {
		t.Fatal(err)
	}
	seed := checkpoint.Checkpoint{
		CreatedAt:      "2026-01-01T00:00:00Z",
		WorkflowHash:   def.Checksum,
		CompletedSteps: []int{0},
		Context:        map[string]any{},
	}
	if _, err := ckpt.Save("wf-resume", seed); err != nil {
		t.Fatal(err)
	}

	o := &Orchestrator{
		RepoRoot: repo, WorktreeBase: filepath.Join(repo, ".worktrees"), BaseBranch: "main",
		Runner: runner, Checkpoints: ckpt,
	}

	out, err := o.Resume(context.Background(), def, "wf-resume")
	if err != nil {
		t.Fatalf("resume failed (step 'one' must not re-run): %v", err)
	}
	if !out.Succeeded {
		t.Fatalf("expected resumed session to succeed, got %+v", out)
	}
	if len(out.Results) != 1 {
		t.Fatalf("expected only step 'two' to execute, got %d results", len(out.Results))
	}
	if _, err := os.Stat(marker2); err != nil {
		t.Fatalf("step two must run on resume: %v", err)
	}
}

// TestOrchestratorResumeMapReducePicksUpInFlightItem covers spec.md §8
// scenario 4: a checkpoint taken mid-map (two items already succeeded, one
// in-flight, two still pending) must, on resume, re-dispatch only the
// in-flight and pending items and leave the already-succeeded ones alone,
// with reduce running exactly once against the full aggregate.
func TestOrchestratorResumeMapReducePicksUpInFlightItem(t *testing.T) {
	repo, runner := initOrchestratorTestRepo(t)
	fs := afero.NewMemMapFs()
	ckpt := checkpoint.NewManager(fs, "/state", 0)
	dlq := mapreduce.NewDeadLetterQueue(fs, "/state")

	reduceMarker := filepath.Join(repo, "reduce.txt")

	mrSpec := &workflow.MapReduceSpec{
		Input:             `[{"id":"a"},{"id":"b"},{"id":"c"},{"id":"d"},{"id":"e"}]`,
		MaxParallel:       2,
		MaxRetriesPerItem: 2,
		AgentTemplate: []*workflow.Step{
			{Name: "work", Shell: `printf 'ok' > out.txt`, AutoCommit: true},
		},
		Reduce: []*workflow.Step{
			{Name: "record", Shell: `printf 'x' >> "` + reduceMarker + `"`},
		},
	}
	def := &workflow.Definition{
		Name:     "scenario4",
		Mode:     "mapreduce",
		Checksum: "hash-scenario4",
		Map:      &workflow.Step{Name: "fanout", MapReduce: mrSpec},
	}

	snapshot := []mapreduce.WorkItem{
		{ID: "a", Index: 0, Total: 5, Payload: map[string]any{"id": "a"}, Status: mapreduce.ItemSucceeded, Attempts: 1},
		{ID: "b", Index: 1, Total: 5, Payload: map[string]any{"id": "b"}, Status: mapreduce.ItemSucceeded, Attempts: 1},
		{ID: "c", Index: 2, Total: 5, Payload: map[string]any{"id": "c"}, Status: mapreduce.ItemInFlight, AgentID: "agent-2", Attempts: 1},
		{ID: "d", Index: 3, Total: 5, Payload: map[string]any{"id": "d"}, Status: mapreduce.ItemPending},
		{ID: "e", Index: 4, Total: 5, Payload: map[string]any{"id": "e"}, Status: mapreduce.ItemPending},
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		t.Fatal(err)
	}

	seed := checkpoint.Checkpoint{
		CreatedAt:    "2026-01-01T00:00:00Z",
		WorkflowHash: def.Checksum,
		MapReduce:    payload,
		Context:      map[string]any{},
	}
	if _, err := ckpt.Save("wf-scenario4", seed); err != nil {
		t.Fatal(err)
	}

	o := &Orchestrator{
		RepoRoot: repo, WorktreeBase: filepath.Join(repo, ".worktrees"), BaseBranch: "main",
		Runner: runner, Checkpoints: ckpt, DLQ: dlq,
	}

	out, err := o.Resume(context.Background(), def, "wf-scenario4")
	if err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if !out.Succeeded {
		t.Fatalf("expected success, got %+v", out)
	}
	if len(out.Results) != 1 {
		t.Fatalf("expected one top-level step result (the mapreduce step), got %d", len(out.Results))
	}

	var agg map[string]any
	if err := json.Unmarshal([]byte(out.Results[0].Stdout), &agg); err != nil {
		t.Fatalf("mapreduce step stdout must be the aggregate json: %v", err)
	}
	if int(agg["total"].(float64)) != 5 {
		t.Fatalf("expected total=5, got %v", agg["total"])
	}
	if int(agg["successful"].(float64)) != 5 {
		t.Fatalf("expected all 5 items to end succeeded, got %v", agg["successful"])
	}
	if int(agg["failed"].(float64)) != 0 {
		t.Fatalf("expected failed=0, got %v", agg["failed"])
	}
	results, ok := agg["results"].([]any)
	if !ok || len(results) != 3 {
		t.Fatalf("expected exactly 3 agent dispatches this round (c, d, e — a and b were already done), got %v", agg["results"])
	}
	for _, r := range results {
		m := r.(map[string]any)
		if m["item_id"] == "a" || m["item_id"] == "b" {
			t.Fatalf("already-succeeded item %v must not be redispatched", m["item_id"])
		}
	}

	data, err := os.ReadFile(reduceMarker)
	if err != nil || string(data) != "x" {
		t.Fatalf("reduce must run exactly once on resume, marker=%q err=%v", data, err)
	}
}
