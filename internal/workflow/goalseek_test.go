package workflow

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/loomwork/loom/internal/subprocess"
	"github.com/loomwork/loom/internal/varctx"
)

// TestRunGoalSeekConvergesOnThreshold exercises spec.md §8 scenario 5: a
// producer/validator loop whose score strictly improves each attempt stops
// as soon as the validator's score clears the threshold, not after
// exhausting max_attempts.
func TestRunGoalSeekConvergesOnThreshold(t *testing.T) {
	dir := t.TempDir()
	counter := filepath.Join(dir, "counter")
	runner := subprocess.NewRunner()
	vctx := varctx.New()
	interp := varctx.NewInterpolator(vctx, nil, runner, nil)
	rt := &Runtime{Runner: runner, Dir: dir}

	spec := &GoalSeekSpec{
		Producer:    `n=$(cat "` + counter + `" 2>/dev/null || echo 0); n=$((n+1)); echo "$n" > "` + counter + `"`,
		Validator:   `echo "score: $(cat "` + counter + `")"`,
		Threshold:   3,
		MaxAttempts: 5,
	}

	result, err := runGoalSeek(context.Background(), spec, rt, interp, vctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Outcome != GoalSeekSuccess {
		t.Fatalf("expected success outcome, got %v (attempts=%+v)", result.Outcome, result.Attempts)
	}
	if result.BestAttempt != 3 {
		t.Fatalf("expected threshold reached on attempt 3, got %d", result.BestAttempt)
	}
	if len(result.Attempts) != 3 {
		t.Fatalf("expected exactly 3 attempts before stopping, got %d", len(result.Attempts))
	}
	v, ok := vctx.Lookup("goal_seek.best_score")
	if !ok || v.(float64) != 3 {
		t.Fatalf("expected goal_seek.best_score=3 captured, got %v (ok=%v)", v, ok)
	}
}

// TestRunGoalSeekExhaustsAttemptsWithoutConverging covers the boundary
// where the validator's score never improves and never clears the
// threshold: the loop must run every attempt and report exhausted rather
// than looping forever or declaring false convergence.
func TestRunGoalSeekExhaustsAttemptsWithoutConverging(t *testing.T) {
	dir := t.TempDir()
	runner := subprocess.NewRunner()
	vctx := varctx.New()
	interp := varctx.NewInterpolator(vctx, nil, runner, nil)
	rt := &Runtime{Runner: runner, Dir: dir}

	spec := &GoalSeekSpec{
		Producer:          `true`,
		Validator:         `echo "score: 0.1"`,
		Threshold:         0.9,
		MaxAttempts:       3,
		ConvergenceWindow: 5,
	}

	result, err := runGoalSeek(context.Background(), spec, rt, interp, vctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Outcome != GoalSeekExhausted {
		t.Fatalf("expected exhausted outcome, got %v", result.Outcome)
	}
	if len(result.Attempts) != 3 {
		t.Fatalf("expected all 3 attempts to run, got %d", len(result.Attempts))
	}
}

// TestGoalSeekDispatcherSurfacesFailureAsNonZeroExit confirms the
// dispatcher maps a non-success outcome onto an exit code the retry
// executor and on_failure handler can react to.
func TestGoalSeekDispatcherSurfacesFailureAsNonZeroExit(t *testing.T) {
	dir := t.TempDir()
	runner := subprocess.NewRunner()
	vctx := varctx.New()
	interp := varctx.NewInterpolator(vctx, nil, runner, nil)
	rt := &Runtime{Runner: runner, Dir: dir}

	step := &Step{Name: "seek", GoalSeek: &GoalSeekSpec{
		Producer:    `true`,
		Validator:   `echo "score: 0.1"`,
		Threshold:   0.9,
		MaxAttempts: 1,
	}}

	d := &goalSeekDispatcher{}
	out, err := d.Dispatch(context.Background(), step, rt, vctx, interp)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Success {
		t.Fatal("expected dispatch to report failure when threshold is never reached")
	}
	if out.ExitCode == 0 {
		t.Fatal("expected a non-zero exit code on goal_seek failure")
	}
}
