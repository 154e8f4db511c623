package workflow

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/loomwork/loom/internal/gitwork"
	"github.com/loomwork/loom/internal/subprocess"
	"github.com/loomwork/loom/internal/varctx"
)

func newTestRuntime(t *testing.T) (*Runtime, *Executor) {
	t.Helper()
	dir := t.TempDir()
	rt := &Runtime{WorkflowID: "wf-test", Dir: dir, Runner: subprocess.NewRunner()}
	exec := NewExecutor(DefaultRegistry(nil), nil, nil)
	return rt, exec
}

func TestExecuteStepSequentialCaptureAndInterpolation(t *testing.T) {
	rt, exec := newTestRuntime(t)
	vctx := varctx.New()

	steps := []*Step{
		{Name: "produce", Shell: `printf hello`, Capture: "greeting"},
		{Name: "consume", Shell: `printf '%s' "${greeting.stdout}"`, Capture: "echoed"},
	}

	results, err := exec.Run(context.Background(), steps, rt, vctx)
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, StatusSucceeded, results[0].Status)
	require.Equal(t, "hello", results[0].Stdout)
	require.Equal(t, StatusSucceeded, results[1].Status)
	require.Equal(t, "hello", results[1].Stdout)
}

func TestExecuteStepMasksSecretsEverywhereObservable(t *testing.T) {
	rt, exec := newTestRuntime(t)
	vctx := varctx.New()
	vctx.InsertSecret(varctx.LayerSecret, "token", "sekret123")

	steps := []*Step{
		{Name: "leak", Shell: `printf '%s' "${token}" 1>&2; printf '%s' "${token}"`, Capture: "leaked"},
	}

	results, err := exec.Run(context.Background(), steps, rt, vctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "***", results[0].Stdout)
	require.Equal(t, "***", results[0].Stderr)

	captured, ok := vctx.Lookup("leaked")
	require.True(t, ok)
	capturedVal, ok := captured.(*varctx.Captured)
	require.True(t, ok)
	require.Equal(t, "***", capturedVal.Stdout)
	require.Equal(t, "***", capturedVal.Stderr)

	snapshot := vctx.Snapshot()
	snapshotCaptured, ok := snapshot["leaked"].(*varctx.Captured)
	require.True(t, ok)
	require.Equal(t, "***", snapshotCaptured.Stdout)
	require.Equal(t, "***", snapshotCaptured.Stderr)
}

func TestExecuteStepSkipsWhenGuardIsFalse(t *testing.T) {
	rt, exec := newTestRuntime(t)
	vctx := varctx.New()
	vctx.Insert(varctx.LayerCaptured, "mode", "dry_run")

	steps := []*Step{
		{Name: "maybe", Shell: `printf should-not-run`, When: `${mode} == live`},
	}

	results, err := exec.Run(context.Background(), steps, rt, vctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, StatusSkipped, results[0].Status)
	require.Empty(t, results[0].Stdout)
}

func initTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	runner := subprocess.NewRunner()
	ctx := context.Background()
	run := func(args ...string) {
		res, err := runner.Run(ctx, subprocess.Spec{Command: "git", Args: args, Dir: dir})
		require.NoError(t, err)
		require.True(t, res.Success(), res.Stderr)
	}
	run("init", "-b", "main")
	run("config", "user.email", "loom@test.local")
	run("config", "user.name", "loom-test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644))
	run("add", "-A")
	run("commit", "-m", "initial")
	return dir
}

func TestExecuteStepCommitRequiredWithNoChangesFailsAndSkipsOnSuccess(t *testing.T) {
	repo := initTestRepo(t)
	runner := subprocess.NewRunner()
	ctx := context.Background()

	mgr := gitwork.NewManager(runner, repo, filepath.Join(repo, ".worktrees"))
	wt, err := mgr.Create(ctx, "main")
	require.NoError(t, err)

	rt := &Runtime{WorkflowID: "wf-test", Dir: wt.Path, Runner: runner, Tracker: gitwork.NewCommitTracker(runner), Worktree: wt}
	exec := NewExecutor(DefaultRegistry(nil), nil, nil)
	vctx := varctx.New()

	steps := []*Step{
		{
			Name:           "noop",
			Shell:          "true",
			CommitRequired: true,
			OnSuccess:      &Step{Name: "after", Shell: "printf should-not-run"},
		},
	}

	results, err := exec.Run(ctx, steps, rt, vctx)
	require.Error(t, err)
	require.Len(t, results, 1, "on_success must not run when commit_required produced no commits")
	require.Equal(t, StatusFailed, results[0].Status)
}

func TestExecuteStepAutoCommitRecordsCommit(t *testing.T) {
	repo := initTestRepo(t)
	runner := subprocess.NewRunner()
	ctx := context.Background()

	mgr := gitwork.NewManager(runner, repo, filepath.Join(repo, ".worktrees"))
	wt, err := mgr.Create(ctx, "main")
	require.NoError(t, err)

	rt := &Runtime{WorkflowID: "wf-test", Dir: wt.Path, Runner: runner, Tracker: gitwork.NewCommitTracker(runner), Worktree: wt}
	exec := NewExecutor(DefaultRegistry(nil), nil, nil)
	vctx := varctx.New()

	steps := []*Step{
		{Name: "write", Shell: "printf one > new.txt", AutoCommit: true},
	}

	results, err := exec.Run(ctx, steps, rt, vctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, StatusSucceeded, results[0].Status)
	require.Len(t, results[0].Commits, 1)
}
