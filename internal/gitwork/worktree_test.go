package gitwork

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/loomwork/loom/internal/subprocess"
)

func initRepo(t *testing.T) string {
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

func TestCreateWorktreeIsIsolated(t *testing.T) {
	repo := initRepo(t)
	runner := subprocess.NewRunner()
	mgr := NewManager(runner, repo, filepath.Join(repo, ".worktrees"))

	wt, err := mgr.Create(context.Background(), "main")
	require.NoError(t, err)
	require.DirExists(t, wt.Path)
	require.NotEqual(t, "", wt.BaseHEAD)

	require.NoError(t, os.WriteFile(filepath.Join(wt.Path, "agent.txt"), []byte("data"), 0o644))
	require.NoFileExists(t, filepath.Join(repo, "agent.txt"))
}

func TestCleanupByPolicyOnSuccess(t *testing.T) {
	repo := initRepo(t)
	runner := subprocess.NewRunner()
	mgr := NewManager(runner, repo, filepath.Join(repo, ".worktrees"))

	wt, err := mgr.Create(context.Background(), "main")
	require.NoError(t, err)

	require.NoError(t, mgr.CleanupByPolicy(context.Background(), wt, CleanupOnSuccess, false))
	require.DirExists(t, wt.Path)

	require.NoError(t, mgr.CleanupByPolicy(context.Background(), wt, CleanupOnSuccess, true))
	require.NoDirExists(t, wt.Path)
}

func TestCleanupSkipsUncleanWorktree(t *testing.T) {
	repo := initRepo(t)
	runner := subprocess.NewRunner()
	mgr := NewManager(runner, repo, filepath.Join(repo, ".worktrees"))

	wt, err := mgr.Create(context.Background(), "main")
	require.NoError(t, err)
	wt.MarkUnclean()

	require.NoError(t, mgr.CleanupByPolicy(context.Background(), wt, CleanupOnSessionEnd, true))
	require.DirExists(t, wt.Path)
}

func TestCommitTrackerCreateAndDiff(t *testing.T) {
	repo := initRepo(t)
	runner := subprocess.NewRunner()
	mgr := NewManager(runner, repo, filepath.Join(repo, ".worktrees"))
	tracker := NewCommitTracker(runner)
	ctx := context.Background()

	wt, err := mgr.Create(ctx, "main")
	require.NoError(t, err)

	head, err := tracker.SnapshotHEAD(ctx, wt)
	require.NoError(t, err)
	require.Equal(t, wt.BaseHEAD, head)

	require.NoError(t, os.WriteFile(filepath.Join(wt.Path, "new.txt"), []byte("one\ntwo\n"), 0o644))
	require.NoError(t, tracker.Stage(ctx, wt, StageConfig{}))

	record, err := tracker.CreateCommit(ctx, wt, "add new file", CommitConfig{}, "step-1")
	require.NoError(t, err)
	require.NotEmpty(t, record.SHA)
	require.Equal(t, head, record.ParentSHA)
	require.Equal(t, "step-1", record.StepID)

	commits, err := tracker.CommitsSince(ctx, wt, head)
	require.NoError(t, err)
	require.Len(t, commits, 1)
	require.Equal(t, record.SHA, commits[0].SHA)
}

func TestCreateCommitRejectsBadMessagePattern(t *testing.T) {
	repo := initRepo(t)
	runner := subprocess.NewRunner()
	mgr := NewManager(runner, repo, filepath.Join(repo, ".worktrees"))
	tracker := NewCommitTracker(runner)
	ctx := context.Background()

	wt, err := mgr.Create(ctx, "main")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(wt.Path, "x.txt"), []byte("x"), 0o644))
	require.NoError(t, tracker.Stage(ctx, wt, StageConfig{}))

	cfg := CommitConfig{MessagePattern: regexp.MustCompile(`^\[loom\]`)}
	_, err = tracker.CreateCommit(ctx, wt, "no prefix", cfg, "step-1")
	require.Error(t, err)
}
