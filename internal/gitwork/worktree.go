// Package gitwork manages per-agent git worktrees and the commit tracker
// that records what each step or agent changed.
//
// Grounded on the teacher's workspace manager
// (internal/coding/workspace.go): the same create/get/cleanup-policy shape,
// generalized from a plain temp directory (optionally git-initialized) to
// a real "git worktree add" checkout so concurrent agents share one
// repository's object store while staying isolated on disk, per spec.md
// §4.10 and §5.
package gitwork

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomwork/loom/internal/errclass"
	"github.com/loomwork/loom/internal/subprocess"
)

// CleanupPolicy controls what happens to a worktree after its owning
// agent or step finishes.
type CleanupPolicy string

const (
	CleanupOnSessionEnd CleanupPolicy = "on_session_end"
	CleanupOnSuccess    CleanupPolicy = "on_success"
	CleanupManual       CleanupPolicy = "manual"
)

// Worktree is a single-owner checkout rooted at its own branch.
type Worktree struct {
	ID        string
	Path      string
	Branch    string
	CreatedAt time.Time
	BaseHEAD  string // HEAD of the base branch at worktree creation

	unclean bool // set when cancellation force-kills the owning process

	commitMu sync.Mutex // serializes commit creation per worktree (§4.4)
}

// Manager creates and tears down worktrees against one repository.
type Manager struct {
	runner   *subprocess.Runner
	repoRoot string
	baseDir  string

	mu        sync.Mutex
	worktrees map[string]*Worktree
}

func NewManager(runner *subprocess.Runner, repoRoot, baseDir string) *Manager {
	return &Manager{
		runner:    runner,
		repoRoot:  repoRoot,
		baseDir:   baseDir,
		worktrees: make(map[string]*Worktree),
	}
}

// Create adds a new worktree checked out from baseBranch onto a fresh
// branch, giving the caller an isolated directory no other worktree can
// observe uncommitted changes in.
func (m *Manager) Create(ctx context.Context, baseBranch string) (*Worktree, error) {
	if err := os.MkdirAll(m.baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("gitwork: create base dir: %w", err)
	}

	id := "wt_" + uuid.NewString()
	path := filepath.Join(m.baseDir, id)
	branch := "loom/" + id

	baseHEAD, err := m.revParse(ctx, m.repoRoot, baseBranch)
	if err != nil {
		return nil, err
	}

	res, err := m.runner.Run(ctx, subprocess.Spec{
		Command: "git",
		Args:    []string{"worktree", "add", "-b", branch, path, baseBranch},
		Dir:     m.repoRoot,
	})
	if err != nil {
		return nil, errclass.New(errclass.Internal, "gitwork.create", err)
	}
	if !res.Success() {
		return nil, errclass.New(errclass.UserCommand, "gitwork.create", fmt.Errorf("git worktree add: %s", res.Stderr))
	}

	wt := &Worktree{
		ID:        id,
		Path:      path,
		Branch:    branch,
		CreatedAt: time.Now(),
		BaseHEAD:  baseHEAD,
	}

	m.mu.Lock()
	m.worktrees[id] = wt
	m.mu.Unlock()

	return wt, nil
}

func (m *Manager) revParse(ctx context.Context, dir, ref string) (string, error) {
	res, err := m.runner.Run(ctx, subprocess.Spec{Command: "git", Args: []string{"rev-parse", ref}, Dir: dir})
	if err != nil {
		return "", errclass.New(errclass.Internal, "gitwork.rev_parse", err)
	}
	if !res.Success() {
		return "", errclass.New(errclass.Configuration, "gitwork.rev_parse", fmt.Errorf("rev-parse %s: %s", ref, res.Stderr))
	}
	return trimNewline(res.Stdout), nil
}

// MarkUnclean records that a worktree's process was force-killed during
// cancellation; such worktrees are always kept for diagnostics regardless
// of cleanup policy (spec.md §4.11 Cancellation).
func (wt *Worktree) MarkUnclean() { wt.unclean = true }

// Remove deletes a worktree checkout and its branch.
func (m *Manager) Remove(ctx context.Context, wt *Worktree) error {
	m.mu.Lock()
	delete(m.worktrees, wt.ID)
	m.mu.Unlock()

	res, err := m.runner.Run(ctx, subprocess.Spec{
		Command: "git",
		Args:    []string{"worktree", "remove", "--force", wt.Path},
		Dir:     m.repoRoot,
	})
	if err != nil || !res.Success() {
		// Worktree metadata can outlive the directory (e.g. manual
		// deletion); fall back to a plain directory removal plus a
		// prune so git's bookkeeping doesn't accumulate stale entries.
		_ = os.RemoveAll(wt.Path)
		_, _ = m.runner.Run(ctx, subprocess.Spec{Command: "git", Args: []string{"worktree", "prune"}, Dir: m.repoRoot})
	}
	_, _ = m.runner.Run(ctx, subprocess.Spec{Command: "git", Args: []string{"branch", "-D", wt.Branch}, Dir: m.repoRoot})
	return nil
}

// CleanupByPolicy removes wt according to policy unless it was marked
// unclean by a cancelled process, which is always kept for inspection.
func (m *Manager) CleanupByPolicy(ctx context.Context, wt *Worktree, policy CleanupPolicy, success bool) error {
	if wt.unclean {
		return nil
	}
	switch policy {
	case CleanupOnSessionEnd:
		return m.Remove(ctx, wt)
	case CleanupOnSuccess:
		if success {
			return m.Remove(ctx, wt)
		}
		return nil
	case CleanupManual:
		return nil
	default:
		return m.Remove(ctx, wt)
	}
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
