package gitwork

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/loomwork/loom/internal/errclass"
	"github.com/loomwork/loom/internal/subprocess"
)

// PathStat is one changed path within a commit.
type PathStat struct {
	Path       string `json:"path"`
	Insertions int    `json:"insertions"`
	Deletions  int    `json:"deletions"`
}

// CommitRecord is one recorded commit (spec.md §3).
type CommitRecord struct {
	SHA       string     `json:"sha"`
	Author    string     `json:"author"`
	Timestamp time.Time  `json:"timestamp"`
	ParentSHA string     `json:"parent_sha"`
	Paths     []PathStat `json:"paths"`
	StepID    string     `json:"step_id"`
}

// StageConfig resolves which files are staged before a commit.
type StageConfig struct {
	Include []string // glob patterns; empty means "all tracked changes"
	Exclude []string // glob patterns subtracted from the include set
}

// CommitConfig configures message generation, validation, and signing.
type CommitConfig struct {
	MessageTemplate string // interpolated by the caller before Create is invoked
	MessagePattern  *regexp.Regexp
	Sign            bool
	AuthorName      string
	AuthorEmail     string
}

// CommitTracker implements snapshot_head / stage / create_commit /
// commits_since (spec.md §4.4), grounded on the teacher's
// CollectChanges/getFileDiffStats git-porcelain parsing, generalized from
// working-tree status into structured per-commit history.
type CommitTracker struct {
	runner *subprocess.Runner
}

func NewCommitTracker(runner *subprocess.Runner) *CommitTracker {
	return &CommitTracker{runner: runner}
}

// SnapshotHEAD returns the current HEAD SHA of wt, used by the step
// executor before a commit_required/auto step runs.
func (t *CommitTracker) SnapshotHEAD(ctx context.Context, wt *Worktree) (string, error) {
	return t.revParse(ctx, wt, "HEAD")
}

func (t *CommitTracker) revParse(ctx context.Context, wt *Worktree, ref string) (string, error) {
	res, err := t.runner.Run(ctx, subprocess.Spec{Command: "git", Args: []string{"rev-parse", ref}, Dir: wt.Path})
	if err != nil {
		return "", errclass.New(errclass.Internal, "gitwork.snapshot_head", err)
	}
	if !res.Success() {
		return "", errclass.New(errclass.Internal, "gitwork.snapshot_head", fmt.Errorf("rev-parse %s: %s", ref, res.Stderr))
	}
	return trimNewline(res.Stdout), nil
}

// Stage resolves the include/exclude glob sets and runs "git add" against
// the result. An empty include list means "all tracked changes".
func (t *CommitTracker) Stage(ctx context.Context, wt *Worktree, cfg StageConfig) error {
	if len(cfg.Include) == 0 {
		res, err := t.runner.Run(ctx, subprocess.Spec{Command: "git", Args: []string{"add", "-A"}, Dir: wt.Path})
		if err != nil {
			return errclass.New(errclass.Internal, "gitwork.stage", err)
		}
		if !res.Success() {
			return errclass.New(errclass.Internal, "gitwork.stage", fmt.Errorf("git add: %s", res.Stderr))
		}
		return t.unstageExcluded(ctx, wt, cfg.Exclude)
	}

	for _, pattern := range cfg.Include {
		matches, err := filepath.Glob(filepath.Join(wt.Path, pattern))
		if err != nil {
			return errclass.New(errclass.Configuration, "gitwork.stage", fmt.Errorf("invalid include pattern %q: %w", pattern, err))
		}
		for _, m := range matches {
			if excluded(wt.Path, m, cfg.Exclude) {
				continue
			}
			rel, _ := filepath.Rel(wt.Path, m)
			res, err := t.runner.Run(ctx, subprocess.Spec{Command: "git", Args: []string{"add", "--", rel}, Dir: wt.Path})
			if err != nil {
				return errclass.New(errclass.Internal, "gitwork.stage", err)
			}
			if !res.Success() {
				return errclass.New(errclass.Internal, "gitwork.stage", fmt.Errorf("git add %s: %s", rel, res.Stderr))
			}
		}
	}
	return nil
}

func (t *CommitTracker) unstageExcluded(ctx context.Context, wt *Worktree, exclude []string) error {
	for _, pattern := range exclude {
		matches, err := filepath.Glob(filepath.Join(wt.Path, pattern))
		if err != nil {
			continue
		}
		for _, m := range matches {
			rel, _ := filepath.Rel(wt.Path, m)
			_, _ = t.runner.Run(ctx, subprocess.Spec{Command: "git", Args: []string{"reset", "--", rel}, Dir: wt.Path})
		}
	}
	return nil
}

func excluded(root, path string, patterns []string) bool {
	rel, _ := filepath.Rel(root, path)
	for _, p := range patterns {
		if ok, _ := filepath.Match(p, rel); ok {
			return true
		}
	}
	return false
}

// CreateCommit validates the message, stages nothing itself (Stage must be
// called first), and creates a commit. Concurrent creation against the
// same worktree is serialized through wt's commit mutex.
func (t *CommitTracker) CreateCommit(ctx context.Context, wt *Worktree, message string, cfg CommitConfig, stepID string) (CommitRecord, error) {
	wt.commitMu.Lock()
	defer wt.commitMu.Unlock()

	if cfg.MessagePattern != nil && !cfg.MessagePattern.MatchString(message) {
		return CommitRecord{}, errclass.New(errclass.Validation, "gitwork.create_commit", fmt.Errorf("commit message %q does not match required pattern", message))
	}

	parent, _ := t.revParse(ctx, wt, "HEAD")

	args := []string{"commit", "-m", message}
	if cfg.AuthorName != "" && cfg.AuthorEmail != "" {
		args = append(args, "--author", fmt.Sprintf("%s <%s>", cfg.AuthorName, cfg.AuthorEmail))
	}
	if cfg.Sign && hasSigningKeyConfigured(ctx, t.runner, wt) {
		args = append(args, "-S")
	}

	res, err := t.runner.Run(ctx, subprocess.Spec{Command: "git", Args: args, Dir: wt.Path})
	if err != nil {
		return CommitRecord{}, errclass.New(errclass.Internal, "gitwork.create_commit", err)
	}
	if !res.Success() {
		return CommitRecord{}, errclass.New(errclass.UserCommand, "gitwork.create_commit", fmt.Errorf("git commit: %s", res.Stderr))
	}

	sha, err := t.revParse(ctx, wt, "HEAD")
	if err != nil {
		return CommitRecord{}, err
	}

	record := CommitRecord{
		SHA:       sha,
		Timestamp: time.Now(),
		ParentSHA: parent,
		StepID:    stepID,
	}
	record.Author, _ = t.authorOf(ctx, wt, sha)
	record.Paths, _ = t.changedPaths(ctx, wt, parent, sha)
	return record, nil
}

func hasSigningKeyConfigured(ctx context.Context, runner *subprocess.Runner, wt *Worktree) bool {
	res, err := runner.Run(ctx, subprocess.Spec{Command: "git", Args: []string{"config", "user.signingkey"}, Dir: wt.Path})
	return err == nil && res.Success() && trimNewline(res.Stdout) != ""
}

func (t *CommitTracker) authorOf(ctx context.Context, wt *Worktree, sha string) (string, error) {
	res, err := t.runner.Run(ctx, subprocess.Spec{Command: "git", Args: []string{"show", "-s", "--format=%an <%ae>", sha}, Dir: wt.Path})
	if err != nil || !res.Success() {
		return "", err
	}
	return trimNewline(res.Stdout), nil
}

func (t *CommitTracker) changedPaths(ctx context.Context, wt *Worktree, from, to string) ([]PathStat, error) {
	ref := to
	if from != "" {
		ref = from + ".." + to
	}
	res, err := t.runner.Run(ctx, subprocess.Spec{Command: "git", Args: []string{"diff", "--numstat", ref}, Dir: wt.Path})
	if err != nil || !res.Success() {
		return nil, err
	}
	return parseNumstat(res.Stdout), nil
}

func parseNumstat(output string) []PathStat {
	var stats []PathStat
	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		added, _ := strconv.Atoi(fields[0])
		removed, _ := strconv.Atoi(fields[1])
		stats = append(stats, PathStat{Path: fields[2], Insertions: added, Deletions: removed})
	}
	return stats
}

// CommitsSince returns commits reachable from HEAD but not from sha, in
// chronological order, oldest first.
func (t *CommitTracker) CommitsSince(ctx context.Context, wt *Worktree, sha string) ([]CommitRecord, error) {
	rangeSpec := "HEAD"
	if sha != "" {
		rangeSpec = sha + "..HEAD"
	}
	res, err := t.runner.Run(ctx, subprocess.Spec{
		Command: "git",
		Args:    []string{"log", "--reverse", "--format=%H|%an <%ae>|%P", rangeSpec},
		Dir:     wt.Path,
	})
	if err != nil {
		return nil, errclass.New(errclass.Internal, "gitwork.commits_since", err)
	}
	if !res.Success() {
		return nil, nil
	}

	var records []CommitRecord
	for _, line := range strings.Split(strings.TrimSpace(res.Stdout), "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "|", 3)
		if len(parts) != 3 {
			continue
		}
		record := CommitRecord{SHA: parts[0], Author: parts[1], ParentSHA: firstField(parts[2])}
		record.Paths, _ = t.changedPaths(ctx, wt, record.ParentSHA, record.SHA)
		records = append(records, record)
	}
	return records, nil
}

func firstField(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
