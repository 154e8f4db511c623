package config

import (
	"os"
	"path/filepath"
)

// GetStorageRoot returns the base directory loom persists checkpoints,
// dead-letter entries, events, and session summaries under (spec.md §6
// "Persisted state layout").
func GetStorageRoot() string {
	if loadedConfig != nil && loadedConfig.StorageDir != "" {
		return loadedConfig.StorageDir
	}
	if dir := os.Getenv("LOOM_STORAGE_DIR"); dir != "" {
		return dir
	}
	return defaultStorageDir()
}

func defaultStorageDir() string {
	homeDir := os.Getenv("HOME")
	if homeDir == "" {
		var err error
		homeDir, err = os.UserHomeDir()
		if err != nil {
			return filepath.Join(os.TempDir(), ".loom")
		}
	}
	return filepath.Join(homeDir, ".loom")
}

// StateDir returns <storage>/state/<workflow-id>, the checkpoint manager's
// per-workflow directory.
func StateDir(storageRoot, workflowID string) string {
	return filepath.Join(storageRoot, "state", workflowID)
}

// DLQDir returns <storage>/dlq/<workflow-id>.
func DLQDir(storageRoot, workflowID string) string {
	return filepath.Join(storageRoot, "dlq", workflowID)
}

// EventsDir returns <storage>/events/<repo>, the directory one session's
// JSONL event log is written under.
func EventsDir(storageRoot, repo string) string {
	return filepath.Join(storageRoot, "events", repo)
}

// SessionsDir returns <storage>/sessions, where session summaries are
// recorded as <session-id>.json.
func SessionsDir(storageRoot string) string {
	return filepath.Join(storageRoot, "sessions")
}

// WorktreeDir returns <storage>/worktrees/<workflow-id>, the directory "git worktree add"
// checkouts are created under for a given workflow run.
func WorktreeDir(storageRoot, workflowID string) string {
	return filepath.Join(storageRoot, "worktrees", workflowID)
}
