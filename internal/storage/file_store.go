// Package storage persists the per-session summaries loom's CLI lists and
// inspects after a run finishes (spec.md §6 "sessions/<session-id>.json").
//
// Adapted from the teacher's FileStore (internal/storage/file_store.go),
// which staged arbitrary blobs through a NATS JetStream Object Store for a
// multi-tenant file-upload surface. This module's persisted state is a
// single small JSON document per session rather than arbitrary binary
// content, and has exactly one local writer (the orchestrator) and one
// local reader (the CLI), so the NATS object-store abstraction is
// replaced with a plain afero.Fs-backed JSON store; the key-prefix
// convention and not-found/quota error taxonomy are kept.
package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/afero"
)

// SessionSummary is the terminal report one orchestrator run leaves behind.
type SessionSummary struct {
	SessionID    string    `json:"session_id"`
	WorkflowID   string    `json:"workflow_id"`
	WorkflowName string    `json:"workflow_name"`
	Succeeded    bool      `json:"succeeded"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
	StepCount    int       `json:"step_count"`
	Error        string    `json:"error,omitempty"`
}

// SessionStore persists SessionSummary values as <dir>/<session-id>.json.
type SessionStore struct {
	fs  afero.Fs
	dir string
}

// NewSessionStore builds a store rooted at dir (config.SessionsDir's
// value).
func NewSessionStore(fs afero.Fs, dir string) *SessionStore {
	return &SessionStore{fs: fs, dir: dir}
}

func (s *SessionStore) path(sessionID string) string {
	return filepath.Join(s.dir, sessionID+".json")
}

// Save writes summary, overwriting any prior summary for the same session.
func (s *SessionStore) Save(summary SessionSummary) error {
	if summary.SessionID == "" {
		return NewFileError("storage.session.save", "", fmt.Errorf("%w: empty session id", ErrInvalidKey))
	}
	if err := s.fs.MkdirAll(s.dir, 0o755); err != nil {
		return NewFileError("storage.session.save", summary.SessionID, err)
	}
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return NewFileError("storage.session.save", summary.SessionID, err)
	}
	if err := afero.WriteFile(s.fs, s.path(summary.SessionID), data, 0o644); err != nil {
		return NewFileError("storage.session.save", summary.SessionID, err)
	}
	return nil
}

// Load reads back one session's summary.
func (s *SessionStore) Load(sessionID string) (SessionSummary, error) {
	data, err := afero.ReadFile(s.fs, s.path(sessionID))
	if err != nil {
		return SessionSummary{}, NewFileError("storage.session.load", sessionID, ErrFileNotFound)
	}
	var summary SessionSummary
	if err := json.Unmarshal(data, &summary); err != nil {
		return SessionSummary{}, NewFileError("storage.session.load", sessionID, err)
	}
	return summary, nil
}

// List returns every session id under the store, newest first (ULIDs sort
// lexically by creation time, so a plain string sort suffices).
func (s *SessionStore) List() ([]string, error) {
	entries, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		return nil, nil
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	sort.Sort(sort.Reverse(sort.StringSlice(ids)))
	return ids, nil
}

// NewSessionID mints a new sortable session identifier.
func NewSessionID() string {
	return generateULID()
}
