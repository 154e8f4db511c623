// Package checkpoint implements atomic, versioned persistence of workflow
// and MapReduce state, sufficient to resume a run after interruption.
//
// Grounded on the checksum-then-rename discipline in the teacher's
// workflow file loader (internal/workflows/loader.go computeChecksum),
// generalized from "checksum a file read at startup" into the write-temp,
// fsync, rename, fsync-directory protocol spec.md §4.8 requires, backed by
// afero.Fs so the whole manager is testable against an in-memory
// filesystem the way the teacher's variable store is.
package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/afero"

	"github.com/loomwork/loom/internal/errclass"
)

// FormatVersion is embedded in every checkpoint payload; readers must
// refuse to load a checkpoint written by a newer format.
const FormatVersion = 1

// Checkpoint is the persisted snapshot of one workflow run.
type Checkpoint struct {
	FormatVersion   int             `json:"format_version"`
	Version         int             `json:"version"` // monotonic per workflow id
	CreatedAt       string          `json:"created_at"`
	WorkflowID      string          `json:"workflow_id"`
	WorkflowHash    string          `json:"workflow_hash"`
	CompletedSteps  []int           `json:"completed_steps"`
	CapturedOutputs json.RawMessage `json:"captured_outputs"`
	Context         map[string]any  `json:"context"`
	MapReduce       json.RawMessage `json:"map_reduce,omitempty"`
}

// Manager implements save/load/list/delete/prune (spec.md §4.8).
type Manager struct {
	fs      afero.Fs
	baseDir string
	keepN   int // 0 means keep all
}

func NewManager(fs afero.Fs, baseDir string, keepLastN int) *Manager {
	return &Manager{fs: fs, baseDir: baseDir, keepN: keepLastN}
}

func (m *Manager) workflowDir(workflowID string) string {
	return filepath.Join(m.baseDir, "state", workflowID)
}

func (m *Manager) partialPath(workflowID string, version int) string {
	return filepath.Join(m.baseDir, "tmp", fmt.Sprintf("%s.v%d.partial", workflowID, version))
}

func (m *Manager) versionPath(workflowID string, version int) string {
	return filepath.Join(m.workflowDir(workflowID), fmt.Sprintf("checkpoint.v%d", version))
}

// Save writes a new version of cp for workflowID. cp.Version is assigned
// by Save (one greater than the highest existing version) so callers
// never race on version numbers themselves; the checkpoint store is
// single-writer per workflow id (spec.md §5).
func (m *Manager) Save(workflowID string, cp Checkpoint) (Checkpoint, error) {
	versions, err := m.List(workflowID)
	if err != nil {
		return Checkpoint{}, err
	}
	next := 1
	if len(versions) > 0 {
		next = versions[len(versions)-1] + 1
	}

	cp.FormatVersion = FormatVersion
	cp.Version = next
	cp.WorkflowID = workflowID

	payload, err := json.Marshal(cp)
	if err != nil {
		return Checkpoint{}, errclass.New(errclass.Internal, "checkpoint.save", err)
	}
	sum := sha256.Sum256(payload)
	envelope := envelope{Payload: payload, Integrity: hex.EncodeToString(sum[:])}
	data, err := json.Marshal(envelope)
	if err != nil {
		return Checkpoint{}, errclass.New(errclass.Internal, "checkpoint.save", err)
	}

	if err := m.fs.MkdirAll(filepath.Dir(m.partialPath(workflowID, next)), 0o755); err != nil {
		return Checkpoint{}, errclass.New(errclass.Internal, "checkpoint.save", err)
	}
	if err := m.fs.MkdirAll(m.workflowDir(workflowID), 0o755); err != nil {
		return Checkpoint{}, errclass.New(errclass.Internal, "checkpoint.save", err)
	}

	partial := m.partialPath(workflowID, next)
	if err := writeAndSync(m.fs, partial, data); err != nil {
		return Checkpoint{}, errclass.New(errclass.Internal, "checkpoint.save", err)
	}

	final := m.versionPath(workflowID, next)
	if err := m.fs.Rename(partial, final); err != nil {
		return Checkpoint{}, errclass.New(errclass.Internal, "checkpoint.save", err)
	}
	syncDir(m.fs, m.workflowDir(workflowID))

	if m.keepN > 0 {
		if err := m.Prune(workflowID, m.keepN); err != nil {
			return cp, err // pruning failure does not invalidate the save just performed
		}
	}

	return cp, nil
}

type envelope struct {
	Payload   json.RawMessage `json:"payload"`
	Integrity string          `json:"integrity"`
}

// Load returns the highest intact version, skipping any version whose
// integrity marker fails to verify.
func (m *Manager) Load(workflowID string) (Checkpoint, bool, error) {
	versions, err := m.List(workflowID)
	if err != nil {
		return Checkpoint{}, false, err
	}
	for i := len(versions) - 1; i >= 0; i-- {
		cp, ok, err := m.loadVersion(workflowID, versions[i])
		if err != nil {
			return Checkpoint{}, false, err
		}
		if ok {
			return cp, true, nil
		}
	}
	return Checkpoint{}, false, nil
}

func (m *Manager) loadVersion(workflowID string, version int) (Checkpoint, bool, error) {
	data, err := afero.ReadFile(m.fs, m.versionPath(workflowID, version))
	if err != nil {
		return Checkpoint{}, false, nil
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Checkpoint{}, false, nil // corrupt envelope: skip, consider next-lower
	}
	sum := sha256.Sum256(env.Payload)
	if hex.EncodeToString(sum[:]) != env.Integrity {
		return Checkpoint{}, false, nil // integrity mismatch: skip
	}
	var cp Checkpoint
	if err := json.Unmarshal(env.Payload, &cp); err != nil {
		return Checkpoint{}, false, nil
	}
	if cp.FormatVersion > FormatVersion {
		return Checkpoint{}, false, errclass.New(errclass.Configuration, "checkpoint.load",
			fmt.Errorf("checkpoint format version %d is newer than supported %d", cp.FormatVersion, FormatVersion))
	}
	return cp, true, nil
}

// List returns every persisted version for workflowID, ascending.
func (m *Manager) List(workflowID string) ([]int, error) {
	entries, err := afero.ReadDir(m.fs, m.workflowDir(workflowID))
	if err != nil {
		return nil, nil // no checkpoints yet is not an error
	}
	var versions []int
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "checkpoint.v") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(name, "checkpoint.v"))
		if err != nil {
			continue
		}
		versions = append(versions, n)
	}
	sort.Ints(versions)
	return versions, nil
}

// Delete removes one specific version.
func (m *Manager) Delete(workflowID string, version int) error {
	return m.fs.Remove(m.versionPath(workflowID, version))
}

// Prune keeps only the highest keepLastN versions, deleting the rest.
func (m *Manager) Prune(workflowID string, keepLastN int) error {
	versions, err := m.List(workflowID)
	if err != nil {
		return err
	}
	if len(versions) <= keepLastN {
		return nil
	}
	for _, v := range versions[:len(versions)-keepLastN] {
		if err := m.Delete(workflowID, v); err != nil {
			return errclass.New(errclass.Internal, "checkpoint.prune", err)
		}
	}
	return nil
}

func writeAndSync(fs afero.Fs, path string, data []byte) error {
	f, err := fs.Create(path)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// syncDir best-effort fsyncs a directory so the rename above is durable;
// afero's in-memory and most real filesystems either support this or
// silently no-op, so failures here are not propagated.
func syncDir(fs afero.Fs, dir string) {
	if f, err := fs.Open(dir); err == nil {
		_ = f.Sync()
		_ = f.Close()
	}
}
