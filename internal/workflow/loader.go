package workflow

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/spf13/afero"

	"github.com/loomwork/loom/internal/errclass"
)

// Loader reads and normalizes workflow definition files (spec.md §6
// "Workflow definition (YAML, normalized to internal structure)").
//
// Grounded on the teacher's Loader (internal/workflows/loader.go):
// same glob-then-parse-then-checksum shape, reimplemented against
// goccy/go-yaml with strict unknown-field rejection (spec.md §9 "Dynamic
// config objects... unknown fields... must be rejected at normalization
// time") instead of gopkg.in/yaml.v3's permissive decode, and sha256
// instead of the teacher's md5 for the integrity checksum recorded in
// checkpoints.
type Loader struct {
	fs afero.Fs
}

func NewLoader(fs afero.Fs) *Loader {
	return &Loader{fs: fs}
}

// LoadFile reads, parses, and normalizes one workflow definition file.
func (l *Loader) LoadFile(path string) (*Definition, error) {
	content, err := afero.ReadFile(l.fs, path)
	if err != nil {
		return nil, errclass.New(errclass.Configuration, "workflow.load", fmt.Errorf("read %s: %w", path, err))
	}

	var def Definition
	if err := yaml.UnmarshalWithOptions(content, &def, yaml.DisallowUnknownField()); err != nil {
		return nil, errclass.New(errclass.Configuration, "workflow.load", fmt.Errorf("parse %s: %w", path, err))
	}

	if err := validateDefinition(&def); err != nil {
		return nil, errclass.New(errclass.Configuration, "workflow.load", err)
	}

	sum := sha256.Sum256(content)
	def.Checksum = hex.EncodeToString(sum[:])

	if def.Mode == "mapreduce" && def.Map != nil && def.Map.MapReduce != nil {
		def.Map.MapReduce.Setup = def.Setup
		def.Map.MapReduce.Reduce = def.Reduce
	}

	if def.Name == "" {
		def.Name = deriveName(path)
	}

	return &def, nil
}

// LoadAll loads every *.yaml/*.yml file directly under dir.
func (l *Loader) LoadAll(dir string) (map[string]*Definition, error) {
	out := make(map[string]*Definition)
	entries, err := afero.ReadDir(l.fs, dir)
	if err != nil {
		return out, nil // no workflow directory is not an error
	}
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}
		def, err := l.LoadFile(filepath.Join(dir, name))
		if err != nil {
			return out, err
		}
		out[deriveName(name)] = def
	}
	return out, nil
}

func deriveName(path string) string {
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	return strings.TrimSuffix(base, ext)
}

func validateDefinition(def *Definition) error {
	if def.Mode != "" && def.Mode != "mapreduce" {
		return fmt.Errorf("unknown mode %q", def.Mode)
	}
	if def.Mode == "mapreduce" {
		if def.Map == nil {
			return fmt.Errorf("mode: mapreduce requires a map: block")
		}
	} else if len(def.Steps) == 0 {
		return fmt.Errorf("workflow has no steps")
	}
	for _, step := range def.Steps {
		if err := validateStep(step); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(s *Step) error {
	if s == nil {
		return fmt.Errorf("nil step")
	}
	kinds := 0
	if s.Shell != "" {
		kinds++
	}
	if s.Claude != "" {
		kinds++
	}
	if s.GoalSeek != nil {
		kinds++
	}
	if s.Foreach != nil {
		kinds++
	}
	if s.WriteFile != nil {
		kinds++
	}
	if s.MapReduce != nil {
		kinds++
	}
	if kinds == 0 {
		return fmt.Errorf("step %q declares no command/goal_seek/foreach/write_file/mapreduce", s.Name)
	}
	if s.CommitConfig != nil {
		if _, err := s.CommitConfig.CompiledPattern(); err != nil {
			return fmt.Errorf("step %q: invalid commit message_pattern: %w", s.Name, err)
		}
	}
	return nil
}
