package config

import (
	"os"
	"strings"
	"testing"
)

func clearLoomEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"LOOM_STORAGE_DIR", "LOOM_AUTOMATION", "LOOM_CLAUDE_BINARY",
		"LOOM_CHECKPOINT_KEEP_N", "LOOM_EVENT_BUFFER_SIZE",
		"LOOM_DEFAULT_MAX_PARALLEL", "LOOM_DEFAULT_AGENT_TIMEOUT_SECS",
		"LOOM_GIT_AUTHOR_NAME", "LOOM_GIT_AUTHOR_EMAIL",
	}
	originals := make(map[string]string, len(keys))
	for _, k := range keys {
		originals[k] = os.Getenv(k)
		os.Unsetenv(k)
	}
	t.Cleanup(func() {
		for _, k := range keys {
			if v := originals[k]; v != "" {
				os.Setenv(k, v)
			} else {
				os.Unsetenv(k)
			}
		}
	})
}

func TestLoadDefaults(t *testing.T) {
	clearLoomEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected config to load with no environment overrides, got error: %v", err)
	}
	if !strings.HasSuffix(cfg.StorageDir, ".loom") {
		t.Errorf("expected default storage dir to end in .loom, got %q", cfg.StorageDir)
	}
	if cfg.Automation {
		t.Error("expected automation to default to false")
	}
	if cfg.ClaudeBinary != "claude" {
		t.Errorf("expected default claude binary 'claude', got %q", cfg.ClaudeBinary)
	}
	if cfg.CheckpointKeepN != 10 {
		t.Errorf("expected default checkpoint_keep_n of 10, got %d", cfg.CheckpointKeepN)
	}
	if cfg.DefaultMaxParallel != 4 {
		t.Errorf("expected default_max_parallel of 4, got %d", cfg.DefaultMaxParallel)
	}
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	clearLoomEnv(t)

	os.Setenv("LOOM_STORAGE_DIR", "/tmp/loom-test-storage")
	os.Setenv("LOOM_AUTOMATION", "true")
	os.Setenv("LOOM_CHECKPOINT_KEEP_N", "3")
	os.Setenv("LOOM_DEFAULT_MAX_PARALLEL", "8")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if cfg.StorageDir != "/tmp/loom-test-storage" {
		t.Errorf("expected LOOM_STORAGE_DIR to override default, got %q", cfg.StorageDir)
	}
	if !cfg.Automation {
		t.Error("expected LOOM_AUTOMATION=true to set Automation")
	}
	if cfg.CheckpointKeepN != 3 {
		t.Errorf("expected checkpoint_keep_n=3, got %d", cfg.CheckpointKeepN)
	}
	if cfg.DefaultMaxParallel != 8 {
		t.Errorf("expected default_max_parallel=8, got %d", cfg.DefaultMaxParallel)
	}
}

func TestValidateRejectsNonPositiveMaxParallel(t *testing.T) {
	cfg := &Config{EventBufferSize: 1, DefaultMaxParallel: 0}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for default_max_parallel=0")
	}
}

func TestValidateRejectsNegativeCheckpointKeepN(t *testing.T) {
	cfg := &Config{EventBufferSize: 1, DefaultMaxParallel: 1, CheckpointKeepN: -1}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for negative checkpoint_keep_n")
	}
}

func TestGetStorageRootFallsBackToDefault(t *testing.T) {
	clearLoomEnv(t)
	loadedConfig = nil

	root := GetStorageRoot()
	if !strings.HasSuffix(root, ".loom") {
		t.Errorf("expected default storage root to end in .loom, got %q", root)
	}
}
