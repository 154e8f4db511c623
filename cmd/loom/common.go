package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/loomwork/loom/internal/checkpoint"
	"github.com/loomwork/loom/internal/config"
	"github.com/loomwork/loom/internal/errclass"
	"github.com/loomwork/loom/internal/events"
	"github.com/loomwork/loom/internal/logging"
	"github.com/loomwork/loom/internal/mapreduce"
	"github.com/loomwork/loom/internal/orchestrator"
	"github.com/loomwork/loom/internal/storage"
	"github.com/loomwork/loom/internal/subprocess"
	"github.com/loomwork/loom/internal/varctx"
)

// deriveWorkflowID mirrors workflow.Loader's own deriveName: the file's
// base name without extension, unless --id overrides it.
func deriveWorkflowID(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// buildOrchestrator wires one Orchestrator against the active config's
// storage root, the repo the CLI is invoked from, and a fresh event
// emitter scoped to workflowID (spec.md §6 "events/<repo>/<session>.jsonl").
func buildOrchestrator(workflowID, baseBranch string) (*orchestrator.Orchestrator, func(), error) {
	if baseBranch == "" {
		baseBranch = "HEAD"
	}
	if cfg == nil {
		var err error
		cfg, err = config.Load()
		if err != nil {
			return nil, func() {}, errclass.New(errclass.Configuration, "cli.init", err)
		}
	}
	if logger == nil {
		logger = logging.New(logging.Options{})
	}

	repoRoot, err := os.Getwd()
	if err != nil {
		return nil, func() {}, errclass.New(errclass.Configuration, "cli.init", err)
	}

	fs := afero.NewOsFs()
	storageRoot := config.GetStorageRoot()

	ckpt := checkpoint.NewManager(fs, storageRoot, cfg.CheckpointKeepN)
	dlq := mapreduce.NewDeadLetterQueue(fs, storageRoot)
	sessions := storage.NewSessionStore(fs, config.SessionsDir(storageRoot))

	repoName := filepath.Base(repoRoot)
	emitter, err := events.NewEmitter(fs, storageRoot, repoName, workflowID, cfg.EventBufferSize, nil)
	if err != nil {
		return nil, func() {}, errclass.New(errclass.Configuration, "cli.init", fmt.Errorf("events: %w", err))
	}
	go emitter.Run()

	o := &orchestrator.Orchestrator{
		RepoRoot:     repoRoot,
		WorktreeBase: config.WorktreeDir(storageRoot, workflowID),
		BaseBranch:   baseBranch,
		Runner:       subprocess.NewRunner(),
		Files:        varctx.AferoFiles{Fs: fs},
		Secrets:      envSecretLookup,
		Checkpoints:  ckpt,
		DLQ:          dlq,
		Emitter:      emitter,
		Sessions:     sessions,
		ClaudeBinary: cfg.ClaudeBinary,
		Logger:       logging.Component(logger, "orchestrator"),
	}

	cleanup := func() {
		_ = emitter.Close()
	}
	return o, cleanup, nil
}

// envSecretLookup resolves ${secret:NAME} references against
// LOOM_SECRET_<NAME> environment variables. No secrets manager is wired
// into the example pack this module was grounded on, so process
// environment is the fallback the teacher itself uses for credentials
// (e.g. internal/services/model_provider.go reading ANTHROPIC_API_KEY
// straight from os.Getenv).
func envSecretLookup(name string) (string, bool) {
	return os.LookupEnv("LOOM_SECRET_" + strings.ToUpper(name))
}
