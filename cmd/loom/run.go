package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/loomwork/loom/internal/orchestrator"
	"github.com/loomwork/loom/internal/workflow"
)

var (
	runWorkflowID string
	runBaseBranch string
	runWatch      bool
	runSchedule   string

	runCmd = &cobra.Command{
		Use:   "run <workflow-file>",
		Short: "Run a workflow definition to completion",
		Args:  cobra.ExactArgs(1),
		RunE:  runRun,
	}
)

func init() {
	runCmd.Flags().StringVar(&runWorkflowID, "id", "", "workflow id to checkpoint and emit events under (default: file name without extension)")
	runCmd.Flags().StringVar(&runBaseBranch, "base-branch", "HEAD", "git ref each step's worktree is created from")
	runCmd.Flags().BoolVar(&runWatch, "watch", false, "rerun the workflow whenever the definition file changes")
	runCmd.Flags().StringVar(&runSchedule, "schedule", "", "cron expression (with seconds field) to rerun the workflow on, instead of running once")
}

func runRun(cmd *cobra.Command, args []string) error {
	path := args[0]

	workflowID := runWorkflowID
	if workflowID == "" {
		workflowID = deriveWorkflowID(path)
	}

	if runWatch && runSchedule != "" {
		return fmt.Errorf("--watch and --schedule are mutually exclusive")
	}
	if runWatch {
		return runWatchLoop(path, workflowID)
	}
	if runSchedule != "" {
		return runScheduled(path, workflowID)
	}

	return runOnce(path, workflowID)
}

func runOnce(path, workflowID string) error {
	loader := workflow.NewLoader(afero.NewOsFs())
	def, err := loader.LoadFile(path)
	if err != nil {
		return err
	}

	o, cleanup, err := buildOrchestrator(workflowID, runBaseBranch)
	if err != nil {
		return err
	}
	defer cleanup()

	outcome, err := o.Run(context.Background(), def, workflowID)
	if err != nil {
		printOutcome(outcome)
		return fmt.Errorf("run %s: %w", workflowID, err)
	}
	printOutcome(outcome)
	return nil
}

// runWatchLoop reruns the workflow every time its definition file changes
// on disk, for local iteration without a surrounding shell loop.
func runWatchLoop(path, workflowID string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}
	defer watcher.Close()
	if err := watcher.Add(path); err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}

	fmt.Printf("watching %s for changes (ctrl-c to stop)\n", path)
	if err := runOnce(path, workflowID); err != nil {
		fmt.Fprintf(os.Stderr, "loom: %v\n", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			fmt.Printf("%s changed, rerunning\n", path)
			if err := runOnce(path, workflowID); err != nil {
				fmt.Fprintf(os.Stderr, "loom: %v\n", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			fmt.Fprintf(os.Stderr, "loom: watch error: %v\n", err)
		case <-sigCh:
			return nil
		}
	}
}

// runScheduled reruns the workflow on a cron schedule in-process, grounded
// in the teacher's SchedulerService (robfig/cron with seconds precision).
func runScheduled(path, workflowID string) error {
	c := cron.New(cron.WithSeconds(), cron.WithLogger(cron.VerbosePrintfLogger(log.New(os.Stderr, "loom-cron: ", log.LstdFlags))))

	_, err := c.AddFunc(runSchedule, func() {
		if err := runOnce(path, workflowID); err != nil {
			fmt.Fprintf(os.Stderr, "loom: scheduled run failed: %v\n", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid --schedule %q: %w", runSchedule, err)
	}

	c.Start()
	fmt.Printf("scheduled %s on %q (ctrl-c to stop)\n", workflowID, runSchedule)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stopped := c.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
	}
	return nil
}

func printOutcome(outcome orchestrator.Outcome) {
	for _, r := range outcome.Results {
		status := "ok"
		if !r.Success() {
			status = "FAILED"
		}
		fmt.Printf("[%s] %s (exit=%d, attempts=%d)\n", status, r.StepName, r.ExitCode, r.Attempts)
	}
	if outcome.Succeeded {
		fmt.Printf("workflow %s succeeded\n", outcome.WorkflowID)
	} else {
		fmt.Printf("workflow %s failed: %v\n", outcome.WorkflowID, outcome.Err)
	}
}
