package main

import (
	"context"
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/loomwork/loom/internal/workflow"
)

var (
	resumeFile       string
	resumeBaseBranch string

	resumeCmd = &cobra.Command{
		Use:   "resume <workflow-id>",
		Short: "Resume a workflow from its last checkpoint",
		Long:  "Resume a workflow from its last checkpoint. The original workflow definition file is required to revalidate it hasn't changed since the checkpoint was taken.",
		Args:  cobra.ExactArgs(1),
		RunE:  runResume,
	}
)

func init() {
	resumeCmd.Flags().StringVar(&resumeFile, "file", "", "path to the workflow definition file (required)")
	resumeCmd.MarkFlagRequired("file")
	resumeCmd.Flags().StringVar(&resumeBaseBranch, "base-branch", "HEAD", "git ref each step's worktree is created from")
}

func runResume(cmd *cobra.Command, args []string) error {
	workflowID := args[0]

	loader := workflow.NewLoader(afero.NewOsFs())
	def, err := loader.LoadFile(resumeFile)
	if err != nil {
		return err
	}

	o, cleanup, err := buildOrchestrator(workflowID, resumeBaseBranch)
	if err != nil {
		return err
	}
	defer cleanup()

	outcome, err := o.Resume(context.Background(), def, workflowID)
	if err != nil {
		printOutcome(outcome)
		return fmt.Errorf("resume %s: %w", workflowID, err)
	}
	printOutcome(outcome)
	return nil
}
