package main

import (
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/loomwork/loom/internal/checkpoint"
	"github.com/loomwork/loom/internal/config"
)

var (
	checkpointsCmd = &cobra.Command{
		Use:   "checkpoints",
		Short: "List or prune workflow checkpoints",
	}

	checkpointsListCmd = &cobra.Command{
		Use:   "list <workflow-id>",
		Short: "List checkpoint versions for a workflow",
		Args:  cobra.ExactArgs(1),
		RunE:  runCheckpointsList,
	}

	checkpointsPruneCmd = &cobra.Command{
		Use:   "prune <workflow-id>",
		Short: "Delete all but the most recent N checkpoint versions",
		Args:  cobra.ExactArgs(1),
		RunE:  runCheckpointsPrune,
	}
)

func checkpointManager() *checkpoint.Manager {
	storageRoot := config.GetStorageRoot()
	keep := 10
	if cfg != nil {
		keep = cfg.CheckpointKeepN
	}
	return checkpoint.NewManager(afero.NewOsFs(), storageRoot, keep)
}

func runCheckpointsList(cmd *cobra.Command, args []string) error {
	versions, err := checkpointManager().List(args[0])
	if err != nil {
		return err
	}
	if len(versions) == 0 {
		fmt.Println("no checkpoints")
		return nil
	}
	for _, v := range versions {
		fmt.Printf("v%d\n", v)
	}
	return nil
}

func runCheckpointsPrune(cmd *cobra.Command, args []string) error {
	keep, _ := cmd.Flags().GetInt("keep")
	if err := checkpointManager().Prune(args[0], keep); err != nil {
		return err
	}
	fmt.Printf("pruned %s, keeping the last %d versions\n", args[0], keep)
	return nil
}
