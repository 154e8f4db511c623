package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/loomwork/loom/internal/config"
	"github.com/loomwork/loom/internal/mapreduce"
)

var (
	dlqCmd = &cobra.Command{
		Use:   "dlq",
		Short: "Inspect or remove dead-lettered MapReduce items",
	}

	dlqListCmd = &cobra.Command{
		Use:   "list <workflow-id>",
		Short: "List dead-lettered items for a workflow",
		Args:  cobra.ExactArgs(1),
		RunE:  runDLQList,
	}

	dlqRemoveCmd = &cobra.Command{
		Use:   "remove <workflow-id> <item-id>",
		Short: "Remove one dead-lettered item",
		Args:  cobra.ExactArgs(2),
		RunE:  runDLQRemove,
	}
)

func dlqManager() *mapreduce.DeadLetterQueue {
	storageRoot := config.GetStorageRoot()
	return mapreduce.NewDeadLetterQueue(afero.NewOsFs(), storageRoot)
}

func runDLQList(cmd *cobra.Command, args []string) error {
	entries, err := dlqManager().List(args[0])
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("no dead-lettered items")
		return nil
	}
	for _, e := range entries {
		data, _ := json.Marshal(e)
		fmt.Println(string(data))
	}
	return nil
}

func runDLQRemove(cmd *cobra.Command, args []string) error {
	if err := dlqManager().Remove(args[0], args[1]); err != nil {
		return err
	}
	fmt.Printf("removed %s/%s\n", args[0], args[1])
	return nil
}
