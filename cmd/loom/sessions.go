package main

import (
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/loomwork/loom/internal/config"
	"github.com/loomwork/loom/internal/storage"
)

var (
	sessionsCmd = &cobra.Command{
		Use:   "sessions",
		Short: "List recorded sessions",
	}

	sessionsListCmd = &cobra.Command{
		Use:   "list",
		Short: "List session summaries, newest first",
		Args:  cobra.NoArgs,
		RunE:  runSessionsList,
	}
)

func runSessionsList(cmd *cobra.Command, args []string) error {
	store := storage.NewSessionStore(afero.NewOsFs(), config.SessionsDir(config.GetStorageRoot()))
	ids, err := store.List()
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		fmt.Println("no sessions recorded")
		return nil
	}
	for _, id := range ids {
		summary, err := store.Load(id)
		if err != nil {
			fmt.Printf("%s: (unreadable: %v)\n", id, err)
			continue
		}
		status := "succeeded"
		if !summary.Succeeded {
			status = "failed"
		}
		fmt.Printf("%s  workflow=%s  status=%s  steps=%d\n", summary.SessionID, summary.WorkflowID, status, summary.StepCount)
	}
	return nil
}
