package main

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	waggle "github.com/waggleapp/waggle-go"
)

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueSyncCmd)
	queueCmd.AddCommand(queueRetryCmd)
	queueCmd.AddCommand(queueClearCmd)
	queueCmd.AddCommand(queuePullCmd)

	queueClearCmd.Flags().Bool("all", false, "Clear every queued action, not just failed ones")
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and drain the offline action queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued actions",
	RunE: func(cmd *cobra.Command, args []string) error {
		store := openStorage()
		defer store.Close()

		sync := newSyncManager(newClient(store), store, false)
		defer sync.Close()

		actions := sync.GetPendingActions()
		if len(actions) == 0 {
			fmt.Println("Queue is empty.")
			return nil
		}

		for _, a := range actions {
			at := time.UnixMilli(a.Timestamp).Format(time.RFC3339)
			line := fmt.Sprintf("%s  %-18s  %s  retries=%d/%d", a.ID, a.Action, at, a.Retries, a.MaxRetries)
			switch a.Status {
			case waggle.ActionFailed:
				color.Red("%s  FAILED: %s", line, a.Error)
			case waggle.ActionSyncing:
				color.Yellow("%s  syncing", line)
			default:
				fmt.Println(line)
			}
		}
		return nil
	},
}

var queueSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run a sync pass now",
	RunE: func(cmd *cobra.Command, args []string) error {
		store := openStorage()
		defer store.Close()

		client := newClient(store)
		sync := newSyncManager(client, store, true)
		defer sync.Close()

		before := sync.Status()
		if before.PendingActions == 0 && before.FailedActions == 0 {
			fmt.Println("Nothing to sync.")
			return nil
		}

		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		if err := sync.Sync(ctx); err != nil {
			return fmt.Errorf("sync failed: %w", err)
		}

		after := sync.Status()
		synced := before.PendingActions + before.FailedActions - after.PendingActions - after.FailedActions
		fmt.Printf("Synced %d action(s), %d pending, %d failed.\n", synced, after.PendingActions, after.FailedActions)
		return nil
	},
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Reset failed actions and sync again",
	RunE: func(cmd *cobra.Command, args []string) error {
		store := openStorage()
		defer store.Close()

		sync := newSyncManager(newClient(store), store, true)
		defer sync.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		if err := sync.RetryFailedActions(ctx); err != nil {
			return fmt.Errorf("retry failed: %w", err)
		}

		status := sync.Status()
		fmt.Printf("Done: %d pending, %d failed.\n", status.PendingActions, status.FailedActions)
		return nil
	},
}

var queuePullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Import actions queued on other devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		store := openStorage()
		defer store.Close()

		sync := newSyncManager(newClient(store), store, true)
		defer sync.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		imported, err := sync.ImportRemoteQueue(ctx)
		if err != nil {
			return fmt.Errorf("pull failed: %w", err)
		}
		fmt.Printf("Imported %d action(s).\n", imported)
		return nil
	},
}

var queueClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop failed actions (or everything with --all)",
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")

		store := openStorage()
		defer store.Close()

		sync := newSyncManager(newClient(store), store, false)
		defer sync.Close()

		ctx := context.Background()
		if all {
			sync.ClearAllActions(ctx)
			fmt.Println("Cleared all queued actions.")
		} else {
			sync.ClearFailedActions(ctx)
			fmt.Println("Cleared failed actions.")
		}
		return nil
	},
}
