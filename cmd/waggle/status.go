package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration, auth and sync queue status",
	Long:  "Display the current configuration, whether tokens are stored, and the state of the offline sync queue.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		// Print config summary.
		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:  %s\n", valueOrDefault(cfg.Default.BaseURL, "(default)"))
		fmt.Printf("  Account:   %s\n", valueOrDefault(cfg.Default.Email, "(not logged in)"))
		fmt.Printf("  Sync:      prioritize=%v incremental=%v\n", cfg.Sync.Prioritize, cfg.Sync.Incremental)

		store := openStorage()
		defer store.Close()

		fmt.Println()
		fmt.Println("Auth:")
		client := newClient(store)
		tokens := client.Tokens().Get()
		switch {
		case tokens == nil || tokens.AccessToken == "":
			fmt.Printf("  Tokens:    %s\n", color.RedString("none"))
		case tokens.RefreshToken == "":
			fmt.Printf("  Tokens:    %s\n", color.YellowString("access only (no refresh token)"))
		default:
			fmt.Printf("  Tokens:    %s\n", color.GreenString("access + refresh"))
		}

		sync := newSyncManager(client, store, false)
		defer sync.Close()
		status := sync.Status()

		fmt.Println()
		fmt.Println("Sync queue:")
		if status.PendingActions == 0 {
			fmt.Printf("  Pending:   %s\n", color.GreenString("0"))
		} else {
			fmt.Printf("  Pending:   %s\n", color.YellowString("%d", status.PendingActions))
		}
		if status.FailedActions == 0 {
			fmt.Printf("  Failed:    0\n")
		} else {
			fmt.Printf("  Failed:    %s\n", color.RedString("%d", status.FailedActions))
		}
		if status.LastSyncAt > 0 {
			at := time.UnixMilli(status.LastSyncAt)
			fmt.Printf("  Last sync: %s\n", at.Format(time.RFC3339))
		} else {
			fmt.Println("  Last sync: never")
		}

		return nil
	},
}
