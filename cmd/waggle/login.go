package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var loginPassword string

func init() {
	loginCmd.Flags().StringVarP(&loginPassword, "password", "p", "", "account password (falls back to the WAGGLE_PASSWORD env var)")
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login <email>",
	Short: "Authenticate and store the session tokens locally",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		email := args[0]
		if loginPassword == "" {
			loginPassword = os.Getenv("WAGGLE_PASSWORD")
		}
		if loginPassword == "" {
			return fmt.Errorf("a password is required (use --password or WAGGLE_PASSWORD)")
		}

		store := openStorage()
		defer store.Close()
		client := newClient(store)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		resp, err := client.Login(ctx, email, loginPassword)
		if err != nil {
			return fmt.Errorf("login failed: %w", err)
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		cfg.Default.Email = email
		if err := saveConfig(cfg); err != nil {
			return err
		}

		fmt.Printf("Logged in as %s (user %s)\n", email, valueOrDefault(resp.UserID, "unknown"))
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Clear the stored session tokens",
	RunE: func(cmd *cobra.Command, args []string) error {
		store := openStorage()
		defer store.Close()
		client := newClient(store)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := client.Logout(ctx); err != nil {
			return fmt.Errorf("logout failed: %w", err)
		}
		fmt.Println("Logged out.")
		return nil
	},
}
