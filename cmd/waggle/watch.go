package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	waggle "github.com/waggleapp/waggle-go"
)

var watchSimulate bool

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().BoolVar(&watchSimulate, "simulate", false, "Run without a live connection (degraded mode)")
}

var watchCmd = &cobra.Command{
	Use:   "watch [event ...]",
	Short: "Stream realtime events to the terminal",
	Long: "Connect to the realtime endpoint and print incoming events until interrupted.\n" +
		"Events are named \"namespace:event\", e.g. \"chat:message\". With no arguments\na default set of events is watched.",
	RunE: func(cmd *cobra.Command, args []string) error {
		store := openStorage()
		defer store.Close()

		client := newClient(store)
		if client.Tokens().AccessToken() == "" {
			return fmt.Errorf("not logged in; run 'waggle login <email>' first")
		}

		cfg := &waggle.ConnConfig{}
		if watchSimulate {
			cfg.Dialer = waggle.NopDialer{}
		}
		conn := client.Realtime(cfg)

		events := args
		if len(events) == 0 {
			events = []string{
				"chat:message",
				"chat:typing",
				"presence:update",
				"notifications:notification",
			}
		}

		conn.On(waggle.EventConnection, func(msg waggle.WebSocketMessage) {
			var status waggle.ConnectionStatus
			if err := json.Unmarshal(msg.Data, &status); err != nil {
				return
			}
			switch status.Status {
			case "connected":
				color.Green("* connected")
			case "failed":
				color.Red("* connection failed after %d attempts", status.Attempts)
			default:
				color.Yellow("* %s %s", status.Status, status.Reason)
			}
		})
		for _, ev := range events {
			conn.On(ev, func(msg waggle.WebSocketMessage) {
				at := time.UnixMilli(msg.Timestamp).Format("15:04:05")
				fmt.Printf("%s  %s:%s  %s\n", at, msg.Namespace, msg.Event, string(msg.Data))
			})
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := conn.Connect(ctx); err != nil {
			return fmt.Errorf("connect failed: %w", err)
		}
		defer conn.Disconnect()

		fmt.Printf("Watching %d event(s). Press Ctrl-C to stop.\n", len(events))
		<-ctx.Done()
		fmt.Println()
		return nil
	},
}
