package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	waggle "github.com/waggleapp/waggle-go"
)

var sendQueue bool

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().BoolVar(&sendQueue, "queue", false, "Queue the message for the next sync instead of sending now")
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <content>",
	Short: "Send a chat message",
	Long:  "Send a chat message immediately, or with --queue store it in the offline queue\nto be delivered by the next 'waggle queue sync'.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID, content := args[0], args[1]

		store := openStorage()
		defer store.Close()

		client := newClient(store)
		opts := &waggle.SendMessageOptions{
			ConversationID: conversationID,
			Content:        content,
			Type:           "text",
		}

		if sendQueue {
			sync := newSyncManager(client, store, false)
			defer sync.Close()

			id, err := sync.QueueAction(context.Background(), waggle.ActionSendMessage, opts)
			if err != nil {
				return fmt.Errorf("failed to queue message: %w", err)
			}
			fmt.Printf("Queued message %s\n", id)
			return nil
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		msg, err := client.Chat().Send(ctx, opts)
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}
		fmt.Printf("Sent message %s\n", msg.ID)
		return nil
	},
}
