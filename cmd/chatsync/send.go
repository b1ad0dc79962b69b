package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	chatsync "github.com/chatterbox-im/chatsync-go"
	"github.com/spf13/cobra"
)

var (
	sendJSON bool

	messagesLimit int
	messagesJSON  bool
)

func init() {
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(messagesCmd)
	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "Output raw JSON")
	messagesCmd.Flags().IntVar(&messagesLimit, "limit", 50, "Messages per page")
	messagesCmd.Flags().BoolVar(&messagesJSON, "json", false, "Output raw JSON")
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <message>",
	Short: "Send a message to a conversation over HTTP",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID, content := args[0], args[1]
		cfg := requireConfig()
		client := getClient(cfg)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		msg, err := client.SendMessage(ctx, conversationID, content, chatsync.MessageText, "")
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}

		if sendJSON {
			data, err := json.MarshalIndent(msg, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}

		fmt.Printf("Message sent to conversation %s\n", msg.ConversationID)
		fmt.Printf("  Message ID: %s\n", msg.ID)
		fmt.Printf("  Content:    %s\n", msg.Content)
		return nil
	},
}

var messagesCmd = &cobra.Command{
	Use:   "messages <conversation-id>",
	Short: "Show recent messages in a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID := args[0]
		cfg := requireConfig()
		client := getClient(cfg)

		store := chatsync.NewMessageStore(chatsync.MessageStoreConfig{
			ConversationID: conversationID,
			CurrentUserID:  cfg.Auth.UserID,
			Lister:         client,
			PageSize:       messagesLimit,
		})
		defer store.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := store.LoadPage(ctx, 1); err != nil {
			return fmt.Errorf("failed to load messages: %w", err)
		}

		msgs := store.Messages()
		if messagesJSON {
			data, err := json.MarshalIndent(msgs, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}

		if len(msgs) == 0 {
			fmt.Println("No messages.")
			return nil
		}
		for _, m := range msgs {
			printMessage(m, cfg.Auth.UserID)
		}
		return nil
	},
}

func printMessage(m chatsync.Message, currentUserID string) {
	sender := m.Sender.Username
	if sender == "" {
		sender = m.Sender.ID
	}
	if m.Sender.ID == currentUserID {
		sender = "you"
	}
	stamp := m.Timestamp.Local().Format("15:04:05")
	suffix := ""
	if m.Edited {
		suffix = " (edited)"
	}
	fmt.Printf("[%s] %s: %s%s [%s]\n", stamp, sender, m.Content, suffix, m.Status())
}
