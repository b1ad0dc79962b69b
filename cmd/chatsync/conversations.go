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
	conversationsUnread bool
	conversationsGroups bool
	conversationsJSON   bool
	conversationsPage   int
)

func init() {
	rootCmd.AddCommand(conversationsCmd)
	conversationsCmd.Flags().BoolVar(&conversationsUnread, "unread", false, "Show only conversations with unread messages")
	conversationsCmd.Flags().BoolVar(&conversationsGroups, "groups", false, "Show only group conversations")
	conversationsCmd.Flags().BoolVar(&conversationsJSON, "json", false, "Output raw JSON")
	conversationsCmd.Flags().IntVar(&conversationsPage, "page", 1, "Page to fetch")
}

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List your conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := requireConfig()
		client := getClient(cfg)

		store := chatsync.NewConversationStore(chatsync.ConversationStoreConfig{
			UserID:   cfg.Auth.UserID,
			Lister:   client,
			PageSize: pageSize(cfg),
		})
		defer store.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := store.LoadPage(ctx, conversationsPage); err != nil {
			return fmt.Errorf("failed to load conversations: %w", err)
		}

		convs := store.Filter(chatsync.FilterCriteria{
			UnreadOnly: conversationsUnread,
			GroupsOnly: conversationsGroups,
		})

		if conversationsJSON {
			data, err := json.MarshalIndent(convs, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}

		if len(convs) == 0 {
			fmt.Println("No conversations.")
			return nil
		}
		for _, c := range convs {
			name := chatsync.DisplayName(c, cfg.Auth.UserID)
			line := fmt.Sprintf("%-24s  %s", c.ID, name)
			if c.UnreadCount > 0 {
				line += fmt.Sprintf("  (%d unread)", c.UnreadCount)
			}
			if c.LastMessage != nil {
				preview := c.LastMessage.Content
				if len(preview) > 48 {
					preview = preview[:48] + "…"
				}
				line += "\n    " + preview
			}
			fmt.Println(line)
		}
		if store.HasMore() {
			fmt.Printf("\nMore available: --page %d\n", conversationsPage+1)
		}
		return nil
	},
}
