package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	chatsync "github.com/chatterbox-im/chatsync-go"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	watchVerbose bool
	watchLimit   int
)

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().BoolVarP(&watchVerbose, "verbose", "v", false, "Log connection lifecycle events")
	watchCmd.Flags().IntVar(&watchLimit, "limit", 20, "Backlog messages to show on start")
}

var watchCmd = &cobra.Command{
	Use:   "watch <conversation-id>",
	Short: "Stream a conversation live",
	Long:  "Connect to the realtime channel, print incoming messages and typing indicators, and mark received messages as read. Reconnects automatically with backoff.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID := args[0]
		cfg := requireConfig()
		client := getClient(cfg)

		logLevel := zerolog.WarnLevel
		if watchVerbose {
			logLevel = zerolog.DebugLevel
		}
		log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
			Level(logLevel).With().Timestamp().Logger()

		bus := chatsync.NewDispatcher(log)
		transport := chatsync.NewWSTransport(chatsync.WSConfig{
			BaseURL: cfg.Default.ServerURL,
			Token:   cfg.Auth.Token,
			Logger:  log,
		})
		conn := chatsync.NewConnManager(transport, bus, chatsync.ReconnectConfig{}, log)

		batcher := chatsync.NewReadBatcher(chatsync.ReadBatcherConfig{
			ConversationID: conversationID,
			Flusher:        client,
			Logger:         log,
		})
		defer batcher.Close()

		store := chatsync.NewMessageStore(chatsync.MessageStoreConfig{
			ConversationID: conversationID,
			CurrentUserID:  cfg.Auth.UserID,
			Lister:         client,
			Batcher:        batcher,
			PageSize:       watchLimit,
			Logger:         log,
		})
		defer store.Close()

		session := chatsync.NewSession(conn, bus, chatsync.SessionConfig{
			UserID:         cfg.Auth.UserID,
			ConversationID: conversationID,
			Logger:         log,
			OnMessage: func(m chatsync.Message) {
				if store.ApplyInbound(m) {
					printMessage(m, cfg.Auth.UserID)
					if m.Sender.ID != cfg.Auth.UserID {
						store.MarkRead(m.ID)
					}
				}
			},
			OnTyping: func(t chatsync.TypingIndicator) {
				fmt.Printf("... %s is typing\n", t.UserID)
			},
			OnTypingStopped: func(_, userID string) {
				fmt.Printf("... %s stopped typing\n", userID)
			},
		})
		defer session.Close()

		lifecycle := bus.On(chatsync.EventReconnecting, func(p chatsync.EventPayload) {
			if ev, ok := p.(chatsync.ReconnectingPayload); ok {
				fmt.Fprintf(os.Stderr, "Connection lost, retrying in %s (attempt %d)\n", ev.Delay, ev.Attempt)
			}
		})
		defer bus.Off(lifecycle)
		failed := bus.On(chatsync.EventMaxAttemptsReached, func(chatsync.EventPayload) {
			fmt.Fprintln(os.Stderr, "Giving up: reconnect attempts exhausted")
		})
		defer bus.Off(failed)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		loadCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		if err := store.LoadPage(loadCtx, 1); err != nil {
			cancel()
			return fmt.Errorf("failed to load backlog: %w", err)
		}
		cancel()
		for _, m := range store.Messages() {
			printMessage(m, cfg.Auth.UserID)
		}

		conn.Connect(ctx)
		defer conn.Disconnect()
		fmt.Fprintln(os.Stderr, "Watching. Ctrl-C to stop.")

		<-ctx.Done()
		fmt.Fprintln(os.Stderr, "Stopped.")
		return nil
	},
}
