package main

import (
	"fmt"
	"os"

	chatsync "github.com/chatterbox-im/chatsync-go"
)

// requireConfig loads the config and exits if the CLI is not initialized.
func requireConfig() *Config {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Default.ServerURL == "" || cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "Not configured. Run 'chatsync init <server-url> <token> <user-id>' first.")
		os.Exit(1)
	}
	return cfg
}

// getClient creates a REST client from the stored configuration.
func getClient(cfg *Config) *chatsync.Client {
	return chatsync.NewClient(cfg.Default.ServerURL, cfg.Auth.Token)
}

func pageSize(cfg *Config) int {
	if cfg.Default.PageSize > 0 {
		return cfg.Default.PageSize
	}
	return 50
}
