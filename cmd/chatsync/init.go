package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configGetCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <server-url> <token> <user-id>",
	Short: "Store server URL and credentials in ~/.chatsync/config.toml",
	Long:  "Initialize the ChatSync CLI by storing the backend URL and your auth token in the local configuration file.",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Default.ServerURL = args[0]
		cfg.Auth.Token = args[1]
		cfg.Auth.UserID = args[2]
		if cfg.Default.PageSize == 0 {
			cfg.Default.PageSize = 50
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Configuration saved to %s\n", path)
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or modify CLI configuration",
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a config value (e.g. default.server_url)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, args[0], args[1]); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Printf("%s updated\n", args[0])
		return nil
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Show the current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		fmt.Printf("server_url: %s\n", cfg.Default.ServerURL)
		fmt.Printf("user_id:    %s\n", cfg.Auth.UserID)
		if cfg.Auth.Token != "" {
			fmt.Println("token:      (set)")
		} else {
			fmt.Println("token:      (not set)")
		}
		if cfg.Default.PageSize != 0 {
			fmt.Printf("page_size:  %d\n", cfg.Default.PageSize)
		}
		return nil
	},
}
