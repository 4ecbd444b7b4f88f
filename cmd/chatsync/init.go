package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/unimarket/chatsync"
)

func init() {
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store the bearer token in the local chat store",
	Long:  "Initialize chatsync by storing your bearer token in the local store and\nwriting a default ~/.chatsync/config.toml if none exists.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token := args[0]

		cfg, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if cfg.Default.BaseURL == "" {
			cfg.Default.BaseURL = chatsync.DefaultBaseURL
		}
		if cfg.Default.LogLevel == "" {
			cfg.Default.LogLevel = "info"
		}
		if cfg.Auth.UserID == "" {
			if id, err := chatsync.UserIDFromToken(token); err == nil {
				cfg.Auth.UserID = id
			}
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()
		if err := store.Set(chatsync.TokenKey, []byte(token)); err != nil {
			return fmt.Errorf("failed to store token: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Token saved. Config at %s\n", path)
		if cfg.Auth.UserID == "" {
			fmt.Println("Could not read a user id from the token; set one with 'chatsync config set auth.user_id <id>'.")
		}
		return nil
	},
}
