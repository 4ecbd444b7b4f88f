package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/unimarket/chatsync"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and account status",
	Long:  "Display the current configuration, the stored token and cache, and check\nthat the chat API accepts the token.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:    %s\n", baseURL(cfg))
		fmt.Printf("  Realtime:    %s\n", wsURL(cfg))
		dir, err := dataDir(cfg)
		if err != nil {
			return err
		}
		fmt.Printf("  Data dir:    %s\n", dir)
		fmt.Printf("  Log level:   %s\n", valueOrDefault(cfg.Default.LogLevel, "info"))

		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		fmt.Println()
		fmt.Println("Auth:")
		raw, ok, err := store.Get(chatsync.TokenKey)
		if err != nil {
			return fmt.Errorf("failed to read token: %w", err)
		}
		token := string(raw)
		if !ok || token == "" {
			fmt.Println("  Token:       (none, run 'chatsync init <token>')")
			return nil
		}
		fmt.Printf("  Token:       %s\n", maskToken(token))
		userID := cfg.Auth.UserID
		if userID == "" {
			userID, _ = chatsync.UserIDFromToken(token)
		}
		fmt.Printf("  User ID:     %s\n", valueOrDefault(userID, "(unknown)"))

		cache := chatsync.NewMessageCache(store, zerolog.Nop())
		if err := cache.Load(); err == nil {
			fmt.Printf("  Cached:      %d conversations\n", len(cache.Keys()))
		}

		fmt.Println()
		fmt.Println("Live status:")
		client := chatsync.NewClient(token, chatsync.WithBaseURL(baseURL(cfg)))
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()
		list, err := client.ListConversations(ctx)
		if err != nil {
			fmt.Printf("  Error: %v\n", err)
			return nil
		}
		unread := 0
		for _, c := range list {
			unread += c.UnreadCount
		}
		fmt.Printf("  Conversations: %d\n", len(list))
		fmt.Printf("  Unread:        %d\n", unread)
		return nil
	},
}

// maskToken shows the first 8 and last 4 characters of a token.
func maskToken(token string) string {
	if len(token) <= 12 {
		return "****"
	}
	return token[:8] + "..." + token[len(token)-4:]
}

// valueOrDefault returns val if non-empty, otherwise def.
func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
