package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var configShowJSON bool

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)

	configShowCmd.Flags().BoolVar(&configShowJSON, "json", false, "Print as JSON")
}

// configEntry is one resolved setting and where its value came from.
type configEntry struct {
	Key    string `json:"key"`
	Value  string `json:"value"`
	Source string `json:"source"`
}

// describeConfig resolves every setting the chat commands use. Source is
// "env" when an environment variable overrode the file, "file" when the file
// set it and "default" otherwise.
func describeConfig(file, effective *Config, defaultDataDir string) []configEntry {
	entry := func(key, fromFile, value, fallback string) configEntry {
		switch {
		case value == "":
			return configEntry{Key: key, Value: fallback, Source: "default"}
		case value != fromFile:
			return configEntry{Key: key, Value: value, Source: "env"}
		default:
			return configEntry{Key: key, Value: value, Source: "file"}
		}
	}
	return []configEntry{
		entry("default.base_url", file.Default.BaseURL, effective.Default.BaseURL, baseURL(effective)),
		entry("default.ws_url", file.Default.WSURL, effective.Default.WSURL, wsURL(effective)),
		entry("default.data_dir", file.Default.DataDir, effective.Default.DataDir, defaultDataDir),
		entry("default.log_level", file.Default.LogLevel, effective.Default.LogLevel, "info"),
		entry("auth.user_id", file.Auth.UserID, effective.Auth.UserID, "(from token)"),
	}
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage chatsync configuration",
	Long:  "View or modify the chatsync configuration stored in ~/.chatsync/config.toml.\nCHATSYNC_* environment variables and a local .env file override the file.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		file, err := readConfigFile()
		if err != nil {
			return err
		}
		effective, err := loadConfig()
		if err != nil {
			return err
		}
		defaultDir, err := dataDir(&Config{})
		if err != nil {
			return err
		}

		entries := describeConfig(file, effective, defaultDir)
		if configShowJSON {
			return printJSON(entries)
		}
		for _, e := range entries {
			fmt.Printf("%-18s %-40s (%s)\n", e.Key, e.Value, e.Source)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: chatsync config set default.base_url https://market.example.com",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("save config: %w", err)
		}

		fmt.Printf("%s = %s\n", key, value)
		return nil
	},
}
