package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/campusmarket/chatsync/pkg/config"
	"github.com/campusmarket/chatsync/pkg/logging"
)

var version = "dev"

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "chatsync",
	Short: "Terminal client for the marketplace chat synchronization core",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		level := cfg.Log.Level
		if logLevel != "" {
			level = logLevel
		}
		logging.Init(level)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the chatsync version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "chatsync.yaml", "Path to the YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level override (trace|debug|info|warn|error)")
	rootCmd.AddCommand(newChatCommand())
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
