package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"chatrelay/internal/config"
	"chatrelay/pkg/logger"

	"github.com/spf13/cobra"
)

const defaultConfigPath = "./configs/config.yaml"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "chatrelay",
	Short: "Streaming chat relay and consumer",
	Long: `chatrelay forwards chat turns to an AI gateway and streams the answer back
as event-stream frames.

  serve          run the relay HTTP server
  chat           send one prompt through a relay and print the answer as it streams
  models         list the model table
  conversations  list, inspect, delete or back up stored conversations`,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

// loadConfig reads --config. The default path is optional; an explicit one
// must exist.
func loadConfig(cmd *cobra.Command, args []string) error {
	path := configPath
	if !cmd.Flags().Changed("config") {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			path = ""
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := logger.Init(cfg.Log.Level, cfg.Log.Format); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "config file path")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newChatCmd())
	rootCmd.AddCommand(newModelsCmd())
	rootCmd.AddCommand(newConversationsCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
