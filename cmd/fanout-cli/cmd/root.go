package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var serverURL string

var rootCmd = &cobra.Command{
	Use:   "fanout-cli",
	Short: "Fanout CLI tool",
	Long: `fanout-cli is a command-line interface for a fanout server.

Available commands:
  topics     Inspect and validate the topic catalogue
  publish    Publish a message to a topic
  stream     Stream messages from a topic over WebSocket
  stats      Show pool and stream statistics

Use "fanout-cli [command] --help" for more information about a specific command.`,
}

// Execute executes the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("FANOUT_SERVER", "http://localhost:8080"),
		"Base URL of the fanout server")
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}
