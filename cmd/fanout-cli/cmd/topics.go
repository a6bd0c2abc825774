package cmd

import (
	"github.com/spf13/cobra"
)

// topicsCmd represents the topics command
var topicsCmd = &cobra.Command{
	Use:   "topics",
	Short: "Explore the fanout topic catalogue",
	Long: `The topics command lists, inspects, and validates the topics a fanout
server accepts. The catalogue is compiled into the binary, so these commands
work without a running server.

Available subcommands:
  list      List registered topics with optional filtering
  get       Show detailed information about a topic
  validate  Validate a topic name and, optionally, a subject

Examples:
  fanout-cli topics list
  fanout-cli topics list --scope core
  fanout-cli topics get notifications
  fanout-cli topics validate feed.updates --subject u1`,
}

func init() {
	rootCmd.AddCommand(topicsCmd)
}
