package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nfrund/fanout/cmd/fanout-cli/internal/topics"
	"github.com/nfrund/fanout/internal/topicmgr"
)

var getOutputFormat string

// topicsGetCmd represents the topics get command
var topicsGetCmd = &cobra.Command{
	Use:   "get <topic>",
	Short: "Show details for a topic",
	Long: `Show the scope, owner, attributes, and example payload of a topic.

Examples:
  fanout-cli topics get notifications
  fanout-cli topics get feed.updates --format json`,
	Args: cobra.ExactArgs(1),
	Run:  topicsGetHandler,
}

func topicsGetHandler(cmd *cobra.Command, args []string) {
	topic, found := topicmgr.Default().Get(args[0])
	if !found {
		fmt.Fprintf(os.Stderr, "Error: Topic '%s' not found\n", args[0])
		fmt.Fprintf(os.Stderr, "\nUse 'fanout-cli topics list' to see all available topics.\n")
		os.Exit(1)
	}

	if err := topics.DisplayTopicDetails(cmd.OutOrStdout(), topic, getOutputFormat); err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to display topic details: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	topicsCmd.AddCommand(topicsGetCmd)

	topicsGetCmd.Flags().StringVarP(&getOutputFormat, "format", "f", "table", "Output format (table, json)")
}
