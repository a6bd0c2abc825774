package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nfrund/fanout/cmd/fanout-cli/internal/topics"
	"github.com/nfrund/fanout/internal/topicmgr"
)

var validateSubject string

// topicsValidateCmd represents the topics validate command
var topicsValidateCmd = &cobra.Command{
	Use:   "validate <topic>",
	Short: "Validate a topic name and subject",
	Long: `Check that a topic name is well formed and registered, and optionally that
a subject is acceptable for subscriptions.

Examples:
  fanout-cli topics validate notifications
  fanout-cli topics validate notifications --subject 42
  fanout-cli topics validate Bad-Topic            # Shows name format error`,
	Args: cobra.ExactArgs(1),
	Run:  topicsValidateHandler,
}

func topicsValidateHandler(cmd *cobra.Command, args []string) {
	topic, err := validateTopic(topicmgr.Default(), args[0], validateSubject)
	if err != nil {
		fmt.Printf("❌ Topic validation failed: %v\n", err)
		if topicmgr.IsNotFound(err) {
			fmt.Fprintf(os.Stderr, "\nUse 'fanout-cli topics list' to see all available topics.\n")
		}
		os.Exit(1)
	}
	topics.DisplayValidationResult(cmd.OutOrStdout(), topic, validateSubject)
}

func validateTopic(m *topicmgr.Manager, name, subject string) (topicmgr.Topic, error) {
	if err := m.ValidateTopicName(name); err != nil {
		return nil, err
	}
	topic, err := m.Lookup(name)
	if err != nil {
		return nil, err
	}
	if subject != "" {
		if err := m.ValidateSubject(subject); err != nil {
			return nil, err
		}
	}
	return topic, nil
}

func init() {
	topicsCmd.AddCommand(topicsValidateCmd)

	topicsValidateCmd.Flags().StringVar(&validateSubject, "subject", "", "Subject to validate alongside the topic")
}
