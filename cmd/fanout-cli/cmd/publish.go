package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nfrund/fanout/internal/server"
)

var (
	publishData  string
	publishAttrs []string
)

var publishCmd = &cobra.Command{
	Use:   "publish <topic>",
	Short: "Publish a message to a topic",
	Long: `Publish a message through the server's HTTP API. Data that is not valid
JSON is sent as a JSON string. Set the "subject" attribute to route the
message to subscribers of that subject.

Examples:
  fanout-cli publish notifications --data '{"msg":"hi"}' --attr user_id=42 --attr subject=42
  fanout-cli publish broadcast --data "maintenance at 02:00 UTC"`,
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient(serverURL)
		if err != nil {
			return err
		}
		attrs, err := parseAttributes(publishAttrs)
		if err != nil {
			return err
		}
		req := server.PublishRequest{Data: encodeData(publishData), Attributes: attrs}
		if err := client.publish(cmd.Context(), args[0], req); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Published to %s\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(publishCmd)

	publishCmd.Flags().StringVarP(&publishData, "data", "d", "", "Message payload")
	publishCmd.Flags().StringArrayVarP(&publishAttrs, "attr", "a", nil, "Attribute as key=value (repeatable)")
	_ = publishCmd.MarkFlagRequired("data")
}
