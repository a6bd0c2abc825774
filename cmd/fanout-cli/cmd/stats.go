package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
)

var statsJSON bool

var statsCmd = &cobra.Command{
	Use:          "stats",
	Short:        "Show pool and stream statistics",
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient(serverURL)
		if err != nil {
			return err
		}
		stats, err := client.stats(cmd.Context())
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if statsJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(stats)
		}

		tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintf(tw, "Active pools:\t%d\n", stats.PubSub.ActivePools)
		fmt.Fprintf(tw, "Active connections:\t%d\n", stats.PubSub.ActiveConnections)
		fmt.Fprintf(tw, "Lifetime connections:\t%d\n", stats.PubSub.LifetimeConnections)
		fmt.Fprintf(tw, "WebSocket streams:\t%d\n", stats.Streams)
		fmt.Fprintf(tw, "Registered topics:\t%d\n", stats.Topics.RegistryStats.TotalTopics)
		fmt.Fprintf(tw, "Server uptime:\t%s\n", stats.Topics.Uptime)
		return tw.Flush()
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)

	statsCmd.Flags().BoolVar(&statsJSON, "json", false, "Print the raw JSON response")
}
