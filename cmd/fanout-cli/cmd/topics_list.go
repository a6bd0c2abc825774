package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nfrund/fanout/cmd/fanout-cli/internal/topics"
	"github.com/nfrund/fanout/internal/topicmgr"
)

var (
	listOutputFormat string
	listOwnerFilter  string
	listScopeFilter  string
	listPattern      string
)

// topicsListCmd represents the topics list command
var topicsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered topics",
	Long: `List the topics in the catalogue, optionally filtered by owner, scope,
or a name pattern ending in "*".

Examples:
  fanout-cli topics list                      # All topics as a table
  fanout-cli topics list --format json        # All topics as JSON
  fanout-cli topics list --scope core         # Only topics served by fanout itself
  fanout-cli topics list --owner billing      # Only topics owned by billing
  fanout-cli topics list --pattern "feed.*"   # Names starting with feed.

Output formats:
  table - Human-readable table format (default)
  json  - Machine-readable JSON format with metadata`,
	Run: topicsListHandler,
}

func topicsListHandler(cmd *cobra.Command, args []string) {
	topicList, err := filterTopics(topicmgr.Default(), listOwnerFilter, listScopeFilter, listPattern)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	topicList = topics.Sorted(topicList)

	out := cmd.OutOrStdout()
	switch listOutputFormat {
	case "json":
		err = topics.DisplayTopicsJSON(out, topicList)
	case "table":
		err = topics.DisplayTopicsTable(out, topicList)
	default:
		err = fmt.Errorf("unsupported output format '%s', use 'table' or 'json'", listOutputFormat)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// filterTopics applies every non-empty filter.
func filterTopics(m *topicmgr.Manager, owner, scope, pattern string) ([]topicmgr.Topic, error) {
	var want topicmgr.TopicScope
	if scope != "" {
		want = parseScope(scope)
		if want == "" {
			return nil, fmt.Errorf("invalid scope '%s', valid scopes: core, app", scope)
		}
	}

	candidates := m.List()
	if pattern != "" {
		candidates = m.FindTopics(pattern)
	}

	var out []topicmgr.Topic
	for _, t := range candidates {
		if owner != "" && t.Owner() != owner {
			continue
		}
		if want != "" && t.Scope() != want {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// parseScope converts a flag value to a topicmgr.TopicScope.
func parseScope(s string) topicmgr.TopicScope {
	switch strings.ToLower(s) {
	case "core":
		return topicmgr.ScopeCore
	case "app":
		return topicmgr.ScopeApp
	default:
		return ""
	}
}

func init() {
	topicsCmd.AddCommand(topicsListCmd)

	topicsListCmd.Flags().StringVarP(&listOutputFormat, "format", "f", "table", "Output format (table, json)")
	topicsListCmd.Flags().StringVarP(&listOwnerFilter, "owner", "o", "", "Filter topics by owner")
	topicsListCmd.Flags().StringVarP(&listScopeFilter, "scope", "s", "", "Filter topics by scope (core, app)")
	topicsListCmd.Flags().StringVarP(&listPattern, "pattern", "p", "", "Filter topics by name pattern")
}
