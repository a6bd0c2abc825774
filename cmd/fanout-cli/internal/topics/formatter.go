// Package topics renders the topic catalogue for the CLI.
package topics

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/goccy/go-json"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/nfrund/fanout/internal/topicmgr"
)

var (
	upper = cases.Upper(language.English)
	title = cases.Title(language.English)
)

// TopicDisplay represents a topic for display purposes
type TopicDisplay struct {
	Name        string                 `json:"name"`
	Scope       string                 `json:"scope"`
	Owner       string                 `json:"owner,omitempty"`
	Description string                 `json:"description"`
	Example     string                 `json:"example,omitempty"`
	Attributes  []string               `json:"attributes,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

func toDisplay(topic topicmgr.Topic) TopicDisplay {
	return TopicDisplay{
		Name:        topic.Name(),
		Scope:       string(topic.Scope()),
		Owner:       topic.Owner(),
		Description: topic.Description(),
		Example:     topic.Example(),
		Attributes:  topic.Attributes(),
		Metadata:    topic.Metadata(),
	}
}

// Sorted returns topics ordered by name.
func Sorted(topics []topicmgr.Topic) []topicmgr.Topic {
	out := append([]topicmgr.Topic(nil), topics...)
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// DisplayTopicsTable writes topics as an aligned table.
func DisplayTopicsTable(w io.Writer, topics []topicmgr.Topic) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)

	columns := []string{"name", "scope", "owner", "attributes", "description"}
	header := make([]string, len(columns))
	rule := make([]string, len(columns))
	for i, c := range columns {
		header[i] = upper.String(c)
		rule[i] = strings.Repeat("-", len(c))
	}
	fmt.Fprintln(tw, strings.Join(header, "\t"))
	fmt.Fprintln(tw, strings.Join(rule, "\t"))

	if len(topics) == 0 {
		fmt.Fprintln(tw, "No topics found")
	}
	for _, topic := range topics {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			topic.Name(),
			topic.Scope(),
			orDash(topic.Owner()),
			orDash(strings.Join(topic.Attributes(), ",")),
			truncateString(topic.Description(), 50))
	}
	return tw.Flush()
}

// DisplayTopicsJSON writes topics with a count as indented JSON.
func DisplayTopicsJSON(w io.Writer, topics []topicmgr.Topic) error {
	displays := make([]TopicDisplay, len(topics))
	for i, topic := range topics {
		displays[i] = toDisplay(topic)
	}

	output := struct {
		Topics []TopicDisplay `json:"topics"`
		Count  int            `json:"count"`
	}{
		Topics: displays,
		Count:  len(displays),
	}
	return writeJSON(w, output)
}

// DisplayTopicDetails writes one topic in the requested format.
func DisplayTopicDetails(w io.Writer, topic topicmgr.Topic, format string) error {
	if format == "json" {
		return writeJSON(w, toDisplay(topic))
	}

	d := toDisplay(topic)
	fields := []struct{ label, value string }{
		{"name", d.Name},
		{"scope", d.Scope},
		{"owner", orDash(d.Owner)},
		{"description", d.Description},
		{"example", orDash(d.Example)},
		{"attributes", orDash(strings.Join(d.Attributes, ", "))},
	}
	for _, f := range fields {
		fmt.Fprintf(w, "%-13s%s\n", title.String(f.label)+":", f.value)
	}

	if len(d.Metadata) > 0 {
		fmt.Fprintln(w, "Metadata:")
		keys := make([]string, 0, len(d.Metadata))
		for k := range d.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(w, "  %s: %v\n", k, d.Metadata[k])
		}
	}
	return nil
}

// DisplayValidationResult reports the outcome of a topic validation.
func DisplayValidationResult(w io.Writer, topic topicmgr.Topic, subject string) {
	fmt.Fprintf(w, "✅ Topic '%s' is valid\n", topic.Name())
	fmt.Fprintf(w, "   Scope: %s\n", topic.Scope())
	if topic.Owner() != "" {
		fmt.Fprintf(w, "   Owner: %s\n", topic.Owner())
	}
	if subject != "" {
		fmt.Fprintf(w, "   Subject: %s\n", subject)
	}
}

func writeJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// truncateString truncates a string to maxLen characters, adding "..." if truncated
func truncateString(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return "..."
	}
	return string(r[:maxLen-3]) + "..."
}
