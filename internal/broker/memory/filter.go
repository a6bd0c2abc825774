package memory

import (
	"fmt"
	"regexp"
	"strings"
)

// Filter selects messages by attribute. The syntax is the attribute subset of
// Google Pub/Sub subscription filters:
//
//	attributes.user_id = "42"
//	attributes.kind != "digest"
//	attributes:priority
//	NOT attributes:muted
//
// Clauses are joined with AND. An empty expression matches everything.
type Filter struct {
	expr    string
	clauses []clause
}

type clauseKind int

const (
	clauseEquals clauseKind = iota
	clauseNotEquals
	clauseHas
	clauseLacks
)

type clause struct {
	kind  clauseKind
	key   string
	value string
}

var (
	comparePattern = regexp.MustCompile(`^attributes\.([A-Za-z_][A-Za-z0-9_]*)\s*(=|!=)\s*"((?:[^"\\]|\\.)*)"$`)
	hasPattern     = regexp.MustCompile(`^(NOT\s+)?attributes:([A-Za-z_][A-Za-z0-9_]*)$`)
	andSplitter    = regexp.MustCompile(`\s+AND\s+`)
)

// ParseFilter parses a filter expression.
func ParseFilter(expr string) (Filter, error) {
	expr = strings.TrimSpace(expr)
	f := Filter{expr: expr}
	if expr == "" {
		return f, nil
	}

	for _, part := range andSplitter.Split(expr, -1) {
		part = strings.TrimSpace(part)
		if m := comparePattern.FindStringSubmatch(part); m != nil {
			kind := clauseEquals
			if m[2] == "!=" {
				kind = clauseNotEquals
			}
			f.clauses = append(f.clauses, clause{kind: kind, key: m[1], value: unescape(m[3])})
			continue
		}
		if m := hasPattern.FindStringSubmatch(part); m != nil {
			kind := clauseHas
			if m[1] != "" {
				kind = clauseLacks
			}
			f.clauses = append(f.clauses, clause{kind: kind, key: m[2]})
			continue
		}
		return Filter{}, fmt.Errorf("invalid filter clause %q", part)
	}
	return f, nil
}

func unescape(s string) string {
	return strings.NewReplacer(`\"`, `"`, `\\`, `\`).Replace(s)
}

// Match reports whether attrs satisfy every clause.
func (f Filter) Match(attrs map[string]string) bool {
	for _, c := range f.clauses {
		v, ok := attrs[c.key]
		switch c.kind {
		case clauseEquals:
			if !ok || v != c.value {
				return false
			}
		case clauseNotEquals:
			if ok && v == c.value {
				return false
			}
		case clauseHas:
			if !ok {
				return false
			}
		case clauseLacks:
			if ok {
				return false
			}
		}
	}
	return true
}

func (f Filter) String() string {
	return f.expr
}
