package topicmgr

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	maxNameLength  = 100
	maxOwnerLength = 50
)

var reservedPrefixes = []string{"system.", "internal.", "debug.", "_"}

// Validator checks topic names and definitions.
type Validator struct {
	namePattern      *regexp.Regexp
	ownerPattern     *regexp.Regexp
	attributePattern *regexp.Regexp
	subjectPattern   *regexp.Regexp
}

// NewValidator creates a new topic validator
func NewValidator() *Validator {
	return &Validator{
		// Hierarchical dotted names, e.g. notifications, feed.post.updated
		namePattern:  regexp.MustCompile(`^[a-z][a-z0-9_]*(\.[a-z][a-z0-9_]*)*$`),
		ownerPattern: regexp.MustCompile(`^[a-z][a-z0-9_]*$`),
		// Attribute keys appear unquoted in filter expressions.
		attributePattern: regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`),
		// Subjects end up in broker subscription names and NATS subjects.
		subjectPattern: regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`),
	}
}

// ValidateDefinition validates a topic definition
func (v *Validator) ValidateDefinition(topic Topic) error {
	if topic == nil {
		return fmt.Errorf("topic cannot be nil")
	}

	if err := v.ValidateName(topic.Name()); err != nil {
		return fmt.Errorf("invalid topic name: %w", err)
	}

	if strings.TrimSpace(topic.Description()) == "" {
		return fmt.Errorf("topic description cannot be empty")
	}

	for _, attr := range topic.Attributes() {
		if !v.attributePattern.MatchString(attr) {
			return fmt.Errorf("invalid attribute key %q", attr)
		}
	}

	switch topic.Scope() {
	case ScopeCore:
		if topic.Owner() != "" {
			return fmt.Errorf("core topics should not have an owner")
		}
	case ScopeApp:
		if err := v.validateOwner(topic.Owner()); err != nil {
			return fmt.Errorf("invalid owner: %w", err)
		}
	default:
		return fmt.Errorf("invalid topic scope: %s", topic.Scope())
	}

	return nil
}

// ValidateName checks if a topic name follows the naming convention
func (v *Validator) ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("name cannot be empty")
	}

	if len(name) > maxNameLength {
		return fmt.Errorf("name too long (max %d characters)", maxNameLength)
	}

	for _, prefix := range reservedPrefixes {
		if strings.HasPrefix(name, prefix) {
			return fmt.Errorf("name cannot start with reserved prefix: %s", prefix)
		}
	}

	if !v.namePattern.MatchString(name) {
		return fmt.Errorf("name must be dot-separated lowercase segments, e.g. feed.post.updated")
	}

	return nil
}

// ValidateSubject checks a pool subject.
func (v *Validator) ValidateSubject(subject string) error {
	if subject == "" {
		return nil
	}
	if !v.subjectPattern.MatchString(subject) {
		return fmt.Errorf("subject must be 1-128 characters of letters, digits, '-' or '_'")
	}
	return nil
}

func (v *Validator) validateOwner(owner string) error {
	if strings.TrimSpace(owner) == "" {
		return fmt.Errorf("app topics must specify an owner")
	}

	if len(owner) > maxOwnerLength {
		return fmt.Errorf("owner too long (max %d characters)", maxOwnerLength)
	}

	if !v.ownerPattern.MatchString(owner) {
		return fmt.Errorf("owner must be lowercase alphanumeric with underscores")
	}

	return nil
}
