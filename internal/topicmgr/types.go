package topicmgr

import (
	"errors"
	"slices"
	"time"
)

// Topic describes one topic in the catalogue.
type Topic interface {
	// Name returns the unique topic name.
	Name() string

	// Owner returns the component that publishes the topic, empty for core topics.
	Owner() string

	// Description returns human-readable documentation.
	Description() string

	// Example returns an example payload.
	Example() string

	// Attributes lists the attribute keys publishers set, usable in filters.
	Attributes() []string

	// Metadata returns additional topic information.
	Metadata() map[string]interface{}

	// Scope returns whether this is a core or an application topic.
	Scope() TopicScope
}

// Definition holds the fields of a new topic.
type Definition struct {
	Name        string                 `json:"name"`
	Owner       string                 `json:"owner,omitempty"`
	Scope       TopicScope             `json:"scope"`
	Description string                 `json:"description"`
	Example     string                 `json:"example,omitempty"`
	Attributes  []string               `json:"attributes,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// TopicScope separates topics shipped with the server from application topics.
type TopicScope string

const (
	ScopeCore TopicScope = "core" // Served by fanout itself (notifications, ...)
	ScopeApp  TopicScope = "app"  // Registered by an application component
)

// definedTopic is the Topic returned by Define.
type definedTopic struct {
	def Definition
}

var _ Topic = (*definedTopic)(nil)

// Define creates a Topic from def. An empty scope defaults to ScopeApp.
func Define(def Definition) Topic {
	if def.Scope == "" {
		def.Scope = ScopeApp
	}
	if def.Scope == ScopeCore {
		def.Owner = ""
	}
	def.Attributes = slices.Clone(def.Attributes)
	return &definedTopic{def: def}
}

func (t *definedTopic) Name() string         { return t.def.Name }
func (t *definedTopic) Owner() string        { return t.def.Owner }
func (t *definedTopic) Description() string  { return t.def.Description }
func (t *definedTopic) Example() string      { return t.def.Example }
func (t *definedTopic) Scope() TopicScope    { return t.def.Scope }
func (t *definedTopic) String() string       { return t.def.Name }
func (t *definedTopic) Attributes() []string { return slices.Clone(t.def.Attributes) }

// Metadata returns a copy of the topic metadata.
func (t *definedTopic) Metadata() map[string]interface{} {
	result := make(map[string]interface{}, len(t.def.Metadata))
	for k, v := range t.def.Metadata {
		result[k] = v
	}
	return result
}

// Describe returns the definition behind a topic, suitable for JSON output.
func Describe(t Topic) Definition {
	return Definition{
		Name:        t.Name(),
		Owner:       t.Owner(),
		Scope:       t.Scope(),
		Description: t.Description(),
		Example:     t.Example(),
		Attributes:  t.Attributes(),
		Metadata:    t.Metadata(),
	}
}

// RegistryEntry represents a topic entry in the registry with metadata
type RegistryEntry struct {
	Topic        Topic     `json:"topic"`
	RegisteredAt time.Time `json:"registered_at"`
	UsageCount   int64     `json:"usage_count"`
}

// TopicError represents structured errors in the topic catalogue
type TopicError struct {
	Type    ErrorType `json:"type"`
	Topic   string    `json:"topic"`
	Message string    `json:"message"`
	Cause   error     `json:"cause,omitempty"`
}

// ErrorType defines the type of topic catalogue error
type ErrorType string

const (
	ErrorTopicNotFound         ErrorType = "topic_not_found"
	ErrorDuplicateRegistration ErrorType = "duplicate_registration"
	ErrorValidationFailed      ErrorType = "validation_failed"
	ErrorInvalidScope          ErrorType = "invalid_scope"
)

// Error implements the error interface
func (e *TopicError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *TopicError) Unwrap() error {
	return e.Cause
}

// IsNotFound reports whether err is a TopicError for an unknown topic.
func IsNotFound(err error) bool {
	var te *TopicError
	return errors.As(err, &te) && te.Type == ErrorTopicNotFound
}
