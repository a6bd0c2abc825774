package topicmgr

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Manager is the topic catalogue: a registry plus the naming rules.
type Manager struct {
	registry  *Registry
	validator *Validator
	startTime time.Time
}

// NewManager creates an empty catalogue.
func NewManager() *Manager {
	return &Manager{
		registry:  NewRegistry(),
		validator: NewValidator(),
		startTime: time.Now(),
	}
}

// Register validates topic and adds it to the catalogue.
func (m *Manager) Register(topic Topic) error {
	if err := m.validator.ValidateDefinition(topic); err != nil {
		name := ""
		if topic != nil {
			name = topic.Name()
		}
		return &TopicError{
			Type:    ErrorValidationFailed,
			Topic:   name,
			Message: "topic validation failed",
			Cause:   err,
		}
	}
	return m.registry.Register(topic)
}

// MustRegister registers a topic and panics on error (for static initialization)
func (m *Manager) MustRegister(topic Topic) {
	if err := m.Register(topic); err != nil {
		panic(fmt.Sprintf("failed to register topic %s: %v", topic.Name(), err))
	}
}

// Get retrieves a topic by name.
func (m *Manager) Get(name string) (Topic, bool) {
	return m.registry.Get(name)
}

// Lookup is Get returning a TopicError for unknown names.
func (m *Manager) Lookup(name string) (Topic, error) {
	t, ok := m.registry.Get(name)
	if !ok {
		return nil, &TopicError{
			Type:    ErrorTopicNotFound,
			Topic:   name,
			Message: fmt.Sprintf("topic not found: %s", name),
		}
	}
	return t, nil
}

// List returns all registered topics sorted by name.
func (m *Manager) List() []Topic {
	return m.registry.List()
}

// ListByOwner returns the topics of one owner.
func (m *Manager) ListByOwner(owner string) []Topic {
	return m.registry.ListByOwner(owner)
}

// ListByScope returns topics for a specific scope
func (m *Manager) ListByScope(scope TopicScope) []Topic {
	return m.registry.ListByScope(scope)
}

// ListOwners returns the sorted owners of app topics.
func (m *Manager) ListOwners() []string {
	set := make(map[string]struct{})
	for _, t := range m.registry.ListByScope(ScopeApp) {
		set[t.Owner()] = struct{}{}
	}
	owners := make([]string, 0, len(set))
	for o := range set {
		owners = append(owners, o)
	}
	sort.Strings(owners)
	return owners
}

// FindTopics returns topics matching pattern. A trailing '*' matches any
// suffix; a lone '*' matches everything.
func (m *Manager) FindTopics(pattern string) []Topic {
	var matches []Topic
	for _, t := range m.registry.List() {
		if matchesPattern(t.Name(), pattern) {
			matches = append(matches, t)
		}
	}
	return matches
}

func matchesPattern(name, pattern string) bool {
	if pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(name, prefix)
	}
	return name == pattern
}

// ValidateTopicName checks a topic name without registering anything.
func (m *Manager) ValidateTopicName(name string) error {
	return m.validator.ValidateName(name)
}

// ValidateSubject checks the subject of a pool key.
func (m *Manager) ValidateSubject(subject string) error {
	return m.validator.ValidateSubject(subject)
}

// ValidateDefinition validates a definition before a topic is created from it.
func (m *Manager) ValidateDefinition(def Definition) error {
	switch def.Scope {
	case ScopeCore, ScopeApp, "":
	default:
		return &TopicError{
			Type:    ErrorInvalidScope,
			Topic:   def.Name,
			Message: fmt.Sprintf("invalid scope: %s", def.Scope),
		}
	}
	return m.validator.ValidateDefinition(Define(def))
}

// GetRegistry returns the underlying registry (for advanced usage)
func (m *Manager) GetRegistry() *Registry {
	return m.registry
}

// Count returns the total number of registered topics
func (m *Manager) Count() int {
	return m.registry.Count()
}

// Reset removes all registered topics (primarily for testing)
func (m *Manager) Reset() {
	m.registry.Reset()
}

// GetStats returns catalogue statistics.
func (m *Manager) GetStats() ManagerStats {
	return ManagerStats{
		StartTime:     m.startTime,
		Uptime:        time.Since(m.startTime),
		RegistryStats: m.registry.GetStats(),
	}
}

// ManagerStats provides statistics about the catalogue
type ManagerStats struct {
	StartTime     time.Time     `json:"start_time"`
	Uptime        time.Duration `json:"uptime"`
	RegistryStats RegistryStats `json:"registry_stats"`
}

var (
	defaultManager     *Manager
	defaultManagerOnce sync.Once
)

// Default returns the process-wide catalogue, preloaded with the core topics.
func Default() *Manager {
	defaultManagerOnce.Do(func() {
		defaultManager = NewManager()
		for _, t := range CoreTopics() {
			defaultManager.MustRegister(t)
		}
	})
	return defaultManager
}
