package script

import (
	"time"
)

// ErrorType categorizes script failures.
type ErrorType string

const (
	ErrorTypeCompilation ErrorType = "compilation"
	ErrorTypeExecution   ErrorType = "execution"
	ErrorTypeTimeout     ErrorType = "timeout"
	ErrorTypeNotFound    ErrorType = "not_found"
	ErrorTypeResult      ErrorType = "result"
)

// Limits bounds what a processor script may do.
type Limits struct {
	// MaxExecutionTime caps a single run.
	MaxExecutionTime time.Duration
	// MaxAllocs caps object allocations per run, -1 for no limit.
	MaxAllocs int64
	// AllowedPackages lists the tengo stdlib modules scripts may import.
	AllowedPackages []string
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		MaxExecutionTime: 100 * time.Millisecond,
		MaxAllocs:        100_000,
		AllowedPackages:  []string{"fmt", "strings", "math", "text", "json", "times"},
	}
}

// ScriptError represents a processor script failure with context.
type ScriptError struct {
	Type      ErrorType
	Path      string
	Message   string
	Cause     error
	Timestamp time.Time
}

func (e *ScriptError) Error() string {
	msg := e.Path + ": " + e.Message
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

func (e *ScriptError) Unwrap() error {
	return e.Cause
}

// NewScriptError creates a ScriptError stamped with the current time.
func NewScriptError(errorType ErrorType, path, message string, cause error) *ScriptError {
	return &ScriptError{
		Type:      errorType,
		Path:      path,
		Message:   message,
		Cause:     cause,
		Timestamp: time.Now(),
	}
}
