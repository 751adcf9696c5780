// Package storage holds what table and blob backends share: typed access to
// their flat string configuration, a name registry and configuration errors.
package storage

import (
	"fmt"
	"strings"
)

// ConfigError reports a backend configuration that cannot be used.
type ConfigError struct {
	Backend string
	Field   string // empty when the problem is not tied to one key
	Value   string
	Message string
	Cause   error
}

func (e *ConfigError) Error() string {
	var b strings.Builder
	b.WriteString(e.Backend)
	if e.Field != "" {
		b.WriteString(": ")
		b.WriteString(e.Field)
		if e.Value != "" {
			fmt.Fprintf(&b, "=%q", e.Value)
		}
	}
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *ConfigError) Unwrap() error { return e.Cause }

// NewConfigError reports a problem with field of backend.
func NewConfigError(backend, field, message string) *ConfigError {
	return &ConfigError{Backend: backend, Field: field, Message: message}
}

// WithValue records the offending value.
func (e *ConfigError) WithValue(v string) *ConfigError {
	e.Value = v
	return e
}

// WithCause records the underlying error.
func (e *ConfigError) WithCause(err error) *ConfigError {
	e.Cause = err
	return e
}
