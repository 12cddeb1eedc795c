// Package validate accumulates field-level configuration errors so a bad
// config reports everything wrong with it at once instead of one field per
// restart.
package validate

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
)

// Error is a single failed field check.
type Error struct {
	Field   string
	Value   any
	Message string
}

func (e Error) Error() string {
	return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Message)
}

// ValidationError bundles every failed check into one error value.
type ValidationError struct {
	errors []Error
}

// Errors returns the individual field errors.
func (e ValidationError) Errors() []Error {
	return e.errors
}

func (e ValidationError) Error() string {
	switch len(e.errors) {
	case 0:
		return ""
	case 1:
		return e.errors[0].Error()
	}
	msgs := make([]string, len(e.errors))
	for i, err := range e.errors {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

// Validator collects field checks.
type Validator struct {
	errors []Error
}

// New returns an empty validator.
func New() *Validator {
	return &Validator{}
}

// AddError records a failed check directly.
func (v *Validator) AddError(field, message string, value any) {
	v.errors = append(v.errors, Error{Field: field, Value: value, Message: message})
}

// IsValid reports whether every check so far passed.
func (v *Validator) IsValid() bool {
	return len(v.errors) == 0
}

// Errors returns the failures recorded so far.
func (v *Validator) Errors() []Error {
	return v.errors
}

// Err converts the recorded failures into an error, or nil when all passed.
func (v *Validator) Err() error {
	if len(v.errors) == 0 {
		return nil
	}
	copied := make([]Error, len(v.errors))
	copy(copied, v.errors)
	return ValidationError{errors: copied}
}

// URL checks that value parses as an absolute URL with a host and, when
// allowedSchemes is non-empty, one of those schemes.
func (v *Validator) URL(field, value string, allowedSchemes []string) {
	if value == "" {
		v.AddError(field, "URL cannot be empty", value)
		return
	}
	u, err := url.Parse(value)
	if err != nil {
		v.AddError(field, fmt.Sprintf("invalid URL: %v", err), value)
		return
	}
	if u.Host == "" {
		v.AddError(field, "URL must have a host", value)
		return
	}
	if len(allowedSchemes) > 0 && !slices.Contains(allowedSchemes, u.Scheme) {
		v.AddError(field, fmt.Sprintf("unsupported URL scheme %q (allowed: %v)", u.Scheme, allowedSchemes), value)
	}
}

// Port checks a TCP/UDP port number.
func (v *Validator) Port(field string, port int) {
	if port <= 0 || port > 65535 {
		v.AddError(field, fmt.Sprintf("port must be between 1 and 65535, got %d", port), port)
	}
}

// NotEmpty checks that value has non-whitespace content.
func (v *Validator) NotEmpty(field, value string) {
	if strings.TrimSpace(value) == "" {
		v.AddError(field, "value cannot be empty", value)
	}
}

// OneOf checks membership in the allowed set.
func (v *Validator) OneOf(field, value string, allowed []string) {
	if !slices.Contains(allowed, value) {
		v.AddError(field, fmt.Sprintf("value must be one of %v, got %q", allowed, value), value)
	}
}

// Positive checks value > 0.
func (v *Validator) Positive(field string, value int) {
	if value <= 0 {
		v.AddError(field, fmt.Sprintf("value must be positive, got %d", value), value)
	}
}

// NonNegative checks value >= 0.
func (v *Validator) NonNegative(field string, value int) {
	if value < 0 {
		v.AddError(field, fmt.Sprintf("value cannot be negative, got %d", value), value)
	}
}

// Custom runs an arbitrary check and records its error under field.
func (v *Validator) Custom(field string, value any, check func(any) error) {
	if err := check(value); err != nil {
		v.AddError(field, err.Error(), value)
	}
}
