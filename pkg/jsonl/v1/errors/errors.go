package errors

import (
	"errors"
	"fmt"
)

// --- jsonl Core Error Types ---

// ErrSinkClosed is returned when a record is offered to a sink that has
// already begun shutting down.
var ErrSinkClosed = errors.New("sink is closed")

// ConfigError represents an error encountered during the loading, parsing,
// or validation of emitter configuration or options.
type ConfigError struct {
	Message string
	Cause   error
}

func NewConfigError(message string, cause error) *ConfigError {
	return &ConfigError{Message: message, Cause: cause}
}
func (e *ConfigError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("configuration error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("configuration error: %s", e.Message)
}
func (e *ConfigError) Unwrap() error { return e.Cause }

// ValidationError indicates that some input (e.g., config structure,
// schema version) failed validation checks.
type ValidationError struct {
	Message string
	Cause   error
}

func NewValidationError(message string, cause error) *ValidationError {
	return &ValidationError{Message: message, Cause: cause}
}
func (e *ValidationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("validation error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}
func (e *ValidationError) Unwrap() error { return e.Cause }

// InvalidEventError reports malformed input given to an event constructor.
// The event is dropped and never reaches the serializer.
type InvalidEventError struct {
	Kind   string // Event kind being constructed, e.g. "task"
	Field  string
	Reason string
}

func NewInvalidEventError(kind, field, reason string) *InvalidEventError {
	return &InvalidEventError{Kind: kind, Field: field, Reason: reason}
}
func (e *InvalidEventError) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("invalid event: field '%s': %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid %s event: field '%s': %s", e.Kind, e.Field, e.Reason)
}

// SerializationError signals a payload that cannot be encoded as a single
// JSON line: a cycle, excessive nesting, a non-finite number or a Go value
// with no JSON representation.
type SerializationError struct {
	Path   string // Location inside the payload, e.g. "result.items[2]"
	Reason string
	Cause  error
}

func NewSerializationError(path, reason string, cause error) *SerializationError {
	return &SerializationError{Path: path, Reason: reason, Cause: cause}
}
func (e *SerializationError) Error() string {
	msg := "serialization failed"
	if e.Path != "" {
		msg = fmt.Sprintf("serialization failed at '%s'", e.Path)
	}
	msg = fmt.Sprintf("%s: %s", msg, e.Reason)
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}
func (e *SerializationError) Unwrap() error { return e.Cause }

// SinkWriteError wraps a failure of the underlying output stream. After it is
// reported the sink stops writing and discards further records.
type SinkWriteError struct {
	Cause error
}

func NewSinkWriteError(cause error) *SinkWriteError {
	return &SinkWriteError{Cause: cause}
}
func (e *SinkWriteError) Error() string {
	return fmt.Sprintf("sink write failed, entering degraded mode: %v", e.Cause)
}
func (e *SinkWriteError) Unwrap() error { return e.Cause }

// PolicyViolationError signifies that a record could not be kept because of a
// configured policy (e.g., the sink buffer was full under 'drop_oldest').
type PolicyViolationError struct {
	PolicyType string // e.g., "BackpressurePolicy"
	Reason     string
	Cause      error
}

func NewPolicyViolationError(policyType, reason string, cause error) *PolicyViolationError {
	return &PolicyViolationError{PolicyType: policyType, Reason: reason, Cause: cause}
}
func (e *PolicyViolationError) Error() string {
	msg := fmt.Sprintf("policy violation (%s): %s", e.PolicyType, e.Reason)
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}
func (e *PolicyViolationError) Unwrap() error { return e.Cause }

// IsConfigError checks if an error is a ConfigError using errors.As.
func IsConfigError(err error) bool {
	var target *ConfigError
	return errors.As(err, &target)
}

// IsValidationError checks if an error is a ValidationError using errors.As.
func IsValidationError(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// IsInvalidEvent checks if an error is an InvalidEventError using errors.As.
func IsInvalidEvent(err error) bool {
	var target *InvalidEventError
	return errors.As(err, &target)
}

// IsSerialization checks if an error is a SerializationError using errors.As.
func IsSerialization(err error) bool {
	var target *SerializationError
	return errors.As(err, &target)
}

// IsSinkWrite checks if an error is a SinkWriteError using errors.As.
func IsSinkWrite(err error) bool {
	var target *SinkWriteError
	return errors.As(err, &target)
}

// IsPolicyViolation checks if an error is a PolicyViolationError using errors.As.
func IsPolicyViolation(err error) bool {
	var target *PolicyViolationError
	return errors.As(err, &target)
}

// ErrorObserver receives every failure the core isolates instead of returning.
// Implementations must not block for long; they run on producer or sink goroutines.
type ErrorObserver func(err error)
