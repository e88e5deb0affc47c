// Package engine implements the reconciliation core: manifest handling,
// inspection, delta computation, snapshotting, the stage-then-swap apply
// loop, and rollback.
package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: a binary briefly locked by another process, a slow probe.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassConflict indicates a concurrency conflict.
	// Example: another reconciliation run holds the state lock.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: a structurally invalid manifest, a missing snapshot.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Component is the component name that caused the error, if applicable.
	Component string `json:"component,omitempty"`

	// Operation is the reconciliation phase during which the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.Component != "" && e.Operation != "" {
		return fmt.Sprintf("[%s] %s (component=%s, operation=%s): %s",
			e.Class, e.Message, e.Component, e.Operation, e.unwrapMessage())
	}
	if e.Component != "" {
		return fmt.Sprintf("[%s] %s (component=%s): %s",
			e.Class, e.Message, e.Component, e.unwrapMessage())
	}
	return fmt.Sprintf("[%s] %s: %s", e.Class, e.Message, e.unwrapMessage())
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

func (e *EngineError) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassTransient,
		Message: message,
		Err:     err,
	}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassConflict,
		Message: message,
		Err:     err,
	}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// WithComponent adds component context to an error.
func (e *EngineError) WithComponent(name string) *EngineError {
	e.Component = name
	return e
}

// WithOperation adds phase context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassConflict
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// IsRetryable returns true if the error can be retried.
// Transient and conflict errors are retryable.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsConflict(err)
}

// HasCode returns true if err carries the given engine error code.
func HasCode(err error, code string) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// Error codes. Each failure surfaced by the engine is tagged with one of
// these so callers and the run history can classify failures without
// string matching.
const (
	ErrCodeStructuralManifest = "STRUCTURAL_MANIFEST"
	ErrCodeProbeFailed        = "PROBE_FAILED"
	ErrCodeSnapshotFailed     = "SNAPSHOT_FAILED"
	ErrCodeApplyFailed        = "APPLY_FAILED"
	ErrCodeValidationFailed   = "VALIDATION_FAILED"
	ErrCodeRollbackFailed     = "ROLLBACK_FAILED"
	ErrCodePolicyDenied       = "POLICY_DENIED"
	ErrCodeBusy               = "BUSY"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeTimeout            = "TIMEOUT"
)
