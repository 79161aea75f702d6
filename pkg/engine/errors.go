package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: state backend unreachable, plugin deadline exceeded.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassConflict indicates contention over a shared resource.
	// Examples: the state is locked by another operator.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: invalid configuration, malformed detection, plugin rejected the rule.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code identifies the failure kind (see the ErrCode constants).
	Code string `json:"code,omitempty"`

	// Plugin is the plugin involved, if any.
	Plugin string `json:"plugin,omitempty"`

	// Service is the service involved, if any.
	Service string `json:"service,omitempty"`

	// Resource is the rule path involved, if any.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := e.Message
	if ctx := e.context(); ctx != "" {
		msg = fmt.Sprintf("%s (%s)", msg, ctx)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", msg, e.Err.Error())
	}
	return msg
}

// context renders the plugin/service/resource/operation fields that are set.
func (e *EngineError) context() string {
	var parts []string
	if e.Plugin != "" {
		parts = append(parts, "plugin="+e.Plugin)
	}
	if e.Service != "" {
		parts = append(parts, "service="+e.Service)
	}
	if e.Resource != "" {
		parts = append(parts, "rule="+e.Resource)
	}
	if e.Operation != "" {
		parts = append(parts, "operation="+e.Operation)
	}
	return strings.Join(parts, ", ")
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
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

// WithPlugin adds plugin context to an error.
func (e *EngineError) WithPlugin(plugin string) *EngineError {
	e.Plugin = plugin
	return e
}

// WithService adds service context to an error.
func (e *EngineError) WithService(service string) *EngineError {
	e.Service = service
	return e
}

// WithResource adds rule path context to an error.
func (e *EngineError) WithResource(path string) *EngineError {
	e.Resource = path
	return e
}

// WithOperation adds operation context to an error.
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

// Error codes. Each one maps to an entry of the failure taxonomy.
const (
	ErrCodeConfiguration    = "CONFIGURATION"
	ErrCodePluginMissing    = "PLUGIN_MISSING"
	ErrCodePluginDispatch   = "PLUGIN_DISPATCH"
	ErrCodePluginInvocation = "PLUGIN_INVOCATION"
	ErrCodeSerialization    = "SERIALIZATION"
	ErrCodeStateIO          = "STATE_IO"
	ErrCodeStateLocked      = "STATE_LOCKED"
	ErrCodeTimeout          = "TIMEOUT"
	ErrCodeUserAbort        = "USER_ABORT"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeValidation       = "VALIDATION_ERROR"
)

// ConfigurationError reports an invalid or missing project setup.
func ConfigurationError(message string, err error) *EngineError {
	return NewPermanentError(message, err).WithCode(ErrCodeConfiguration)
}

// PluginMissingError reports a declared plugin whose binary is absent.
func PluginMissingError(plugin string) *EngineError {
	return NewPermanentError("plugin binary not found", nil).
		WithCode(ErrCodePluginMissing).
		WithPlugin(plugin)
}

// PluginInvocationError wraps an error string returned by a plugin operation.
func PluginInvocationError(plugin, operation, message string) *EngineError {
	return NewPermanentError("plugin returned an error", errors.New(message)).
		WithCode(ErrCodePluginInvocation).
		WithPlugin(plugin).
		WithOperation(operation)
}

// PluginDispatchError reports a plugin that could not be executed at all.
func PluginDispatchError(plugin, operation string, err error) *EngineError {
	return NewPermanentError("plugin dispatch failed", err).
		WithCode(ErrCodePluginDispatch).
		WithPlugin(plugin).
		WithOperation(operation)
}

// SerializationError reports malformed detection or plugin content.
func SerializationError(message string, err error) *EngineError {
	return NewPermanentError(message, err).WithCode(ErrCodeSerialization)
}

// StateIOError reports a state read or write failure.
func StateIOError(message string, err error) *EngineError {
	return NewTransientError(message, err).WithCode(ErrCodeStateIO)
}

// LockError reports that the state is held by someone else.
func LockError(message string, err error) *EngineError {
	return NewConflictError(message, err).WithCode(ErrCodeStateLocked)
}

// TimeoutError reports a plugin call that exceeded its epoch deadline.
func TimeoutError(plugin, operation string, err error) *EngineError {
	return NewTransientError("plugin call exceeded its deadline", err).
		WithCode(ErrCodeTimeout).
		WithPlugin(plugin).
		WithOperation(operation)
}

// ErrUserAbort is returned when the operator declines the confirmation prompt.
var ErrUserAbort = NewPermanentError("action aborted", nil).WithCode(ErrCodeUserAbort)

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

// IsRetryable returns true if the error can be retried.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsConflict(err)
}

// HasCode reports whether any EngineError in the chain carries code.
func HasCode(err error, code string) bool {
	var e *EngineError
	for err != nil {
		if !errors.As(err, &e) {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.Err
	}
	return false
}

// IsTimeout reports whether err is a plugin deadline error.
func IsTimeout(err error) bool { return HasCode(err, ErrCodeTimeout) }

// IsLocked reports whether err is a state lock conflict.
func IsLocked(err error) bool { return HasCode(err, ErrCodeStateLocked) }

// IsUserAbort reports whether err is an operator decline.
func IsUserAbort(err error) bool { return HasCode(err, ErrCodeUserAbort) }

// IsNotFound reports whether err carries the not-found code.
func IsNotFound(err error) bool { return HasCode(err, ErrCodeNotFound) }
