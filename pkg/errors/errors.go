// Package errors provides structured errors for the scheduler with codes, categories, and context.
package errors

import (
	"encoding/json"
	"fmt"
	"runtime"
	"strings"
	"time"
)

// ErrorCode identifies a scheduler failure.
type ErrorCode string

const (
	// Configuration errors
	ErrCodeInvalidConfig    ErrorCode = "INVALID_CONFIG"
	ErrCodeConfigValidation ErrorCode = "CONFIG_VALIDATION"
	ErrCodeConfigLoad       ErrorCode = "CONFIG_LOAD"
	ErrCodeConfigSave       ErrorCode = "CONFIG_SAVE"

	// Request admission errors
	ErrCodeAllocationFailed ErrorCode = "ALLOCATION_FAILED"
	ErrCodeInvalidRequest   ErrorCode = "INVALID_REQUEST"

	// Persisted pattern state errors
	ErrCodePersistenceRead    ErrorCode = "PERSISTENCE_READ"
	ErrCodePersistenceWrite   ErrorCode = "PERSISTENCE_WRITE"
	ErrCodePersistenceCorrupt ErrorCode = "PERSISTENCE_CORRUPT"

	// Remote state mirror errors
	ErrCodeRemoteUnavailable ErrorCode = "REMOTE_UNAVAILABLE"
	ErrCodeRemoteNotFound    ErrorCode = "REMOTE_NOT_FOUND"

	// Engine lifecycle errors
	ErrCodeAlreadyStarted     ErrorCode = "ALREADY_STARTED"
	ErrCodeNotInitialized     ErrorCode = "NOT_INITIALIZED"
	ErrCodeShutdownInProgress ErrorCode = "SHUTDOWN_IN_PROGRESS"

	// Operation errors
	ErrCodeRequestNotFound  ErrorCode = "REQUEST_NOT_FOUND"
	ErrCodeOperationTimeout ErrorCode = "OPERATION_TIMEOUT"
	ErrCodeRetryExhausted   ErrorCode = "RETRY_EXHAUSTED"

	// Internal errors
	ErrCodeInvariantViolation ErrorCode = "INVARIANT_VIOLATION"
	ErrCodeInternalError      ErrorCode = "INTERNAL_ERROR"
)

// ErrorCategory groups error codes.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryResource      ErrorCategory = "resource"
	CategoryPersistence   ErrorCategory = "persistence"
	CategoryStorage       ErrorCategory = "storage"
	CategoryState         ErrorCategory = "state"
	CategoryOperation     ErrorCategory = "operation"
	CategoryInternal      ErrorCategory = "internal"
)

// SchedError is a structured error carrying a code, the failing component and
// arbitrary details.
type SchedError struct {
	Code     ErrorCode              `json:"code"`
	Category ErrorCategory          `json:"category"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`

	Cause     error     `json:"-"`
	Timestamp time.Time `json:"timestamp"`

	Component string `json:"component"`
	Operation string `json:"operation,omitempty"`

	Retryable bool `json:"retryable"`

	Stack string `json:"stack,omitempty"`
}

// Error implements the error interface.
func (e *SchedError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Component != "" {
		if e.Operation != "" {
			msg = fmt.Sprintf("[%s:%s] %s", e.Component, e.Operation, msg)
		} else {
			msg = fmt.Sprintf("[%s] %s", e.Component, msg)
		}
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *SchedError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a SchedError with the same code.
func (e *SchedError) Is(target error) bool {
	if t, ok := target.(*SchedError); ok {
		return e.Code == t.Code
	}
	return false
}

// String returns a detailed representation for logging.
func (e *SchedError) String() string {
	parts := []string{
		fmt.Sprintf("Code=%s", e.Code),
		fmt.Sprintf("Category=%s", e.Category),
		fmt.Sprintf("Message=%q", e.Message),
	}
	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component=%s", e.Component))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation=%s", e.Operation))
	}
	if e.Retryable {
		parts = append(parts, "Retryable=true")
	}
	if len(e.Details) > 0 {
		details, _ := json.Marshal(e.Details)
		parts = append(parts, fmt.Sprintf("Details=%s", details))
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause=%q", e.Cause.Error()))
	}
	return fmt.Sprintf("SchedError{%s}", strings.Join(parts, ", "))
}

// New creates an error with defaults derived from its code.
func New(code ErrorCode, message string) *SchedError {
	return &SchedError{
		Code:      code,
		Category:  GetCategory(code),
		Message:   message,
		Timestamp: time.Now(),
		Details:   make(map[string]interface{}),
		Retryable: IsRetryableByDefault(code),
	}
}

// Newf is New with a format string.
func Newf(code ErrorCode, format string, args ...interface{}) *SchedError {
	return New(code, fmt.Sprintf(format, args...))
}

// Invariant builds an INVARIANT_VIOLATION error with a captured stack. Callers
// panic with it: a broken cache invariant is never recoverable.
func Invariant(component, format string, args ...interface{}) *SchedError {
	return Newf(ErrCodeInvariantViolation, format, args...).WithComponent(component).WithStack()
}

// GetCategory maps a code to its category.
func GetCategory(code ErrorCode) ErrorCategory {
	c := string(code)
	switch {
	case strings.HasPrefix(c, "INVALID_CONFIG") || strings.HasPrefix(c, "CONFIG_"):
		return CategoryConfiguration
	case strings.HasPrefix(c, "ALLOCATION_") || strings.HasPrefix(c, "INVALID_REQUEST"):
		return CategoryResource
	case strings.HasPrefix(c, "PERSISTENCE_"):
		return CategoryPersistence
	case strings.HasPrefix(c, "REMOTE_"):
		return CategoryStorage
	case strings.HasPrefix(c, "ALREADY_") || strings.HasPrefix(c, "NOT_INITIALIZED") ||
		strings.HasPrefix(c, "SHUTDOWN_"):
		return CategoryState
	case strings.HasPrefix(c, "REQUEST_") || strings.HasPrefix(c, "OPERATION_") ||
		strings.HasPrefix(c, "RETRY_"):
		return CategoryOperation
	default:
		return CategoryInternal
	}
}

// IsRetryableByDefault reports whether errors with this code are worth retrying.
func IsRetryableByDefault(code ErrorCode) bool {
	switch code {
	case ErrCodeRemoteUnavailable, ErrCodeOperationTimeout:
		return true
	}
	return false
}

// CaptureStack captures the current call stack, skipping frames from this file.
func CaptureStack(skip int) string {
	const depth = 12
	var pcs [depth]uintptr
	n := runtime.Callers(skip+2, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])

	var stack []string
	for {
		frame, more := frames.Next()
		if !strings.HasSuffix(frame.File, "errors/errors.go") {
			stack = append(stack, fmt.Sprintf("%s:%d %s", frame.File, frame.Line, frame.Function))
		}
		if !more {
			break
		}
	}
	return strings.Join(stack, "\n")
}

// WithDetail adds a detail value.
func (e *SchedError) WithDetail(key string, value interface{}) *SchedError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithComponent sets the component.
func (e *SchedError) WithComponent(component string) *SchedError {
	e.Component = component
	return e
}

// WithOperation sets the operation.
func (e *SchedError) WithOperation(operation string) *SchedError {
	e.Operation = operation
	return e
}

// WithCause sets the underlying cause.
func (e *SchedError) WithCause(cause error) *SchedError {
	e.Cause = cause
	return e
}

// WithStack captures the current stack trace.
func (e *SchedError) WithStack() *SchedError {
	e.Stack = CaptureStack(2)
	return e
}

// HasCode reports whether err (or anything it wraps) is a SchedError with code.
func HasCode(err error, code ErrorCode) bool {
	for err != nil {
		if se, ok := err.(*SchedError); ok && se.Code == code {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// IsRetryable reports whether err is a retryable SchedError.
func IsRetryable(err error) bool {
	for err != nil {
		if se, ok := err.(*SchedError); ok {
			return se.Retryable
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
