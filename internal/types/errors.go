package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a namespaced error code for analysis engine errors.
type ErrorCode string

// Analyzer error codes
const (
	INPUT_UNAVAILABLE  ErrorCode = "INPUT_UNAVAILABLE"
	PROVIDER_TRANSIENT ErrorCode = "PROVIDER_TRANSIENT"
	DEADLINE_EXCEEDED  ErrorCode = "DEADLINE_EXCEEDED"
	INVALID_PARAMS     ErrorCode = "INVALID_PARAMS"
)

// Task graph error codes
const (
	CYCLIC_DEPENDENCY  ErrorCode = "CYCLIC_DEPENDENCY"
	TASK_NOT_FOUND     ErrorCode = "TASK_NOT_FOUND"
	ILLEGAL_TRANSITION ErrorCode = "ILLEGAL_TRANSITION"
)

// State manager error codes
const (
	STALE_REVISION    ErrorCode = "STALE_REVISION"
	SESSION_NOT_FOUND ErrorCode = "SESSION_NOT_FOUND"
	REVISION_UNKNOWN  ErrorCode = "REVISION_UNKNOWN"
)

// Configuration error codes
const (
	INVALID_CONFIGURATION ErrorCode = "INVALID_CONFIGURATION"
	CONFIG_LOAD_FAILED    ErrorCode = "CONFIG_LOAD_FAILED"
	CONFIG_PARSE_FAILED   ErrorCode = "CONFIG_PARSE_FAILED"
)

// Store error codes
const (
	STORE_OPEN_FAILED      ErrorCode = "STORE_OPEN_FAILED"
	STORE_MIGRATION_FAILED ErrorCode = "STORE_MIGRATION_FAILED"
	STORE_QUERY_FAILED     ErrorCode = "STORE_QUERY_FAILED"
	SNAPSHOT_NOT_FOUND     ErrorCode = "SNAPSHOT_NOT_FOUND"
)

// AnalysisError represents a structured error with error code, message, and
// optional cause. It supports error wrapping and carries a retryability hint
// the executor uses to decide between retry and permanent failure.
type AnalysisError struct {
	Code      ErrorCode
	Message   string
	Retryable bool
	Cause     error
}

// Error implements the error interface.
// Format: "[CODE] message" or "[CODE] message: cause" if cause exists.
func (e *AnalysisError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause error for error unwrapping chains.
func (e *AnalysisError) Unwrap() error {
	return e.Cause
}

// Is checks if the target error matches this error by error code.
func (e *AnalysisError) Is(target error) bool {
	var ae *AnalysisError
	if errors.As(target, &ae) {
		return e.Code == ae.Code
	}
	return false
}

// NewError creates a new non-retryable AnalysisError with the given code and message.
func NewError(code ErrorCode, message string) *AnalysisError {
	return &AnalysisError{
		Code:    code,
		Message: message,
	}
}

// NewRetryableError creates a new retryable AnalysisError with the given code
// and message. Use this for transient errors that may succeed on retry.
func NewRetryableError(code ErrorCode, message string) *AnalysisError {
	return &AnalysisError{
		Code:      code,
		Message:   message,
		Retryable: true,
	}
}

// WrapError creates a new non-retryable AnalysisError that wraps an existing error.
func WrapError(code ErrorCode, message string, cause error) *AnalysisError {
	return &AnalysisError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// WrapRetryableError creates a retryable AnalysisError that wraps an existing error.
func WrapRetryableError(code ErrorCode, message string, cause error) *AnalysisError {
	return &AnalysisError{
		Code:      code,
		Message:   message,
		Retryable: true,
		Cause:     cause,
	}
}

// IsRetryable reports whether err carries a retryable hint. Deadline
// exceeded errors from analyzer calls are treated as transient.
func IsRetryable(err error) bool {
	var ae *AnalysisError
	if errors.As(err, &ae) {
		return ae.Retryable
	}
	return false
}

// CodeOf extracts the error code from err, or "" if err is not an AnalysisError.
func CodeOf(err error) ErrorCode {
	var ae *AnalysisError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return ""
}
