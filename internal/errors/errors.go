// Package errors provides error code definitions shared across the engine.
package errors

import "fmt"

// ErrorCode represents a unique error code surfaced in logs and snapshots.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Storage errors
	ErrStorageUnavailable ErrorCode = "STORAGE_UNAVAILABLE"
	ErrStorageBackend     ErrorCode = "STORAGE_BACKEND_ERROR"
	ErrMigration          ErrorCode = "MIGRATION_FAILED"
	ErrSerialization      ErrorCode = "SERIALIZATION_ERROR"

	// Network errors
	ErrNetworkUnavailable ErrorCode = "NETWORK_UNAVAILABLE"
	ErrProbeFailed        ErrorCode = "PROBE_FAILED"

	// Queue errors
	ErrQueueItemNotFound  ErrorCode = "QUEUE_ITEM_NOT_FOUND"
	ErrQueueTransition    ErrorCode = "QUEUE_ILLEGAL_TRANSITION"
	ErrQueuePersist       ErrorCode = "QUEUE_PERSIST_FAILED"
	ErrAttemptsExhausted  ErrorCode = "ATTEMPTS_EXHAUSTED"

	// Executor errors
	ErrExecutorTimeout  ErrorCode = "EXECUTOR_TIMEOUT"
	ErrExecutorFailed   ErrorCode = "EXECUTOR_FAILED"
	ErrExecutorShutdown ErrorCode = "EXECUTOR_SHUTDOWN"
	ErrRemoteRejected   ErrorCode = "REMOTE_REJECTED"

	// Conflict errors
	ErrConflictDetected   ErrorCode = "CONFLICT_DETECTED"
	ErrConflictUnresolved ErrorCode = "CONFLICT_UNRESOLVED"
	ErrMergeRequired      ErrorCode = "MERGE_PAYLOAD_REQUIRED"

	// Config errors
	ErrConfigInvalid ErrorCode = "CONFIG_INVALID"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is checks if an error is of a specific code.
func Is(err error, code ErrorCode) bool {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Code == code
	}
	return false
}
