// Package errors provides error codes shared by the sync engine and its surfaces.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a stable, machine-readable error code.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Storage errors
	ErrStorageUnavailable ErrorCode = "STORAGE_UNAVAILABLE"
	ErrDatabase           ErrorCode = "DATABASE_ERROR"
	ErrMigration          ErrorCode = "MIGRATION_FAILED"

	// Sync errors
	ErrSyncFailed           ErrorCode = "SYNC_FAILED"
	ErrSyncTimeout          ErrorCode = "SYNC_TIMEOUT"
	ErrSyncRetryExhausted   ErrorCode = "SYNC_RETRY_EXHAUSTED"
	ErrSyncNotAuthenticated ErrorCode = "SYNC_NOT_AUTHENTICATED"
	ErrSyncDisabled         ErrorCode = "SYNC_DISABLED"

	// Conflict errors
	ErrConflictNotFound        ErrorCode = "CONFLICT_NOT_FOUND"
	ErrConflictInvalid         ErrorCode = "CONFLICT_INVALID"
	ErrConflictAlreadyResolved ErrorCode = "CONFLICT_ALREADY_RESOLVED"

	// Transport errors
	ErrTransportHTTP ErrorCode = "TRANSPORT_HTTP"
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

// Is reports whether any AppError in err's chain carries code.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	for err != nil {
		if !stderrors.As(err, &appErr) {
			return false
		}
		if appErr.Code == code {
			return true
		}
		err = appErr.Err
	}
	return false
}

// CodeOf returns the code of the outermost AppError in err's chain,
// or ErrInternal when there is none.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}
