// Package errors provides error codes shared by the store, the sync engine and the API layer.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a unique error code that can be reported to UI clients.
type ErrorCode string

const (
	// General errors
	ErrInternal ErrorCode = "INTERNAL_ERROR"
	ErrInvalid  ErrorCode = "INVALID_INPUT"

	// Store contract violations, returned to the caller as-is
	ErrNotFound  ErrorCode = "NOT_FOUND"
	ErrDuplicate ErrorCode = "DUPLICATE"

	// Store availability
	ErrStorage   ErrorCode = "STORAGE_ERROR"
	ErrMigration ErrorCode = "MIGRATION_FAILED"

	// Sync errors
	ErrSyncSubmission         ErrorCode = "SYNC_SUBMISSION_FAILED"
	ErrSyncTimeout            ErrorCode = "SYNC_TIMEOUT"
	ErrSchedulingUnsupported  ErrorCode = "SCHEDULING_UNSUPPORTED"
	ErrSchedulerNotRunning    ErrorCode = "SCHEDULER_NOT_RUNNING"
	ErrCredentialsUnavailable ErrorCode = "CREDENTIALS_UNAVAILABLE"
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

// Newf creates a new AppError with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *AppError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is reports whether any error in err's chain is an AppError with the given code.
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

// CodeOf returns the code of the outermost AppError in err's chain, or ErrInternal.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// Convenience constructors for the codes callers branch on.

func NotFound(collection, id string) *AppError {
	return Newf(ErrNotFound, "%s record %q not found", collection, id)
}

func Duplicate(collection, id string) *AppError {
	return Newf(ErrDuplicate, "%s record %q already exists", collection, id)
}

func Storage(message string, err error) *AppError {
	return Wrap(ErrStorage, message, err)
}
