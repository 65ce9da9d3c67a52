package formula

import (
	"context"
	"errors"
	"fmt"
)

// AppErrorCode represents gRPC-style error codes for application-level
// errors: bad documents, unknown sheets, cancelled evaluations. formula
// errors never use these; they are values of type *SpreadsheetError.
type AppErrorCode int

const (
	// OK indicates the operation completed successfully.
	OK AppErrorCode = 0

	// Canceled indicates the caller's context was cancelled while waiting
	// on an async result.
	Canceled AppErrorCode = 1

	// Unknown error.
	Unknown AppErrorCode = 2

	// InvalidArgument indicates client specified an invalid argument, e.g.
	// a malformed document.
	InvalidArgument AppErrorCode = 3

	// DeadlineExceeded means the caller's deadline passed before async
	// results arrived.
	DeadlineExceeded AppErrorCode = 4

	// NotFound means some requested entity (e.g., sheet) was not found.
	NotFound AppErrorCode = 5

	// AlreadyExists means an entity such as a sheet id or table name was
	// declared twice.
	AlreadyExists AppErrorCode = 6

	// Internal errors. Means some invariants expected by underlying
	// system has been broken.
	Internal AppErrorCode = 13
)

// AppError represents errors at the application level (not
// spreadsheet formula errors)
type AppError struct {
	Code    AppErrorCode
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NewApplicationError creates a new application error
func NewApplicationError(code AppErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// contextError maps a context failure onto an AppError
func contextError(err error, message string) *AppError {
	code := Canceled
	if errors.Is(err, context.DeadlineExceeded) {
		code = DeadlineExceeded
	}
	return &AppError{Code: code, Message: message, Err: err}
}

// ErrorCodeOf returns the AppErrorCode carried anywhere in err's chain, or
// Unknown
func ErrorCodeOf(err error) AppErrorCode {
	if err == nil {
		return OK
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return Unknown
}
