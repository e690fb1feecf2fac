// Package errors provides error code definitions for the offline core.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a unique error code surfaced to the presentation layer.
type ErrorCode string

const (
	// General errors
	ErrInternal ErrorCode = "INTERNAL_ERROR"
	ErrInvalid  ErrorCode = "INVALID_INPUT"

	// Storage errors
	ErrStorage   ErrorCode = "STORAGE_ERROR"
	ErrMigration ErrorCode = "MIGRATION_FAILED"

	// Cache states. A cache miss is a normal empty-result state, not a
	// failure; callers branch on it rather than report it.
	ErrCacheMiss ErrorCode = "CACHE_MISS"

	// Remote errors. Network errors are transient and retryable;
	// semantic errors are remote rejections and never retried.
	ErrNetwork  ErrorCode = "NETWORK_ERROR"
	ErrSemantic ErrorCode = "SEMANTIC_ERROR"

	// Queue errors
	ErrExpired ErrorCode = "OPERATION_EXPIRED"
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

// Is checks if an error carries a specific code, unwrapping through
// the error chain.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// CodeOf returns the code carried by err, or ErrInternal when err is
// not an AppError. Returns empty code for nil.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// IsNetwork reports whether err is a transient connectivity failure.
func IsNetwork(err error) bool {
	return Is(err, ErrNetwork)
}

// IsSemantic reports whether err is a remote rejection of the request itself.
func IsSemantic(err error) bool {
	return Is(err, ErrSemantic)
}

// IsStorage reports whether err came from the local store.
func IsStorage(err error) bool {
	return Is(err, ErrStorage)
}

// IsCacheMiss reports whether err is the normal no-local-data state.
func IsCacheMiss(err error) bool {
	return Is(err, ErrCacheMiss)
}

// IsExpired reports whether err marks an operation past its max age.
func IsExpired(err error) bool {
	return Is(err, ErrExpired)
}
