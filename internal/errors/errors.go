// Package errors provides the error taxonomy of the offline core.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode identifies a class of failure. Codes are stable strings so they
// can travel in status events and API responses.
type ErrorCode string

const (
	// General errors
	ErrInternal ErrorCode = "INTERNAL_ERROR"
	ErrInvalid  ErrorCode = "INVALID_INPUT"
	ErrNotFound ErrorCode = "NOT_FOUND"

	// Persistent store errors
	ErrStorageUnavailable ErrorCode = "STORAGE_UNAVAILABLE"
	ErrTransaction        ErrorCode = "TRANSACTION_ERROR"
	ErrQuotaExceeded      ErrorCode = "QUOTA_EXCEEDED"
	ErrMigration          ErrorCode = "MIGRATION_FAILED"

	// Network and sync errors
	ErrNetworkFailure    ErrorCode = "NETWORK_FAILURE"
	ErrServerRejected    ErrorCode = "SERVER_REJECTED"
	ErrRetryExhausted    ErrorCode = "RETRY_EXHAUSTED"
	ErrIllegalTransition ErrorCode = "ILLEGAL_TRANSITION"
	ErrDrainInProgress   ErrorCode = "DRAIN_IN_PROGRESS"
	ErrWakeupUnsupported ErrorCode = "WAKEUP_UNSUPPORTED"
	ErrPermissionDenied  ErrorCode = "PERMISSION_DENIED"
	ErrInstallFailed     ErrorCode = "INSTALL_FAILED"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error

	// Status carries the HTTP status for ErrServerRejected. Zero otherwise.
	Status int
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

// Is reports whether target is an AppError with the same code, so that
// errors.Is(err, errors.New(ErrQuotaExceeded, "")) matches any quota failure.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code
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

// Rejected builds an ErrServerRejected error that keeps the response status
// and the server's error detail.
func Rejected(status int, detail string) *AppError {
	return &AppError{
		Code:    ErrServerRejected,
		Message: detail,
		Status:  status,
	}
}

// Is checks if an error, or any error it wraps, carries the given code.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// CodeOf returns the code of the first AppError in err's chain, or
// ErrInternal when there is none.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// StatusOf returns the HTTP status carried by a rejected call, or zero.
func StatusOf(err error) int {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Status
	}
	return 0
}

// Retryable reports whether a sync failure should leave the record eligible
// for another attempt. Network failures and server rejections are treated
// the same for retry purposes.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case ErrNetworkFailure, ErrServerRejected, ErrTransaction:
		return true
	}
	return false
}
