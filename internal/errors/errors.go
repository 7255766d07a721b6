// Package errors provides structured error types for SitePulse.
// Every error carries a category, code, and message so that boundaries can
// classify failures without inspecting error strings.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCategory classifies errors by failure class.
type ErrorCategory string

const (
	ErrCategoryValidation ErrorCategory = "VALIDATION"
	ErrCategoryAuth       ErrorCategory = "AUTH"
	ErrCategoryMethod     ErrorCategory = "METHOD"
	ErrCategoryRateLimit  ErrorCategory = "RATE_LIMIT"
	ErrCategoryNotFound   ErrorCategory = "NOT_FOUND"
	ErrCategoryStorage    ErrorCategory = "STORAGE"
	ErrCategoryInternal   ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Validation codes
	CodeInvalidPayload   = "INVALID_PAYLOAD"
	CodeMissingField     = "MISSING_FIELD"
	CodeFieldTooLong     = "FIELD_TOO_LONG"
	CodeInvalidEventData = "INVALID_EVENT_DATA"
	CodeInvalidLimit     = "INVALID_LIMIT"
	CodeInvalidTimeRange = "INVALID_TIME_RANGE"
	CodeInvalidKey       = "INVALID_KEY"

	// Auth codes
	CodeMissingCredential = "MISSING_CREDENTIAL"
	CodeInvalidCredential = "INVALID_CREDENTIAL"

	// Method codes
	CodeNotAllowed = "NOT_ALLOWED"

	// Rate limit codes
	CodeTooManyRequests = "TOO_MANY_REQUESTS"

	// Not found codes
	CodeArchiveNotFound = "ARCHIVE_NOT_FOUND"

	// Storage codes
	CodeStorageUnavailable = "STORAGE_UNAVAILABLE"
	CodeArchiveFailed      = "ARCHIVE_FAILED"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// Error is the structured error type used throughout the system.
type Error struct {
	Category ErrorCategory
	Code     string
	Message  string
	Details  map[string]interface{}
	Cause    error
}

// Error returns a formatted error string.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new Error.
func New(category ErrorCategory, code, message string) *Error {
	return &Error{
		Category: category,
		Code:     code,
		Message:  message,
	}
}

// Wrap creates a new Error wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *Error {
	return &Error{
		Category: category,
		Code:     code,
		Message:  message,
		Cause:    cause,
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	cp := *e
	cp.Details = details
	return &cp
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not an *Error.
func GetCategory(err error) ErrorCategory {
	var se *Error
	if errors.As(err, &se) {
		return se.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not an *Error.
func GetCode(err error) string {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// GetDetails extracts the details of the first *Error in the chain.
func GetDetails(err error) map[string]interface{} {
	var se *Error
	if errors.As(err, &se) {
		return se.Details
	}
	return nil
}

// HTTPStatus maps an error chain to the HTTP status a boundary should return.
func HTTPStatus(err error) int {
	var se *Error
	if !errors.As(err, &se) {
		return http.StatusInternalServerError
	}

	switch se.Category {
	case ErrCategoryValidation:
		return http.StatusBadRequest
	case ErrCategoryAuth:
		if se.Code == CodeMissingCredential {
			return http.StatusUnauthorized
		}
		return http.StatusForbidden
	case ErrCategoryMethod:
		return http.StatusMethodNotAllowed
	case ErrCategoryRateLimit:
		return http.StatusTooManyRequests
	case ErrCategoryNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns the message safe to show to a caller.
// Storage and internal failures never expose their message or cause.
func PublicMessage(err error, fallback string) string {
	var se *Error
	if !errors.As(err, &se) {
		return fallback
	}
	switch se.Category {
	case ErrCategoryStorage, ErrCategoryInternal:
		return fallback
	default:
		return se.Message
	}
}

// Convenience constructors for common errors.

func NewValidationError(code, message string) *Error {
	return New(ErrCategoryValidation, code, message)
}

func NewAuthError(code, message string) *Error {
	return New(ErrCategoryAuth, code, message)
}

func NewNotAllowedError(message string) *Error {
	return New(ErrCategoryMethod, CodeNotAllowed, message)
}

func NewRateLimitError(message string) *Error {
	return New(ErrCategoryRateLimit, CodeTooManyRequests, message)
}

func NewNotFoundError(code, message string) *Error {
	return New(ErrCategoryNotFound, code, message)
}

func NewStorageError(code, message string, cause error) *Error {
	return Wrap(ErrCategoryStorage, code, message, cause)
}

func NewInternalError(message string, cause error) *Error {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
