// Package errors provides the structured error taxonomy for tierstore with error codes, categories, and context.
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorCode represents a structured error code for storage operations.
type ErrorCode string

// Error code constants grouped by category.
const (
	// Configuration Errors
	ErrCodeConfigMissing ErrorCode = "CONFIG_MISSING"
	ErrCodeInvalidConfig ErrorCode = "CONFIG_INVALID"
	ErrCodeConfigLoad    ErrorCode = "CONFIG_LOAD"

	// Connectivity Errors
	ErrCodeConnectivity       ErrorCode = "CONNECTION_FAILED"
	ErrCodeConnectionTimeout  ErrorCode = "CONNECTION_TIMEOUT"
	ErrCodeBackendUnavailable ErrorCode = "CONNECTION_BACKEND_UNAVAILABLE"

	// Storage Errors
	ErrCodeObjectNotFound    ErrorCode = "OBJECT_NOT_FOUND"
	ErrCodeBucketNotFound    ErrorCode = "BUCKET_NOT_FOUND"
	ErrCodeStorageRead       ErrorCode = "STORAGE_READ"
	ErrCodeStorageWrite      ErrorCode = "STORAGE_WRITE"
	ErrCodeIntegrityMismatch ErrorCode = "STORAGE_INTEGRITY_MISMATCH"

	// Validation Errors
	ErrCodeInvalidHash  ErrorCode = "VALIDATION_INVALID_HASH"
	ErrCodeInvalidTier  ErrorCode = "VALIDATION_INVALID_TIER"
	ErrCodeInvalidRange ErrorCode = "VALIDATION_INVALID_RANGE"

	// Authentication Errors
	ErrCodeSignature  ErrorCode = "AUTH_SIGNATURE_INVALID"
	ErrCodeAuthFailed ErrorCode = "AUTH_FAILED"

	// Operation Errors
	ErrCodeOperationCanceled ErrorCode = "OPERATION_CANCELED"
	ErrCodeRetryExhausted    ErrorCode = "OPERATION_RETRY_EXHAUSTED"
	ErrCodeInProgress        ErrorCode = "OPERATION_IN_PROGRESS"

	// Internal Errors
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// ErrorCategory represents the general category of an error.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryConnectivity  ErrorCategory = "connectivity"
	CategoryStorage       ErrorCategory = "storage"
	CategoryValidation    ErrorCategory = "validation"
	CategoryAuth          ErrorCategory = "auth"
	CategoryOperation     ErrorCategory = "operation"
	CategoryInternal      ErrorCategory = "internal"
)

// StorageError is a structured error carrying the object and backend it concerns.
type StorageError struct {
	Code     ErrorCode     `json:"code"`
	Category ErrorCategory `json:"category"`
	Message  string        `json:"message"`

	Component string `json:"component,omitempty"`
	Operation string `json:"operation,omitempty"`
	Hash      string `json:"content_hash,omitempty"`
	Tier      string `json:"tier,omitempty"`

	Cause     error     `json:"-"`
	Timestamp time.Time `json:"timestamp"`

	Retryable  bool `json:"retryable"`
	HTTPStatus int  `json:"http_status,omitempty"`
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	var b strings.Builder
	if e.Component != "" {
		b.WriteString("[")
		b.WriteString(e.Component)
		if e.Operation != "" {
			b.WriteString(":")
			b.WriteString(e.Operation)
		}
		b.WriteString("] ")
	}
	fmt.Fprintf(&b, "%s: %s", e.Code, e.Message)
	if e.Tier != "" || e.Hash != "" {
		fmt.Fprintf(&b, " (tier=%s hash=%s)", e.Tier, e.Hash)
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

// Unwrap returns the underlying cause error for error wrapping compatibility.
func (e *StorageError) Unwrap() error {
	return e.Cause
}

// Is matches on error code so errors.Is(err, errors.New(ErrCodeObjectNotFound, "")) works.
func (e *StorageError) Is(target error) bool {
	if other, ok := target.(*StorageError); ok {
		return e.Code == other.Code
	}
	return false
}

// New creates a storage error with default category, retryability and HTTP status.
func New(code ErrorCode, message string) *StorageError {
	return &StorageError{
		Code:       code,
		Category:   GetCategory(code),
		Message:    message,
		Timestamp:  time.Now(),
		Retryable:  IsRetryableByDefault(code),
		HTTPStatus: GetDefaultHTTPStatus(code),
	}
}

// Newf is New with a formatted message.
func Newf(code ErrorCode, format string, args ...any) *StorageError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap creates a storage error with the given cause.
func Wrap(cause error, code ErrorCode, message string) *StorageError {
	return New(code, message).WithCause(cause)
}

// GetCategory determines the category based on the error code prefix.
func GetCategory(code ErrorCode) ErrorCategory {
	s := string(code)
	switch {
	case strings.HasPrefix(s, "CONFIG_"):
		return CategoryConfiguration
	case strings.HasPrefix(s, "CONNECTION_"):
		return CategoryConnectivity
	case strings.HasPrefix(s, "OBJECT_"), strings.HasPrefix(s, "BUCKET_"), strings.HasPrefix(s, "STORAGE_"):
		return CategoryStorage
	case strings.HasPrefix(s, "VALIDATION_"):
		return CategoryValidation
	case strings.HasPrefix(s, "AUTH_"):
		return CategoryAuth
	case strings.HasPrefix(s, "OPERATION_"):
		return CategoryOperation
	default:
		return CategoryInternal
	}
}

// IsRetryableByDefault reports whether an error code is worth retrying.
// Signature and auth failures are never retried: the same request would fail again.
func IsRetryableByDefault(code ErrorCode) bool {
	switch code {
	case ErrCodeConnectivity, ErrCodeConnectionTimeout, ErrCodeBackendUnavailable:
		return true
	}
	return false
}

// GetDefaultHTTPStatus returns the default HTTP status for an error code.
func GetDefaultHTTPStatus(code ErrorCode) int {
	statusMap := map[ErrorCode]int{
		ErrCodeInvalidConfig:      400,
		ErrCodeInvalidHash:        400,
		ErrCodeInvalidTier:        400,
		ErrCodeInvalidRange:       416, // Range Not Satisfiable
		ErrCodeAuthFailed:         403,
		ErrCodeSignature:          403,
		ErrCodeObjectNotFound:     404,
		ErrCodeBucketNotFound:     404,
		ErrCodeIntegrityMismatch:  422,
		ErrCodeInProgress:         409,
		ErrCodeOperationCanceled:  499,
		ErrCodeConfigMissing:      500,
		ErrCodeBackendUnavailable: 503,
		ErrCodeConnectivity:       503,
		ErrCodeConnectionTimeout:  504,
	}
	if status, ok := statusMap[code]; ok {
		return status
	}
	return 500
}

// WithComponent sets the component for an error
func (e *StorageError) WithComponent(component string) *StorageError {
	e.Component = component
	return e
}

// WithOperation sets the operation for an error
func (e *StorageError) WithOperation(operation string) *StorageError {
	e.Operation = operation
	return e
}

// WithObject records the hash and tier the error concerns.
func (e *StorageError) WithObject(hash, tier string) *StorageError {
	e.Hash = hash
	e.Tier = tier
	return e
}

// WithCause sets the underlying cause
func (e *StorageError) WithCause(cause error) *StorageError {
	e.Cause = cause
	return e
}

// WithRetryable overrides the default retry hint.
func (e *StorageError) WithRetryable(retryable bool) *StorageError {
	e.Retryable = retryable
	return e
}

// WithHTTPStatus overrides the default HTTP status.
func (e *StorageError) WithHTTPStatus(status int) *StorageError {
	e.HTTPStatus = status
	return e
}

// CodeOf returns the code of the first StorageError in err's chain, or "" if none.
func CodeOf(err error) ErrorCode {
	var se *StorageError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

// IsNotFound reports whether err means the object is absent from the requested tier.
func IsNotFound(err error) bool {
	return IsCode(err, ErrCodeObjectNotFound)
}

// IsRetryable reports whether err is marked retryable.
func IsRetryable(err error) bool {
	var se *StorageError
	if errors.As(err, &se) {
		return se.Retryable
	}
	return false
}

// HTTPStatus returns the HTTP status associated with err, defaulting to 500.
func HTTPStatus(err error) int {
	var se *StorageError
	if errors.As(err, &se) && se.HTTPStatus != 0 {
		return se.HTTPStatus
	}
	return 500
}
