// Package models defines the core data structures shared across the service.
package models

import (
	"fmt"
	"net/http"
)

// ErrorCode defines specific error types surfaced to API callers.
type ErrorCode string

const (
	// ErrorCodeValidationFailed is returned when input data fails schema validation
	ErrorCodeValidationFailed ErrorCode = "VALIDATION_FAILED"
	// ErrorCodeMissingField is returned when a required field is missing
	ErrorCodeMissingField ErrorCode = "MISSING_FIELD"
	// ErrorCodeInvalidFormat is returned when a field has an invalid format
	ErrorCodeInvalidFormat ErrorCode = "INVALID_FORMAT"

	// ErrorCodeNotFound is returned when a resource is not found
	ErrorCodeNotFound ErrorCode = "NOT_FOUND"
	// ErrorCodeDatasetNotFound is returned when a dataset is not found
	ErrorCodeDatasetNotFound ErrorCode = "DATASET_NOT_FOUND"
	// ErrorCodeLineNotFound is returned when a dataset line is not found
	ErrorCodeLineNotFound ErrorCode = "LINE_NOT_FOUND"

	// ErrorCodeUnsupportedType is returned for file media types the
	// ingestion pipeline cannot parse
	ErrorCodeUnsupportedType ErrorCode = "UNSUPPORTED_MEDIA_TYPE"
	// ErrorCodeBadEncoding is returned when a bulk payload encoding itself
	// is malformed and the whole batch is rejected
	ErrorCodeBadEncoding ErrorCode = "BAD_ENCODING"

	// ErrorCodeStorageError is returned when a storage operation fails
	ErrorCodeStorageError ErrorCode = "STORAGE_ERROR"
	// ErrorCodeInternal is returned when an unexpected server error occurs
	ErrorCodeInternal ErrorCode = "INTERNAL_ERROR"
	// ErrorCodeConflict is returned when there is a resource conflict
	ErrorCodeConflict ErrorCode = "CONFLICT"
	// ErrorCodeForbidden is returned when a caller lacks the privilege for
	// an operation (e.g. backdating _updatedAt)
	ErrorCodeForbidden ErrorCode = "FORBIDDEN"
)

// ErrorDetails defines the structured error information in a response.
type ErrorDetails struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// ErrorResponse is the standard API error response.
type ErrorResponse struct {
	Error   ErrorDetails   `json:"error"`
	Details map[string]any `json:"details,omitempty"`
}

// ErrorWithStatus is an error that includes an HTTP status code and error code.
type ErrorWithStatus interface {
	Error() string
	StatusCode() int
	Code() ErrorCode
	Details() map[string]any
}

// APIError is a concrete error type with status code, code, and optional details.
type APIError struct {
	statusCode int
	code       ErrorCode
	message    string
	details    map[string]any
	wrappedErr error
}

// NewAPIError creates a new APIError with the given status code and message.
func NewAPIError(statusCode int, code ErrorCode, message string) *APIError {
	return &APIError{
		statusCode: statusCode,
		code:       code,
		message:    message,
		details:    make(map[string]any),
	}
}

// WithDetail adds a single detail to the error.
func (e *APIError) WithDetail(key string, value any) *APIError {
	if e.details == nil {
		e.details = make(map[string]any)
	}
	e.details[key] = value
	return e
}

// Wrap wraps an underlying error.
func (e *APIError) Wrap(err error) *APIError {
	e.wrappedErr = err
	return e
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.wrappedErr != nil {
		return fmt.Sprintf("%s: %v", e.message, e.wrappedErr)
	}
	return e.message
}

// StatusCode returns the HTTP status code.
func (e *APIError) StatusCode() int {
	return e.statusCode
}

// Code returns the error code.
func (e *APIError) Code() ErrorCode {
	return e.code
}

// Details returns additional error details.
func (e *APIError) Details() map[string]any {
	return e.details
}

// Unwrap returns the wrapped error if any.
func (e *APIError) Unwrap() error {
	return e.wrappedErr
}

// Predefined error constructors for common cases

// NotFound creates a 404 Not Found error.
func NotFound(resource string) *APIError {
	return NewAPIError(http.StatusNotFound, ErrorCodeNotFound, fmt.Sprintf("%s not found", resource))
}

// DatasetNotFound creates a 404 error for an unknown dataset.
func DatasetNotFound(id string) *APIError {
	return NewAPIError(http.StatusNotFound, ErrorCodeDatasetNotFound, fmt.Sprintf("dataset %q not found", id))
}

// LineNotFound creates a 404 error for an unknown dataset line.
func LineNotFound(id string) *APIError {
	return NewAPIError(http.StatusNotFound, ErrorCodeLineNotFound, fmt.Sprintf("line %q not found", id))
}

// BadRequest creates a 400 Bad Request error.
func BadRequest(message string) *APIError {
	return NewAPIError(http.StatusBadRequest, ErrorCodeValidationFailed, message)
}

// MissingField creates a 400 Bad Request error for a missing field.
func MissingField(fieldName string) *APIError {
	return NewAPIError(http.StatusBadRequest, ErrorCodeMissingField, fmt.Sprintf("Missing required field: %s", fieldName))
}

// InvalidFieldType creates a 400 error identifying the offending field.
func InvalidFieldType(fieldName, expected string) *APIError {
	return NewAPIError(http.StatusBadRequest, ErrorCodeInvalidFormat,
		fmt.Sprintf("field %q does not match schema type %q", fieldName, expected)).
		WithDetail("field", fieldName).
		WithDetail("expected", expected)
}

// UnknownField creates a 400 error for a field absent from the schema.
func UnknownField(fieldName string) *APIError {
	return NewAPIError(http.StatusBadRequest, ErrorCodeValidationFailed,
		fmt.Sprintf("field %q is not present in the dataset schema", fieldName)).
		WithDetail("field", fieldName)
}

// UnsupportedType creates a 415 error for unparsable file media types.
func UnsupportedType(mimeType string) *APIError {
	return NewAPIError(http.StatusUnsupportedMediaType, ErrorCodeUnsupportedType,
		fmt.Sprintf("dataset file type is not supported: %s", mimeType))
}

// BadEncoding creates a 400 error rejecting a whole bulk batch.
func BadEncoding(message string) *APIError {
	return NewAPIError(http.StatusBadRequest, ErrorCodeBadEncoding, message)
}

// Conflict creates a 409 error for a resource conflict.
func Conflict(message string) *APIError {
	return NewAPIError(http.StatusConflict, ErrorCodeConflict, message)
}

// Forbidden returns a 403 Forbidden error.
func Forbidden(message string) *APIError {
	return NewAPIError(http.StatusForbidden, ErrorCodeForbidden, message)
}

// Internal returns a 500 Internal Server Error.
func Internal(message string) *APIError {
	return NewAPIError(http.StatusInternalServerError, ErrorCodeInternal, message)
}

// InternalWithError creates a 500 error wrapping an underlying error.
func InternalWithError(message string, err error) *APIError {
	return Internal(message).Wrap(err)
}
