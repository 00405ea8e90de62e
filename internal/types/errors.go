package types

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Error code constants. The prefix determines the error class; callers use
// the class to decide between showing stale data and surfacing a hard failure.
const (
	// Input (fatal to one refresh cycle, never retried internally)
	ErrCodeInputEmptyHouse     ErrorCode = "input_empty_house_series"
	ErrCodeInputMissingColumn  ErrorCode = "input_missing_column"
	ErrCodeInputMalformed      ErrorCode = "input_malformed_series"
	ErrCodeInputInvalidWindow  ErrorCode = "input_invalid_window"
	ErrCodeInputInvalidFreq    ErrorCode = "input_invalid_frequency"

	// Configuration (validated at build time, not mid-scan)
	ErrCodeConfigInvalidDetection ErrorCode = "config_invalid_detection"
	ErrCodeConfigInvalid          ErrorCode = "config_invalid"

	// Series Source collaborator
	ErrCodeSourceUnavailable ErrorCode = "source_unavailable"
	ErrCodeSourceRateLimited ErrorCode = "source_rate_limited"
	ErrCodeSourceBadQuery    ErrorCode = "source_bad_query"
	ErrCodeSourceNoData      ErrorCode = "source_no_data"

	// Label Store collaborator
	ErrCodeStoreFailure      ErrorCode = "store_failure"
	ErrCodeStoreInvalidLabel ErrorCode = "store_invalid_label"

	// HTTP surface
	ErrCodeValidationMissingField ErrorCode = "validation_missing_required_field"
	ErrCodeValidationInvalidLabel ErrorCode = "validation_invalid_label"
	ErrCodeValidationInvalidTime  ErrorCode = "validation_invalid_timestamp"
	ErrCodeValidationInvalidParam ErrorCode = "validation_invalid_parameter"
	ErrCodeNotFoundSegment        ErrorCode = "not_found_segment"
	ErrCodeNotFoundResult         ErrorCode = "not_found_result"

	// Internal
	ErrCodeInternalUnexpected ErrorCode = "internal_unexpected_error"
)

// HTTPStatus maps an ErrorCode to its corresponding HTTP status code.
// Returns 500 for unrecognized error codes.
func (c ErrorCode) HTTPStatus() int {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "validation_"), strings.HasPrefix(s, "input_"):
		return http.StatusBadRequest // 400
	case s == string(ErrCodeStoreInvalidLabel):
		return http.StatusBadRequest // 400
	case strings.HasPrefix(s, "not_found_"):
		return http.StatusNotFound // 404
	case s == string(ErrCodeSourceNoData):
		return http.StatusNotFound // 404
	case s == string(ErrCodeSourceRateLimited):
		return http.StatusTooManyRequests // 429
	case strings.HasPrefix(s, "source_"):
		return http.StatusBadGateway // 502
	case strings.HasPrefix(s, "config_"), strings.HasPrefix(s, "store_"), strings.HasPrefix(s, "internal_"):
		return http.StatusInternalServerError // 500
	default:
		return http.StatusInternalServerError // 500
	}
}

// Class returns the prefix portion of the code ("input", "source", ...).
func (c ErrorCode) Class() string {
	s := string(c)
	if i := strings.IndexByte(s, '_'); i > 0 {
		return s[:i]
	}
	return s
}

// AppError is the standard application error type used throughout LoadIQ.
// Domain, collaborator and handler errors are all expressed as AppError so
// that callers can classify failures with errors.As.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the HTTP status code corresponding to this error's code.
func (e *AppError) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

// WithDetails returns a copy of the error with the provided details merged in.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	merged := make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	return &AppError{
		Code:    e.Code,
		Message: e.Message,
		Err:     e.Err,
		Details: merged,
	}
}

// NewAppError creates a new AppError with the given code, message, and optional
// underlying error.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewAppErrorWithDetails creates a new AppError with structured details.
func NewAppErrorWithDetails(code ErrorCode, message string, err error, details map[string]any) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: details,
	}
}

// CodeOf returns the code of the outermost AppError in err's chain, or the
// empty code if there is none.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

// IsClass reports whether err carries a code of the given class
// ("input", "config", "source", "store").
func IsClass(err error, class string) bool {
	code := CodeOf(err)
	return code != "" && code.Class() == class
}
