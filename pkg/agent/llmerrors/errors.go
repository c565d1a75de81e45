// Package llmerrors classifies completion service failures so callers can decide whether to retry.
package llmerrors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorType categorizes completion service errors.
type ErrorType int8

const (
	// ErrorTypeRateLimit is a 429 or quota error. Retryable.
	ErrorTypeRateLimit ErrorType = iota
	// ErrorTypeTransient is a 5xx, reset connection or timeout. Retryable.
	ErrorTypeTransient
	// ErrorTypeEmptyResponse is a successful call with no content and no tool calls. Retryable.
	ErrorTypeEmptyResponse
	// ErrorTypeAuth is a 401/403 or missing key.
	ErrorTypeAuth
	// ErrorTypeBadPrompt is a 400-class rejection of the request itself.
	ErrorTypeBadPrompt
	// ErrorTypeUnknown is anything unclassified. Retryable once by default.
	ErrorTypeUnknown
	// ErrorTypeServiceUnavailable is emitted after retries for a retryable error are exhausted.
	ErrorTypeServiceUnavailable
)

// String returns the string representation of the error type.
func (et ErrorType) String() string {
	switch et {
	case ErrorTypeRateLimit:
		return "rate_limit"
	case ErrorTypeTransient:
		return "transient"
	case ErrorTypeEmptyResponse:
		return "empty_response"
	case ErrorTypeAuth:
		return "auth"
	case ErrorTypeBadPrompt:
		return "bad_prompt"
	case ErrorTypeUnknown:
		return "unknown"
	case ErrorTypeServiceUnavailable:
		return "service_unavailable"
	default:
		return "invalid"
	}
}

// Error represents a classified completion error.
type Error struct {
	Err        error
	Message    string
	Type       ErrorType
	StatusCode int
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("LLM error (%s): %s", e.Type.String(), e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("LLM error (%s): %v", e.Type.String(), e.Err)
	}
	return fmt.Sprintf("LLM error (%s): status %d", e.Type.String(), e.StatusCode)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetryable uses a blocklist: everything is retryable unless explicitly not.
func (e *Error) IsRetryable() bool {
	switch e.Type {
	case ErrorTypeAuth, ErrorTypeBadPrompt, ErrorTypeServiceUnavailable:
		return false
	default:
		return true
	}
}

// Is checks if an error is of a specific type.
func Is(err error, errorType ErrorType) bool {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.Type == errorType
	}
	return false
}

// TypeOf returns the error type of an error, or ErrorTypeUnknown if not classified.
func TypeOf(err error) ErrorType {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.Type
	}
	return ErrorTypeUnknown
}

// IsRetryable reports whether err is worth another attempt. Context errors never are.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.IsRetryable()
	}
	return Classify(err).IsRetryable()
}

// NewError creates a new classified error.
func NewError(errorType ErrorType, message string) *Error {
	return &Error{Type: errorType, Message: message}
}

// NewErrorWithCause creates a classified error wrapping another error.
func NewErrorWithCause(errorType ErrorType, cause error, message string) *Error {
	return &Error{Type: errorType, Err: cause, Message: message}
}

// FromStatus classifies an HTTP status returned by a provider.
func FromStatus(status int, cause error) *Error {
	t := ErrorTypeUnknown
	switch {
	case status == http.StatusTooManyRequests:
		t = ErrorTypeRateLimit
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		t = ErrorTypeAuth
	case status == http.StatusRequestTimeout || status >= 500:
		t = ErrorTypeTransient
	case status >= 400:
		t = ErrorTypeBadPrompt
	}
	return &Error{Type: t, StatusCode: status, Err: cause}
}

// Classify inspects an unclassified provider error by its message. Used for
// SDKs that do not expose a typed status.
func Classify(err error) *Error {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr
	}
	msg := strings.ToLower(err.Error())
	t := ErrorTypeUnknown
	switch {
	case strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") || strings.Contains(msg, "quota"):
		t = ErrorTypeRateLimit
	case strings.Contains(msg, "401") || strings.Contains(msg, "403") || strings.Contains(msg, "api key"):
		t = ErrorTypeAuth
	case strings.Contains(msg, "500") || strings.Contains(msg, "502") || strings.Contains(msg, "503") ||
		strings.Contains(msg, "504") || strings.Contains(msg, "overloaded") ||
		strings.Contains(msg, "connection") || strings.Contains(msg, "timeout") || strings.Contains(msg, "eof"):
		t = ErrorTypeTransient
	case strings.Contains(msg, "400") || strings.Contains(msg, "invalid"):
		t = ErrorTypeBadPrompt
	}
	return &Error{Type: t, Err: err}
}

// NewServiceUnavailableError wraps the last retryable error once retries are exhausted.
func NewServiceUnavailableError(cause error, attempts int) *Error {
	return &Error{
		Type:    ErrorTypeServiceUnavailable,
		Err:     cause,
		Message: fmt.Sprintf("service unavailable after %d attempts: %v", attempts, cause),
	}
}
