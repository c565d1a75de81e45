package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"foreman/pkg/feedback"
	"foreman/pkg/logx"
	"foreman/pkg/orchestrator"
	"foreman/pkg/persistence"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrInvalidInput = errors.New("invalid input")
	// ErrJobNotCompleted is returned when feedback targets a job that did not complete.
	ErrJobNotCompleted = errors.New("job is not completed")
	// ErrNoJob is returned when cancelling an issue that never got a job.
	ErrNoJob = errors.New("issue has no job")
)

// ValidationError is a field-level request validation failure.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// Envelope wraps every JSON response.
type Envelope struct {
	Data  any       `json:"data,omitempty"`
	Error *APIError `json:"error,omitempty"`
}

type APIError struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
}

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// JSON writes data inside the envelope.
func JSON(c echo.Context, status int, data any) error {
	return c.JSON(status, Envelope{Data: data})
}

// NewErrorHandler maps domain errors to status codes and the error envelope.
func NewErrorHandler(logger *logx.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		status, apiErr := mapError(err)
		if status >= http.StatusInternalServerError {
			logger.Error("%s %s: %v", c.Request().Method, c.Request().URL.Path, err)
		}
		if jsonErr := c.JSON(status, Envelope{Error: &apiErr}); jsonErr != nil {
			logger.Error("failed to send error response: %v", jsonErr)
		}
	}
}

func mapError(err error) (int, APIError) {
	var echoErr *echo.HTTPError
	if errors.As(err, &echoErr) {
		msg, _ := echoErr.Message.(string)
		if msg == "" {
			msg = http.StatusText(echoErr.Code)
		}
		return echoErr.Code, APIError{Code: http.StatusText(echoErr.Code), Message: msg}
	}

	var validationErr *ValidationError
	switch {
	case errors.As(err, &validationErr):
		return http.StatusBadRequest, APIError{
			Code:    "validation_error",
			Message: "Validation failed",
			Details: []FieldError{{Field: validationErr.Field, Message: validationErr.Message}},
		}
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest, APIError{Code: "invalid_input", Message: err.Error()}
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, APIError{Code: "unauthorized", Message: "Authentication is required"}
	case errors.Is(err, persistence.ErrNotFound):
		return http.StatusNotFound, APIError{Code: "not_found", Message: "The requested resource was not found"}
	case errors.Is(err, orchestrator.ErrDisabled):
		return http.StatusServiceUnavailable, APIError{Code: "disabled", Message: "Issue processing is disabled"}
	case errors.Is(err, feedback.ErrInvalidTransition):
		return http.StatusConflict, APIError{Code: "invalid_transition", Message: err.Error()}
	case errors.Is(err, persistence.ErrTerminal),
		errors.Is(err, persistence.ErrActiveJobExists),
		errors.Is(err, orchestrator.ErrNotResubmittable),
		errors.Is(err, ErrJobNotCompleted),
		errors.Is(err, ErrNoJob):
		return http.StatusConflict, APIError{Code: "conflict", Message: err.Error()}
	default:
		return http.StatusInternalServerError, APIError{Code: "internal_error", Message: "An unexpected error occurred"}
	}
}
