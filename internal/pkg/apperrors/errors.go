package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

type ErrorType string

const (
	ErrValidation      ErrorType = "VALIDATION_ERROR"
	ErrMalformedRow    ErrorType = "MALFORMED_ROW"
	ErrExternalService ErrorType = "EXTERNAL_SERVICE_ERROR"
	ErrNotFound        ErrorType = "NOT_FOUND"
	ErrConflict        ErrorType = "CONFLICT"
	ErrInternal        ErrorType = "INTERNAL_ERROR"
)

// AppError is the standard error struct for the application
type AppError struct {
	Type       ErrorType `json:"code"`
	Message    string    `json:"message"`
	Suggestion string    `json:"suggestion,omitempty"`
	HTTPStatus int       `json:"-"`
	Cause      error     `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func New(errType ErrorType, msg string, cause error) *AppError {
	return &AppError{
		Type:       errType,
		Message:    msg,
		Cause:      cause,
		HTTPStatus: mapTypeToStatus(errType),
		Suggestion: mapTypeToSuggestion(errType),
	}
}

func NewValidation(msg string) *AppError {
	return New(ErrValidation, msg, nil)
}

// MissingHeadersError lists the required CSV headers absent from an upload, sorted.
type MissingHeadersError struct {
	Missing []string
}

func (e *MissingHeadersError) Error() string {
	return fmt.Sprintf("missing required CSV headers: %v", e.Missing)
}

func NewMissingHeaders(missing []string) *AppError {
	cause := &MissingHeadersError{Missing: missing}
	return &AppError{
		Type:       ErrValidation,
		Message:    cause.Error(),
		HTTPStatus: mapTypeToStatus(ErrValidation),
		Suggestion: mapTypeToSuggestion(ErrValidation),
		Cause:      cause,
	}
}

// NewMalformedRow reports a row whose timestamp could not be parsed. The
// whole ingestion is aborted when one is returned.
func NewMalformedRow(line int, msg string, cause error) *AppError {
	return New(ErrMalformedRow, fmt.Sprintf("line %d: %s", line, msg), cause)
}

func NewExternalService(msg string, cause error) *AppError {
	return New(ErrExternalService, msg, cause)
}

func NewNotFound(msg string) *AppError {
	return New(ErrNotFound, msg, nil)
}

func Wrap(err error) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return New(ErrInternal, err.Error(), err)
}

// IsType reports whether err carries an AppError of the given type anywhere in its chain.
func IsType(err error, t ErrorType) bool {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return false
	}
	return appErr.Type == t
}

func mapTypeToStatus(t ErrorType) int {
	switch t {
	case ErrValidation:
		return http.StatusBadRequest
	case ErrMalformedRow:
		return http.StatusUnprocessableEntity
	case ErrNotFound:
		return http.StatusNotFound
	case ErrConflict:
		return http.StatusConflict
	case ErrExternalService:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func mapTypeToSuggestion(t ErrorType) string {
	switch t {
	case ErrValidation:
		return "Check the CSV header row and request parameters."
	case ErrMalformedRow:
		return "Timestamps must look like YYYY-MM-DD HH:MM:SS[.ffffff]."
	case ErrExternalService:
		return "The AI judge can be retried by re-triggering the review."
	default:
		return ""
	}
}
