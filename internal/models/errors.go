package models

import (
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"
)

// Error codes carried by AppError.
const (
	CodeFetch        = "FETCH_ERROR"
	CodeTransaction  = "TRANSACTION_ERROR"
	CodeMutation     = "MUTATION_ERROR"
	CodeUpload       = "UPLOAD_ERROR"
	CodeParse        = "PARSE_ERROR"
	CodeNotFound     = "NOT_FOUND"
	CodeValidation   = "VALIDATION_ERROR"
	CodeUnauthorized = "UNAUTHORIZED"
	CodeForbidden    = "FORBIDDEN"
	CodeInternal     = "INTERNAL_ERROR"
)

// ErrorResponse represents a standardized API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// AppError represents a custom application error
type AppError struct {
	Code    string
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

// IsCode reports whether err is, or wraps, an AppError with the given code.
func IsCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// NewFetchError wraps a network/backend failure during a page fetch.
func NewFetchError(err error) *AppError {
	return &AppError{
		Code:    CodeFetch,
		Message: "Failed to fetch feed page",
		Err:     err,
	}
}

// NewTransactionError wraps a failed page+cursor write. The write was rolled back.
func NewTransactionError(err error) *AppError {
	return &AppError{
		Code:    CodeTransaction,
		Message: "Failed to write feed page",
		Err:     err,
	}
}

// NewMutationError wraps a failed remote confirmation of an optimistic write.
func NewMutationError(op string, err error) *AppError {
	return &AppError{
		Code:    CodeMutation,
		Message: fmt.Sprintf("Failed to %s", op),
		Err:     err,
	}
}

// NewUploadError wraps a background media upload failure.
func NewUploadError(err error) *AppError {
	return &AppError{
		Code:    CodeUpload,
		Message: "Media upload failed",
		Err:     err,
	}
}

func NewNotFoundError(resource string, id interface{}) *AppError {
	return &AppError{
		Code:    CodeNotFound,
		Message: fmt.Sprintf("%s with ID %v not found", resource, id),
	}
}

func NewValidationError(message string) *AppError {
	return &AppError{
		Code:    CodeValidation,
		Message: message,
	}
}

func NewUnauthorizedError(message string) *AppError {
	return &AppError{
		Code:    CodeUnauthorized,
		Message: message,
	}
}

func NewForbiddenError(message string) *AppError {
	return &AppError{
		Code:    CodeForbidden,
		Message: message,
	}
}

func NewInternalError(err error) *AppError {
	return &AppError{
		Code:    CodeInternal,
		Message: "Internal server error",
		Err:     err,
	}
}

// ParseError is returned when a stored enum value is outside its closed set.
type ParseError struct {
	Kind  string
	Value string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid %s %q", e.Kind, e.Value)
}

// NewParseAppError wraps a ParseError so it can travel with the other AppError codes.
func NewParseAppError(err *ParseError) *AppError {
	return &AppError{
		Code:    CodeParse,
		Message: "Malformed stored value",
		Err:     err,
	}
}

// RespondWithError writes a standardized JSON error response.
func RespondWithError(c *fiber.Ctx, status int, err error) error {
	var response ErrorResponse

	var appErr *AppError
	if errors.As(err, &appErr) {
		response = ErrorResponse{
			Error: appErr.Message,
			Code:  appErr.Code,
		}
		if appErr.Err != nil {
			response.Details = appErr.Err.Error()
		}
	} else {
		response = ErrorResponse{
			Error: err.Error(),
		}
	}

	return c.Status(status).JSON(response)
}

// StatusCode maps an error to the HTTP status it is reported with.
func StatusCode(err error) int {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return fiber.StatusInternalServerError
	}
	switch appErr.Code {
	case CodeValidation, CodeParse:
		return fiber.StatusBadRequest
	case CodeUnauthorized:
		return fiber.StatusUnauthorized
	case CodeForbidden:
		return fiber.StatusForbidden
	case CodeNotFound:
		return fiber.StatusNotFound
	case CodeFetch, CodeMutation, CodeUpload:
		return fiber.StatusBadGateway
	default:
		return fiber.StatusInternalServerError
	}
}
