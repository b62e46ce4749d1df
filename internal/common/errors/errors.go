// Package errors provides custom error types for the Colloquy application.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants
const (
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeBadRequest         = "BAD_REQUEST"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeValidationError    = "VALIDATION_ERROR"
	ErrCodeConversationClosed = "CONVERSATION_CLOSED"
	ErrCodeTurnMismatch       = "TURN_MISMATCH"
	ErrCodeNoOpenTurn         = "NO_OPEN_TURN"
	ErrCodeWrongAgent         = "WRONG_AGENT"
	ErrCodeAgentNotPermitted  = "AGENT_NOT_PERMITTED"
	ErrCodePreconditionFailed = "PRECONDITION_FAILED"
	ErrCodeTransient          = "TRANSIENT"
	ErrCodeFatal              = "FATAL"
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// HasCode reports whether err is (or wraps) an AppError with the given code.
func HasCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// CodeOf returns the error code of err, or INTERNAL_ERROR when err is not an AppError.
func CodeOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternalError
}

// HTTPStatusOf returns the HTTP status for err, or 500 when err is not an AppError.
func HTTPStatusOf(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.HTTPStatus != 0 {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}

// NotFound creates a new not found error for a resource.
func NotFound(resource string, id interface{}) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s with id '%v' not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// BadRequest creates a new bad request error.
func BadRequest(message string) *AppError {
	return &AppError{
		Code:       ErrCodeBadRequest,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// Validation creates a new validation error.
func Validation(message string) *AppError {
	return &AppError{
		Code:       ErrCodeValidationError,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// InternalError creates a new internal server error with a wrapped underlying error.
func InternalError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// ConversationClosed indicates an append was attempted after a terminal event.
func ConversationClosed(conversationID int64) *AppError {
	return &AppError{
		Code:       ErrCodeConversationClosed,
		Message:    fmt.Sprintf("conversation %d is completed; no further events may be appended", conversationID),
		HTTPStatus: http.StatusConflict,
	}
}

// TurnMismatch indicates a supplied turn number disagrees with store state.
func TurnMismatch(supplied, expected int) *AppError {
	return &AppError{
		Code:       ErrCodeTurnMismatch,
		Message:    fmt.Sprintf("turn %d does not match expected turn %d", supplied, expected),
		HTTPStatus: http.StatusConflict,
	}
}

// NoOpenTurn indicates a trace was posted with no turn open.
func NoOpenTurn(conversationID int64) *AppError {
	return &AppError{
		Code:       ErrCodeNoOpenTurn,
		Message:    fmt.Sprintf("conversation %d has no open turn", conversationID),
		HTTPStatus: http.StatusConflict,
	}
}

// WrongAgent indicates an agent tried to write into a turn it does not own.
func WrongAgent(agentID, ownerID string) *AppError {
	return &AppError{
		Code:       ErrCodeWrongAgent,
		Message:    fmt.Sprintf("agent '%s' does not own the open turn (owner: '%s')", agentID, ownerID),
		HTTPStatus: http.StatusConflict,
	}
}

// AgentNotPermitted indicates an agent id is not declared in the conversation metadata.
func AgentNotPermitted(agentID string) *AppError {
	return &AppError{
		Code:       ErrCodeAgentNotPermitted,
		Message:    fmt.Sprintf("agent '%s' is not a participant in this conversation", agentID),
		HTTPStatus: http.StatusForbidden,
	}
}

// PreconditionFailed indicates an optimistic precondition did not hold.
func PreconditionFailed(message string) *AppError {
	return &AppError{
		Code:       ErrCodePreconditionFailed,
		Message:    message,
		HTTPStatus: http.StatusPreconditionFailed,
	}
}

// Transient wraps a provider/network failure that is safe to retry.
func Transient(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeTransient,
		Message:    message,
		HTTPStatus: http.StatusServiceUnavailable,
		Err:        err,
	}
}

// Fatal wraps an unrecoverable host-side condition.
func Fatal(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeFatal,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// IsTransient reports whether err is safe to retry.
func IsTransient(err error) bool {
	return HasCode(err, ErrCodeTransient)
}
