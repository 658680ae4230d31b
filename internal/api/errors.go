package api

import (
	"errors"
	"fmt"

	"github.com/soundchain/notifier/internal/store"
)

// Error represents an API error with a JSON-RPC code
type Error struct {
	Code    int
	Message string
}

// NewError creates a new API error
func NewError(code int, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Error implements the error interface
func (e *Error) Error() string {
	return fmt.Sprintf("API error %d: %s", e.Code, e.Message)
}

// invalidParams builds an ErrInvalidParams error
func invalidParams(format string, args ...interface{}) *Error {
	return NewError(ErrInvalidParams, fmt.Sprintf(format, args...))
}

// errorCode maps a handler error to its JSON-RPC code and message
func errorCode(err error) (int, string) {
	var apiErr *Error
	switch {
	case errors.As(err, &apiErr):
		if apiErr.Code == ErrInvalidParams {
			return apiErr.Code, "Invalid params"
		}
		return apiErr.Code, apiErr.Message
	case errors.Is(err, store.ErrNotFound):
		return ErrNotFound, "Not found"
	default:
		return ErrServerError, "Server error"
	}
}
