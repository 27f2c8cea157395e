package domain

import (
	"errors"
	"fmt"
)

// ErrorCode is the code carried in an error frame.
type ErrorCode string

const (
	CodeAuth          ErrorCode = "AUTH_ERROR"
	CodeValidation    ErrorCode = "VALIDATION_ERROR"
	CodeAuthorization ErrorCode = "AUTHORIZATION_ERROR"
	CodeStorage       ErrorCode = "STORAGE_ERROR"
	CodeInternal      ErrorCode = "INTERNAL_ERROR"
)

// Error is a failure reported back to the originating connection.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NewError(code ErrorCode, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

func ValidationError(format string, args ...any) *Error {
	return &Error{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

func AuthorizationError(message string) *Error {
	return &Error{Code: CodeAuthorization, Message: message}
}

// CodeOf returns the code of the first *Error in err's chain, or
// INTERNAL_ERROR.
func CodeOf(err error) ErrorCode {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// PublicMessage returns the message safe to send to clients.
func PublicMessage(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Message
	}
	return "internal error"
}
