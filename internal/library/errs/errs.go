// Package errs holds the error model shared by the circulation components.
// Every failure the engine reports to a caller is an *APIError carrying one of
// the Code values below; anything else is treated as an internal error.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

type Code string

const (
	CodeNotFound            Code = "NOT_FOUND"
	CodeAlreadyHolding      Code = "ALREADY_HOLDING"
	CodeAlreadyQueued       Code = "ALREADY_QUEUED"
	CodeNoCopiesAvailable   Code = "NO_COPIES_AVAILABLE"
	CodeCopiesAvailable     Code = "COPIES_AVAILABLE" // guidance: retry as borrow
	CodeAlreadyReturned     Code = "ALREADY_RETURNED"
	CodeInvalidState        Code = "INVALID_STATE"
	CodeConstraintViolation Code = "CONSTRAINT_VIOLATION"
	CodeInUse               Code = "IN_USE"
	CodeConflict            Code = "CONFLICT" // duplicate isbn
	CodeInvalidArgument     Code = "INVALID_ARGUMENT"
	CodeForbidden           Code = "FORBIDDEN"
	CodeInternal            Code = "INTERNAL"
)

type APIError struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

func New(code Code, format string, args ...any) *APIError {
	return &APIError{Code: code, Message: fmt.Sprintf(format, args...)}
}

func ErrInvalid(msg string) *APIError   { return &APIError{Code: CodeInvalidArgument, Message: msg} }
func ErrForbidden(msg string) *APIError { return &APIError{Code: CodeForbidden, Message: msg} }
func ErrInternal(msg string) *APIError  { return &APIError{Code: CodeInternal, Message: msg} }

// CodeOf returns the kind of err, or CodeInternal for errors outside the model.
func CodeOf(err error) Code {
	var api *APIError
	if errors.As(err, &api) {
		return api.Code
	}
	return CodeInternal
}

// Is reports whether err carries the given kind.
func Is(err error, code Code) bool {
	var api *APIError
	return errors.As(err, &api) && api.Code == code
}

func ToHTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeInvalidArgument:
		return http.StatusBadRequest
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeAlreadyHolding, CodeAlreadyQueued, CodeNoCopiesAvailable, CodeCopiesAvailable,
		CodeAlreadyReturned, CodeInvalidState, CodeInUse, CodeConflict:
		return http.StatusConflict
	case CodeConstraintViolation:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
