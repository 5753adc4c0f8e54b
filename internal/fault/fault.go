// Package fault is the engine's error taxonomy. Every error that crosses the
// engine boundary is (or wraps) a *Error carrying a stable code and the HTTP
// status it maps to.
package fault

import (
	"errors"
	"net/http"
)

const (
	CodeUnauthorized   = "UNAUTHORIZED"
	CodeForbidden      = "FORBIDDEN"
	CodeNotFound       = "NOT_FOUND"
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeInvalidAction  = "INVALID_ACTION"
	CodeAlreadyActed   = "ALREADY_ACTED"
	CodeConflict       = "CONFLICT"
	CodeInternal       = "INTERNAL_ERROR"
)

type Error struct {
	Code    string
	Status  int
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

func Unauthorized(msg string) *Error {
	if msg == "" {
		msg = "missing or invalid authentication token"
	}
	return &Error{Code: CodeUnauthorized, Status: http.StatusUnauthorized, Message: msg}
}

func Forbidden(msg string) *Error {
	if msg == "" {
		msg = "not permitted"
	}
	return &Error{Code: CodeForbidden, Status: http.StatusForbidden, Message: msg}
}

func NotFound(msg string) *Error {
	if msg == "" {
		msg = "resource not found"
	}
	return &Error{Code: CodeNotFound, Status: http.StatusNotFound, Message: msg}
}

func InvalidRequest(msg string) *Error {
	if msg == "" {
		msg = "invalid request"
	}
	return &Error{Code: CodeInvalidRequest, Status: http.StatusBadRequest, Message: msg}
}

func InvalidAction(msg string) *Error {
	if msg == "" {
		msg = "invalid action"
	}
	return &Error{Code: CodeInvalidAction, Status: http.StatusBadRequest, Message: msg}
}

func AlreadyActed(msg string) *Error {
	if msg == "" {
		msg = "already submitted action this phase"
	}
	return &Error{Code: CodeAlreadyActed, Status: http.StatusBadRequest, Message: msg}
}

func Conflict(msg string) *Error {
	if msg == "" {
		msg = "conflict"
	}
	return &Error{Code: CodeConflict, Status: http.StatusConflict, Message: msg}
}

func Internal(msg string) *Error {
	if msg == "" {
		msg = "internal error"
	}
	return &Error{Code: CodeInternal, Status: http.StatusInternalServerError, Message: msg}
}

// From unwraps err to a *Error, or wraps it as an internal error so the HTTP
// layer always has a code and status to write.
func From(err error) *Error {
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	return Internal(err.Error())
}

// Is reports whether err carries the given code.
func Is(err error, code string) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Code == code
}
