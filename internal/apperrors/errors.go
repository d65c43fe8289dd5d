// Package apperrors is the error taxonomy surfaced to callers of the entity
// store. Each error carries a stable code, an HTTP status and a gRPC code so
// transport layers can map it without inspecting messages.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind classifies an application error.
type Kind string

const (
	KindBadRequest   Kind = "BAD_REQUEST"
	KindUnauthorized Kind = "UNAUTHORIZED"
	KindForbidden    Kind = "FORBIDDEN"
	KindNotFound     Kind = "NOT_FOUND"
	KindConflict     Kind = "CONFLICT"
	KindValidation   Kind = "VALIDATION_FAILED"
)

// Sentinels for errors.Is matching by kind.
var (
	ErrBadRequest   = &Error{Kind: KindBadRequest, Message: "bad request"}
	ErrUnauthorized = &Error{Kind: KindUnauthorized, Message: "unauthorized"}
	ErrForbidden    = &Error{Kind: KindForbidden, Message: "forbidden"}
	ErrNotFound     = &Error{Kind: KindNotFound, Message: "not found"}
	ErrConflict     = &Error{Kind: KindConflict, Message: "conflict"}
	ErrValidation   = &Error{Kind: KindValidation, Message: "validation failed"}
)

// FieldError is one failing field of a validation error.
type FieldError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// Error is an application error.
type Error struct {
	Kind    Kind         `json:"code"`
	Message string       `json:"message"`
	Fields  []FieldError `json:"fields,omitempty"`
	cause   error
}

func (e *Error) Error() string {
	if len(e.Fields) == 0 {
		return e.Message
	}
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Path+": "+f.Message)
	}
	return e.Message + ": " + strings.Join(parts, "; ")
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Code returns the stable machine-readable code.
func (e *Error) Code() string {
	return string(e.Kind)
}

// Status returns the HTTP status for the error.
func (e *Error) Status() int {
	switch e.Kind {
	case KindBadRequest, KindValidation:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// GRPCStatus lets status.FromError convert the error.
func (e *Error) GRPCStatus() *status.Status {
	var c codes.Code
	switch e.Kind {
	case KindBadRequest, KindValidation:
		c = codes.InvalidArgument
	case KindUnauthorized:
		c = codes.Unauthenticated
	case KindForbidden:
		c = codes.PermissionDenied
	case KindNotFound:
		c = codes.NotFound
	case KindConflict:
		c = codes.AlreadyExists
	default:
		c = codes.Internal
	}
	return status.New(c, e.Error())
}

func newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// BadRequest returns a malformed-input error.
func BadRequest(format string, args ...any) *Error { return newf(KindBadRequest, format, args...) }

// Unauthorized returns a missing-identity error.
func Unauthorized(format string, args ...any) *Error { return newf(KindUnauthorized, format, args...) }

// Forbidden returns a permission error.
func Forbidden(format string, args ...any) *Error { return newf(KindForbidden, format, args...) }

// NotFound returns a not-found error.
func NotFound(format string, args ...any) *Error { return newf(KindNotFound, format, args...) }

// Conflict returns a conflict error wrapping cause.
func Conflict(cause error, format string, args ...any) *Error {
	e := newf(KindConflict, format, args...)
	e.cause = cause
	return e
}

// Validation returns a validation error listing every failing field.
func Validation(message string, fields []FieldError) *Error {
	return &Error{Kind: KindValidation, Message: message, Fields: fields}
}

// As extracts an *Error from err.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// StatusOf returns the HTTP status for err, 500 for non-application errors.
func StatusOf(err error) int {
	if e, ok := As(err); ok {
		return e.Status()
	}
	return http.StatusInternalServerError
}
