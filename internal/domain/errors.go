package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies failures into the stable taxonomy surfaced to callers.
type ErrorKind string

const (
	KindNotFound           ErrorKind = "NOT_FOUND"
	KindGone               ErrorKind = "GONE"
	KindConflict           ErrorKind = "CONFLICT"
	KindInvalidRequest     ErrorKind = "INVALID_REQUEST"
	KindInvalidField       ErrorKind = "INVALID_FIELD"
	KindMissingField       ErrorKind = "MISSING_FIELD"
	KindForbidden          ErrorKind = "FORBIDDEN"
	KindUnprocessable      ErrorKind = "UNPROCESSABLE"
	KindUnauthorized       ErrorKind = "UNAUTHORIZED"
	KindRateLimited        ErrorKind = "RATE_LIMITED"
	KindServiceUnavailable ErrorKind = "SERVICE_UNAVAILABLE"
)

// FieldError carries field-level validation detail.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error is the service-wide error shape. Every failure that crosses a
// package boundary is either an *Error or wraps one.
type Error struct {
	Kind       ErrorKind    `json:"code"`
	Message    string       `json:"message"`
	Fields     []FieldError `json:"fields,omitempty"`
	Retryable  bool         `json:"retryable"`
	RetryAfter int          `json:"retryAfter,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Status maps the error kind onto an HTTP status code.
func (e *Error) Status() int {
	switch e.Kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindGone:
		return http.StatusGone
	case KindConflict:
		return http.StatusConflict
	case KindInvalidRequest, KindInvalidField, KindMissingField:
		return http.StatusBadRequest
	case KindForbidden:
		return http.StatusForbidden
	case KindUnprocessable:
		return http.StatusUnprocessableEntity
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindServiceUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// NewError builds an *Error for the given kind.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message, Retryable: kind == KindServiceUnavailable || kind == KindRateLimited}
}

// NotFound reports a missing or store-expired resource.
func NotFound(message string) *Error { return NewError(KindNotFound, message) }

// Gone reports a time-expired resource or terminal-state access.
func Gone(message string) *Error { return NewError(KindGone, message) }

// Conflict reports terminal-state mutation, duplicate requests, or lost races.
func Conflict(message string) *Error { return NewError(KindConflict, message) }

// InvalidRequest reports request-level validation failures.
func InvalidRequest(message string) *Error { return NewError(KindInvalidRequest, message) }

// MissingFields reports absent required fields in order of discovery.
func MissingFields(message string, fields ...string) *Error {
	err := NewError(KindMissingField, message)
	for _, f := range fields {
		err.Fields = append(err.Fields, FieldError{Field: f, Message: "required"})
	}
	return err
}

// Forbidden reports a binding or ownership mismatch.
func Forbidden(message string) *Error { return NewError(KindForbidden, message) }

// Unauthorized reports a missing or invalid bearer token.
func Unauthorized(message string) *Error { return NewError(KindUnauthorized, message) }

// Unprocessable reports a downstream processing failure after validation.
func Unprocessable(message string) *Error { return NewError(KindUnprocessable, message) }

// Unavailable reports a transient store or collaborator failure.
func Unavailable(message string) *Error { return NewError(KindServiceUnavailable, message) }

// AsError extracts the *Error from an error chain, if present.
func AsError(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	if e, ok := AsError(err); ok {
		return e.Kind == kind
	}
	return false
}
