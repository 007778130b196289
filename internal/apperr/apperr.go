// Package apperr defines the control plane error taxonomy and the JSON
// envelope every HTTP error is rendered with.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies a class of failure. Codes are stable wire values.
type Code string

const (
	MissingHeader      Code = "MISSING_HEADER"
	TenantInvalid      Code = "TENANT_INVALID"
	QuotaExceeded      Code = "QUOTA_EXCEEDED"
	RateLimited        Code = "RATE_LIMITED"
	CircuitOpen        Code = "CIRCUIT_OPEN"
	UnitUnavailable    Code = "UNIT_UNAVAILABLE"
	UnitUnreachable    Code = "UNIT_UNREACHABLE"
	SignatureInvalid   Code = "SIGNATURE_INVALID"
	Unauthorized       Code = "UNAUTHORIZED"
	NotFound           Code = "NOT_FOUND"
	IdempotentConflict Code = "IDEMPOTENT_CONFLICT"
	BadRequest         Code = "BAD_REQUEST"
	Internal           Code = "INTERNAL"
)

var statusByCode = map[Code]int{
	MissingHeader:      http.StatusBadRequest,
	TenantInvalid:      http.StatusForbidden,
	QuotaExceeded:      http.StatusTooManyRequests,
	RateLimited:        http.StatusTooManyRequests,
	CircuitOpen:        http.StatusServiceUnavailable,
	UnitUnavailable:    http.StatusServiceUnavailable,
	UnitUnreachable:    http.StatusBadGateway,
	SignatureInvalid:   http.StatusUnauthorized,
	Unauthorized:       http.StatusUnauthorized,
	NotFound:           http.StatusNotFound,
	IdempotentConflict: http.StatusConflict,
	BadRequest:         http.StatusBadRequest,
	Internal:           http.StatusInternalServerError,
}

// HTTPStatus returns the response status for c.
func (c Code) HTTPStatus() int {
	if s, ok := statusByCode[c]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Error is a typed failure carrying a Code, a human message and optional details.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same Code, so errors.Is(err, apperr.New(CircuitOpen, ""))
// works regardless of message.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Code == e.Code
	}
	return false
}

// With returns a copy of e with key=value added to its details.
func (e *Error) With(key string, value any) *Error {
	cp := *e
	cp.Details = make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	cp.Details[key] = value
	return &cp
}

func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to cause.
func Wrap(code Code, cause error, msg string) *Error {
	return &Error{Code: code, Message: msg, Err: cause}
}

// CodeOf extracts the Code of err, returning Internal for untyped errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Internal
}

// HasCode reports whether err carries code c anywhere in its chain.
func HasCode(err error, c Code) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == c
}
