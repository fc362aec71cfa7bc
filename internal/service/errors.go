package service

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode classifies service failures for clients.
type ErrorCode string

const (
	ErrorAuthentication     ErrorCode = "AUTHENTICATION_FAILURE"
	ErrorRateLimited        ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrorAlreadyControlled  ErrorCode = "ALREADY_CONTROLLED"
	ErrorNotUnderControl    ErrorCode = "NOT_UNDER_CONTROL"
	ErrorIsolationViolation ErrorCode = "ORGANIZATION_ISOLATION_VIOLATION"
	ErrorInvalidInput       ErrorCode = "INVALID_INPUT"
	ErrorTransientProvider  ErrorCode = "TRANSIENT_PROVIDER_ERROR"
	ErrorInternal           ErrorCode = "INTERNAL_ERROR"
)

// HTTPStatus maps a code to its response status.
func (c ErrorCode) HTTPStatus() int {
	switch c {
	case ErrorAuthentication:
		return http.StatusUnauthorized
	case ErrorRateLimited:
		return http.StatusTooManyRequests
	case ErrorAlreadyControlled:
		return http.StatusConflict
	case ErrorNotUnderControl, ErrorInvalidInput:
		return http.StatusBadRequest
	case ErrorIsolationViolation:
		return http.StatusForbidden
	case ErrorTransientProvider:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Error is returned by every Service operation that fails.
type Error struct {
	Code    ErrorCode
	Reason  string
	Err     error
	Details map[string]any
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("service: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("service: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

func (e *Error) with(key string, v any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = v
	return e
}

// CodeOf returns the code carried by err, or ErrorInternal.
func CodeOf(err error) ErrorCode {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return ErrorInternal
}
