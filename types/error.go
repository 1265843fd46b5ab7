package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the bridge.
type ErrorCode string

// Startup error codes. Both abort the process before serving.
const (
	ErrSpecParse      ErrorCode = "SPEC_PARSE_ERROR"
	ErrSpecValidation ErrorCode = "SPEC_VALIDATION_ERROR"
)

// Protocol error codes, returned to callers as JSON-RPC error objects.
const (
	ErrParse          ErrorCode = "PARSE_ERROR"
	ErrInvalidRequest ErrorCode = "INVALID_REQUEST"
	ErrMethodNotFound ErrorCode = "METHOD_NOT_FOUND"
	ErrInvalidParams  ErrorCode = "INVALID_PARAMS"
	ErrToolNotFound   ErrorCode = "TOOL_NOT_FOUND"
	ErrInternalError  ErrorCode = "INTERNAL_ERROR"
)

// Tool invocation error codes, carried inside tool results.
const (
	ErrUpstreamHTTP        ErrorCode = "UPSTREAM_HTTP_ERROR"
	ErrUpstreamTimeout     ErrorCode = "UPSTREAM_TIMEOUT"
	ErrUpstreamUnreachable ErrorCode = "UPSTREAM_UNREACHABLE"
)

// Transport error codes, surfaced only to the offending side-channel request.
const (
	ErrSessionNotFound ErrorCode = "SESSION_NOT_FOUND"
	ErrSessionClosed   ErrorCode = "SESSION_CLOSED"
)

// Kind returns the taxonomy name of the code (e.g. "UpstreamHTTPError").
func (c ErrorCode) Kind() string {
	switch c {
	case ErrSpecParse:
		return "SpecParseError"
	case ErrSpecValidation:
		return "SpecValidationError"
	case ErrParse:
		return "ParseError"
	case ErrInvalidRequest:
		return "InvalidRequest"
	case ErrMethodNotFound:
		return "MethodNotFound"
	case ErrInvalidParams:
		return "InvalidParams"
	case ErrToolNotFound:
		return "ToolNotFound"
	case ErrUpstreamHTTP:
		return "UpstreamHTTPError"
	case ErrUpstreamTimeout:
		return "UpstreamTimeout"
	case ErrUpstreamUnreachable:
		return "UpstreamUnreachable"
	case ErrSessionNotFound:
		return "SessionNotFound"
	case ErrSessionClosed:
		return "SessionClosed"
	default:
		return "InternalError"
	}
}

// IsUpstream reports whether the code belongs to the tool invocation family.
func (c ErrorCode) IsUpstream() bool {
	return c == ErrUpstreamHTTP || c == ErrUpstreamTimeout || c == ErrUpstreamUnreachable
}

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Data       any       `json:"data,omitempty"`
	Cause      error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf creates a new Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithData attaches structured detail (e.g. the upstream response body).
func (e *Error) WithData(data any) *Error {
	e.Data = data
	return e
}

// AsError extracts a *Error from the chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsErrorCode reports whether any *Error in the chain carries code.
func IsErrorCode(err error, code ErrorCode) bool {
	e, ok := AsError(err)
	return ok && e.Code == code
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

// WrapError returns err as a *Error, wrapping foreign errors as INTERNAL_ERROR.
func WrapError(err error) *Error {
	if e, ok := AsError(err); ok {
		return e
	}
	return NewError(ErrInternalError, err.Error()).WithCause(err)
}
