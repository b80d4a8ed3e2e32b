// Package errors provides custom error types with error codes for the gateway.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code represents an application error code.
type Code string

// Error codes for the application.
const (
	// General errors
	CodeInternal      Code = "INTERNAL"
	CodeInvalidInput  Code = "INVALID_INPUT"
	CodeNotFound      Code = "NOT_FOUND"
	CodeUnauthorized  Code = "UNAUTHORIZED"
	CodeForbidden     Code = "FORBIDDEN"
	CodeRateLimited   Code = "RATE_LIMITED"
	CodeUnavailable   Code = "UNAVAILABLE"
	CodeTimeout       Code = "TIMEOUT"
	CodeCanceled      Code = "CANCELED"
	CodePayloadTooBig Code = "PAYLOAD_TOO_LARGE"

	// Auth-specific errors
	CodeMissingCredential  Code = "MISSING_CREDENTIAL"
	CodeUnknownCredential  Code = "UNKNOWN_CREDENTIAL"
	CodeDisabledCredential Code = "DISABLED_CREDENTIAL"
	CodeInsufficientScope  Code = "INSUFFICIENT_SCOPE"
	CodeTokenInvalid       Code = "TOKEN_INVALID"
	CodeTokenExpired       Code = "TOKEN_EXPIRED"

	// Gateway-specific errors
	CodeUpstreamError    Code = "UPSTREAM_ERROR"
	CodeUpstreamTimeout  Code = "UPSTREAM_TIMEOUT"
	CodeCircuitOpen      Code = "CIRCUIT_OPEN"
	CodeNoHealthyTargets Code = "NO_HEALTHY_TARGETS"
	CodeRouteNotFound    Code = "ROUTE_NOT_FOUND"
	CodeInvalidRoute     Code = "INVALID_ROUTE"
)

// Error is the application's custom error type with code and details.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
	Err     error  `json:"-"` // Underlying error, not serialized
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is checks if the target error has the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// WithDetails returns a copy of the error with additional details.
func (e *Error) WithDetails(details any) *Error {
	return &Error{
		Code:    e.Code,
		Message: e.Message,
		Details: details,
		Err:     e.Err,
	}
}

// New creates a new Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Wrap creates a new Error wrapping an existing error.
func Wrap(code Code, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Common error constructors

// Internal creates an internal error.
func Internal(message string) *Error {
	return New(CodeInternal, message)
}

// InternalWrap creates an internal error wrapping another error.
func InternalWrap(message string, err error) *Error {
	return Wrap(CodeInternal, message, err)
}

// InvalidInput creates an invalid input error.
func InvalidInput(message string) *Error {
	return New(CodeInvalidInput, message)
}

// Unauthorized creates an unauthorized error.
func Unauthorized(message string) *Error {
	return New(CodeUnauthorized, message)
}

// Forbidden creates a forbidden error.
func Forbidden(message string) *Error {
	return New(CodeForbidden, message)
}

// RateLimited creates a rate limited error.
func RateLimited(message string) *Error {
	return New(CodeRateLimited, message)
}

// Unavailable creates an unavailable error.
func Unavailable(message string) *Error {
	return New(CodeUnavailable, message)
}

// Timeout creates a timeout error.
func Timeout(message string) *Error {
	return New(CodeTimeout, message)
}

// PayloadTooLarge creates a payload too large error.
func PayloadTooLarge(message string) *Error {
	return New(CodePayloadTooBig, message)
}

// Auth-specific error constructors

// MissingCredential creates a missing credential error.
func MissingCredential(message string) *Error {
	return New(CodeMissingCredential, message)
}

// UnknownCredential creates an unknown credential error.
func UnknownCredential(message string) *Error {
	return New(CodeUnknownCredential, message)
}

// DisabledCredential creates a disabled credential error.
func DisabledCredential(message string) *Error {
	return New(CodeDisabledCredential, message)
}

// InsufficientScope creates an insufficient scope error.
func InsufficientScope(message string) *Error {
	return New(CodeInsufficientScope, message)
}

// TokenInvalid creates a token invalid error.
func TokenInvalid(message string) *Error {
	return New(CodeTokenInvalid, message)
}

// TokenExpired creates a token expired error.
func TokenExpired(message string) *Error {
	return New(CodeTokenExpired, message)
}

// Gateway-specific error constructors

// UpstreamError creates an upstream error.
func UpstreamError(message string) *Error {
	return New(CodeUpstreamError, message)
}

// UpstreamTimeout creates an upstream timeout error.
func UpstreamTimeout(message string) *Error {
	return New(CodeUpstreamTimeout, message)
}

// CircuitOpen creates a circuit open error.
func CircuitOpen(message string) *Error {
	return New(CodeCircuitOpen, message)
}

// NoHealthyTargets creates a no healthy targets error.
func NoHealthyTargets(message string) *Error {
	return New(CodeNoHealthyTargets, message)
}

// RouteNotFound creates a route not found error.
func RouteNotFound(message string) *Error {
	return New(CodeRouteNotFound, message)
}

// InvalidRoute creates an invalid route configuration error.
func InvalidRoute(message string) *Error {
	return New(CodeInvalidRoute, message)
}

// HTTPStatusCode returns the appropriate HTTP status code for the error.
func (e *Error) HTTPStatusCode() int {
	switch e.Code {
	case CodeInvalidInput, CodeInvalidRoute:
		return http.StatusBadRequest
	case CodeUnauthorized, CodeMissingCredential, CodeUnknownCredential,
		CodeDisabledCredential, CodeTokenInvalid, CodeTokenExpired:
		return http.StatusUnauthorized
	case CodeForbidden, CodeInsufficientScope:
		return http.StatusForbidden
	case CodeNotFound, CodeRouteNotFound:
		return http.StatusNotFound
	case CodePayloadTooBig:
		return http.StatusRequestEntityTooLarge
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeUpstreamError:
		return http.StatusBadGateway
	case CodeTimeout, CodeUpstreamTimeout:
		return http.StatusGatewayTimeout
	case CodeUnavailable, CodeCircuitOpen, CodeNoHealthyTargets:
		return http.StatusServiceUnavailable
	case CodeCanceled:
		return 499 // Client Closed Request
	default:
		return http.StatusInternalServerError
	}
}

// WriteHTTP writes the error as a JSON response.
func (e *Error) WriteHTTP(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.HTTPStatusCode())

	response := `{"error":"` + e.Message + `","code":"` + string(e.Code) + `"}`
	w.Write([]byte(response))
}

// FromError coerces any error into an *Error, defaulting to CodeInternal.
func FromError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return InternalWrap("unexpected error", err)
}

// IsCode checks if an error has a specific code.
func IsCode(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// GetCode extracts the error code from an error, or CodeInternal if not found.
func GetCode(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}
