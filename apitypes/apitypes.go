// Package apitypes defines the wire vocabulary shared by every HTTP surface:
// the response envelope and the closed set of error codes. Handlers build
// responses exclusively through WriteData and WriteError so clients see one
// shape everywhere.
package apitypes

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Code identifies an API error class. The set is closed: new failure modes
// map onto an existing code rather than growing the enumeration.
type Code string

const (
	CodeValidation      Code = "VALIDATION_ERROR"
	CodeUnauthorized    Code = "UNAUTHORIZED"
	CodeForbidden       Code = "FORBIDDEN"
	CodeNotFound        Code = "NOT_FOUND"
	CodeConflict        Code = "CONFLICT"
	CodeRateLimited     Code = "RATE_LIMITED"
	CodeInternal        Code = "INTERNAL_ERROR"
	CodeTokenExpired    Code = "TOKEN_EXPIRED"
	CodeTokenInvalid    Code = "TOKEN_INVALID"
	CodeTokenConsumed   Code = "TOKEN_CONSUMED"
	CodeEmailSendFailed Code = "EMAIL_SEND_FAILED"
)

// HTTPStatus returns the single HTTP status a code maps to. Unknown codes are
// treated as internal errors.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeUnauthorized, CodeTokenExpired, CodeTokenInvalid:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict, CodeTokenConsumed:
		return http.StatusConflict
	case CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Error is an API-visible failure. Message is short, human-readable and
// stable enough for UI conditionals.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Errorf builds an API error with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsError coerces any error into an API error. Errors that do not carry a
// code become internal errors with a generic message so backend details never
// leak to clients.
func AsError(err error) *Error {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return &Error{Code: CodeInternal, Message: "internal error"}
}

// Meta carries pagination hints on success envelopes.
type Meta struct {
	NextCursor string `json:"next_cursor,omitempty"`
	HasMore    bool   `json:"has_more,omitempty"`
}

// Envelope is the uniform response shape: Data and optionally Meta on
// success, Error on failure, never both.
type Envelope struct {
	Data  any    `json:"data,omitempty"`
	Meta  *Meta  `json:"meta,omitempty"`
	Error *Error `json:"error,omitempty"`
}

// WriteData writes a success envelope. meta may be nil.
func WriteData(w http.ResponseWriter, status int, data any, meta *Meta) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Envelope{Data: data, Meta: meta})
}

// WriteError writes an error envelope with the status the code maps to.
func WriteError(w http.ResponseWriter, err error) {
	apiErr := AsError(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.Code.HTTPStatus())
	_ = json.NewEncoder(w).Encode(Envelope{Error: apiErr})
}
