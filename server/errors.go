package server

import (
	"errors"
	"fmt"
)

// OAuth 2.0 error codes (RFC 6749 §4.1.2.1, §5.2).
const (
	ErrorInvalidRequest          = "invalid_request"
	ErrorInvalidClient           = "invalid_client"
	ErrorInvalidGrant            = "invalid_grant"
	ErrorUnauthorizedClient      = "unauthorized_client"
	ErrorAccessDenied            = "access_denied"
	ErrorUnsupportedGrantType    = "unsupported_grant_type"
	ErrorUnsupportedResponseType = "unsupported_response_type"
	ErrorServerError             = "server_error"
)

// Error is a protocol-level failure that maps directly onto an OAuth
// error response body.
type Error struct {
	Code        string
	Description string
}

func (e *Error) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return e.Code + ": " + e.Description
}

// NewError builds an Error with the given code and description.
func NewError(code, description string) *Error {
	return &Error{Code: code, Description: description}
}

// Errf builds an Error with a formatted description.
func Errf(code, format string, args ...any) *Error {
	return &Error{Code: code, Description: fmt.Sprintf(format, args...)}
}

// ErrorCode extracts the OAuth error code; anything that is not a
// protocol Error collapses to server_error so storage and signing
// failures never leak detail to callers.
func ErrorCode(err error) string {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Code
	}
	return ErrorServerError
}

// ErrorDescription extracts the user-facing description, masking
// non-protocol errors entirely.
func ErrorDescription(err error) string {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Description
	}
	return "internal error"
}

// ErrNotFound is returned by stores when a record does not exist. For
// codes and grants it also covers "already consumed", so callers cannot
// distinguish a missing credential from a spent one.
var ErrNotFound = errors.New("not found")
