package server

import (
	"fmt"
	"net/http"
)

// OAuth 2.0 error codes from RFC 6749, plus the UMA 2.0 grant additions.
const (
	ErrorCodeInvalidRequest          = "invalid_request"
	ErrorCodeInvalidClient           = "invalid_client"
	ErrorCodeInvalidGrant            = "invalid_grant"
	ErrorCodeInvalidScope            = "invalid_scope"
	ErrorCodeUnauthorizedClient      = "unauthorized_client"
	ErrorCodeUnsupportedGrantType    = "unsupported_grant_type"
	ErrorCodeUnsupportedResponseType = "unsupported_response_type"
	ErrorCodeAccessDenied            = "access_denied"
	ErrorCodeServerError             = "server_error"

	// Device flow polling results, RFC 8628 §3.5.
	ErrorCodeAuthorizationPending = "authorization_pending"
	ErrorCodeSlowDown             = "slow_down"
	ErrorCodeExpiredToken         = "expired_token"

	// UMA 2.0 grant outcomes surfaced as token endpoint errors.
	ErrorCodeInvalidResourceID    = "invalid_resource_id"
	ErrorCodeInvalidResourceScope = "invalid_resource_scope"
	ErrorCodeNeedInfo             = "need_info"
	ErrorCodeRequestDenied        = "request_denied"
	ErrorCodeRequestSubmitted     = "request_submitted"
)

// Error is a protocol-level failure carrying the RFC 6749 error code and the
// HTTP status the adapter should respond with. Descriptions are written for
// the client; internal detail stays in the server log.
type Error struct {
	Code        string
	Description string
	Status      int

	// State echoes the request's state parameter on authorization
	// endpoint failures.
	State string

	// Ticket carries a reissued permission ticket on UMA denials so the
	// adapter can emit the WWW-Authenticate hint.
	Ticket string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// WithState returns a copy of the error carrying the request's state
// parameter.
func (e *Error) WithState(state string) *Error {
	cp := *e
	cp.State = state
	return &cp
}

func newError(code, description string, status int) *Error {
	return &Error{Code: code, Description: description, Status: status}
}

// Constructors for the common protocol failures.

func errInvalidRequest(desc string) *Error {
	return newError(ErrorCodeInvalidRequest, desc, http.StatusBadRequest)
}

func errInvalidClient(desc string) *Error {
	return newError(ErrorCodeInvalidClient, desc, http.StatusUnauthorized)
}

func errInvalidGrant(desc string) *Error {
	return newError(ErrorCodeInvalidGrant, desc, http.StatusBadRequest)
}

func errInvalidScope(desc string) *Error {
	return newError(ErrorCodeInvalidScope, desc, http.StatusBadRequest)
}

func errUnauthorizedClient(desc string) *Error {
	return newError(ErrorCodeUnauthorizedClient, desc, http.StatusBadRequest)
}

func errUnsupportedGrantType(desc string) *Error {
	return newError(ErrorCodeUnsupportedGrantType, desc, http.StatusBadRequest)
}

func errUnsupportedResponseType(desc string) *Error {
	return newError(ErrorCodeUnsupportedResponseType, desc, http.StatusBadRequest)
}

func errAccessDenied(desc string) *Error {
	return newError(ErrorCodeAccessDenied, desc, http.StatusForbidden)
}

// errRegistrationLimited reports the per-IP registration cap without
// revealing the current count.
func errRegistrationLimited() *Error {
	return newError(ErrorCodeInvalidRequest, "client registration limit reached", http.StatusTooManyRequests)
}

// errServerError hides internal detail; the cause is logged server-side.
func errServerError() *Error {
	return newError(ErrorCodeServerError, "internal server error", http.StatusInternalServerError)
}

// AsError extracts a protocol *Error from err, or wraps it as a generic
// server_error so handler boundaries never leak internals.
func AsError(err error) *Error {
	if e, ok := err.(*Error); ok {
		return e
	}
	return errServerError()
}
