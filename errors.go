package oauth

import (
	"github.com/gatekit/oauth/server"
)

// Error is the structured protocol error returned by every engine
// operation. The HTTP adapter renders it as the RFC 6749 JSON error body;
// UMA denials additionally carry a reissued permission ticket.
type Error = server.Error

// AsError coerces any error into an *Error, wrapping unknown failures as a
// generic server_error so no internal detail reaches a client.
var AsError = server.AsError

// OAuth error codes, re-exported for callers that only import the root
// package.
const (
	ErrorCodeInvalidRequest          = server.ErrorCodeInvalidRequest
	ErrorCodeInvalidClient           = server.ErrorCodeInvalidClient
	ErrorCodeInvalidGrant            = server.ErrorCodeInvalidGrant
	ErrorCodeInvalidScope            = server.ErrorCodeInvalidScope
	ErrorCodeUnauthorizedClient      = server.ErrorCodeUnauthorizedClient
	ErrorCodeUnsupportedGrantType    = server.ErrorCodeUnsupportedGrantType
	ErrorCodeUnsupportedResponseType = server.ErrorCodeUnsupportedResponseType
	ErrorCodeAccessDenied            = server.ErrorCodeAccessDenied
	ErrorCodeServerError             = server.ErrorCodeServerError
	ErrorCodeAuthorizationPending    = server.ErrorCodeAuthorizationPending
	ErrorCodeSlowDown                = server.ErrorCodeSlowDown
	ErrorCodeExpiredToken            = server.ErrorCodeExpiredToken
	ErrorCodeInvalidResourceID       = server.ErrorCodeInvalidResourceID
	ErrorCodeInvalidResourceScope    = server.ErrorCodeInvalidResourceScope
	ErrorCodeNeedInfo                = server.ErrorCodeNeedInfo
	ErrorCodeRequestDenied           = server.ErrorCodeRequestDenied
	ErrorCodeRequestSubmitted        = server.ErrorCodeRequestSubmitted
)
