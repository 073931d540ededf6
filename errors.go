package tokengate

import (
	"fmt"
	"net/http"
)

// OAuth error codes per RFC 6749, RFC 6750 and RFC 7591
const (
	ErrorCodeInvalidRequest          = "invalid_request"
	ErrorCodeInvalidClient           = "invalid_client"
	ErrorCodeInvalidGrant            = "invalid_grant"
	ErrorCodeInvalidScope            = "invalid_scope"
	ErrorCodeUnauthorizedClient      = "unauthorized_client"
	ErrorCodeUnsupportedGrantType    = "unsupported_grant_type"
	ErrorCodeUnsupportedResponseType = "unsupported_response_type"
	ErrorCodeInvalidToken            = "invalid_token"
	ErrorCodeInvalidRedirectURI      = "invalid_redirect_uri"
	ErrorCodeInvalidClientMetadata   = "invalid_client_metadata"
	ErrorCodeServerError             = "server_error"
)

// Error is a protocol-level OAuth error. It carries the RFC error code, a
// human-readable description safe to expose to clients, and the HTTP status
// the router should use. Internal causes are wrapped for errors.Is checks
// but never serialized.
type Error struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
	Status      int    `json:"-"`

	cause error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// Unwrap exposes the internal cause for errors.Is/errors.As
func (e *Error) Unwrap() error {
	return e.cause
}

// withCause attaches an internal cause without changing the wire shape
func (e *Error) withCause(err error) *Error {
	e.cause = err
	return e
}

// NewInvalidRequestError indicates malformed or missing parameters
func NewInvalidRequestError(description string) *Error {
	return &Error{Code: ErrorCodeInvalidRequest, Description: description, Status: http.StatusBadRequest}
}

// NewInvalidClientError indicates an unknown client or failed authentication
func NewInvalidClientError(description string) *Error {
	return &Error{Code: ErrorCodeInvalidClient, Description: description, Status: http.StatusUnauthorized}
}

// NewInvalidGrantError indicates a bad, expired or consumed code, a failed
// PKCE verification, or a bad refresh token. Deliberately coarse: the
// distinct causes must not be distinguishable by the caller.
func NewInvalidGrantError(description string) *Error {
	return &Error{Code: ErrorCodeInvalidGrant, Description: description, Status: http.StatusBadRequest}
}

// NewInvalidScopeError indicates a requested scope beyond the client's allowance
func NewInvalidScopeError(description string) *Error {
	return &Error{Code: ErrorCodeInvalidScope, Description: description, Status: http.StatusBadRequest}
}

// NewUnauthorizedClientError indicates the client may not use this grant type
func NewUnauthorizedClientError(description string) *Error {
	return &Error{Code: ErrorCodeUnauthorizedClient, Description: description, Status: http.StatusBadRequest}
}

// NewUnsupportedGrantTypeError indicates an unknown grant_type value
func NewUnsupportedGrantTypeError(description string) *Error {
	return &Error{Code: ErrorCodeUnsupportedGrantType, Description: description, Status: http.StatusBadRequest}
}

// NewUnsupportedResponseTypeError indicates a response_type other than "code"
func NewUnsupportedResponseTypeError(description string) *Error {
	return &Error{Code: ErrorCodeUnsupportedResponseType, Description: description, Status: http.StatusBadRequest}
}

// NewInvalidTokenError indicates a missing, malformed, unknown or expired
// bearer token (RFC 6750)
func NewInvalidTokenError(description string) *Error {
	return &Error{Code: ErrorCodeInvalidToken, Description: description, Status: http.StatusUnauthorized}
}

// NewInvalidRedirectURIError indicates an unacceptable redirect URI at
// registration time (RFC 7591)
func NewInvalidRedirectURIError(description string) *Error {
	return &Error{Code: ErrorCodeInvalidRedirectURI, Description: description, Status: http.StatusBadRequest}
}

// NewInvalidClientMetadataError indicates unacceptable registration metadata
func NewInvalidClientMetadataError(description string) *Error {
	return &Error{Code: ErrorCodeInvalidClientMetadata, Description: description, Status: http.StatusBadRequest}
}

// NewServerError indicates an internal fault. The description is generic;
// detail belongs in server-side logs only.
func NewServerError(description string) *Error {
	return &Error{Code: ErrorCodeServerError, Description: description, Status: http.StatusInternalServerError}
}
