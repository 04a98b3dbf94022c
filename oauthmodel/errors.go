package oauthmodel

import (
	"net/http"

	"github.com/jrsteele09/go-grant-server/internal/errors"
)

// ErrorCode is an OAuth 2.0 / OIDC error code as sent in the "error" response member.
type ErrorCode string

const (
	// Token endpoint
	ErrorInvalidRequest              ErrorCode = "invalid_request"
	ErrorInvalidGrant                ErrorCode = "invalid_grant"
	ErrorInvalidClient               ErrorCode = "invalid_client"
	ErrorUnauthorizedClient          ErrorCode = "unauthorized_client"
	ErrorUnsupportedGrantType        ErrorCode = "unsupported_grant_type"
	ErrorAccessDenied                ErrorCode = "access_denied"
	ErrorAuthorizationPending        ErrorCode = "authorization_pending"
	ErrorSlowDown                    ErrorCode = "slow_down"
	ErrorExpiredToken                ErrorCode = "expired_token"
	ErrorInvalidScope                ErrorCode = "invalid_scope"
	ErrorInvalidDPoPProof            ErrorCode = "invalid_dpop_proof"
	ErrorInvalidAuthorizationDetails ErrorCode = "invalid_authorization_details"
	ErrorServerError                 ErrorCode = "server_error"

	// Authorization endpoint
	ErrorLoginRequired            ErrorCode = "login_required"
	ErrorConsentRequired          ErrorCode = "consent_required"
	ErrorInvalidRequestObject     ErrorCode = "invalid_request_object"
	ErrorInvalidRequestRedirect   ErrorCode = "invalid_request_redirect_uri"
	ErrorUnsupportedResponseType  ErrorCode = "unsupported_response_type"
	ErrorSessionSelectionRequired ErrorCode = "session_selection_required"
	ErrorInvalidRequestURI        ErrorCode = "invalid_request_uri"
	ErrorRequestURINotSupported   ErrorCode = "request_uri_not_supported"
)

// Error is a protocol level failure: it carries the HTTP status and the code and description
// that are safe to return to the client.
type Error struct {
	Status      int
	Code        ErrorCode
	Description string
	// Hint is extra guidance for the end user, e.g. "Use prompt=login in order to alter
	// existing session."
	Hint  string
	cause error
}

func (e *Error) Error() string {
	if e.Description == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Description
}

func (e *Error) Unwrap() error {
	return e.cause
}

// WithCause records the internal error behind a protocol failure. The cause is logged, never
// returned to the client.
func (e *Error) WithCause(err error) *Error {
	e.cause = err
	return e
}

func (e *Error) WithHint(hint string) *Error {
	e.Hint = hint
	return e
}

func NewError(status int, code ErrorCode, description string) *Error {
	return &Error{Status: status, Code: code, Description: description}
}

func InvalidRequest(desc string) *Error {
	return NewError(http.StatusBadRequest, ErrorInvalidRequest, desc)
}

func InvalidGrant(desc string) *Error {
	return NewError(http.StatusBadRequest, ErrorInvalidGrant, desc)
}

func InvalidClient(desc string) *Error {
	return NewError(http.StatusUnauthorized, ErrorInvalidClient, desc)
}

func UnauthorizedClient(desc string) *Error {
	return NewError(http.StatusBadRequest, ErrorUnauthorizedClient, desc)
}

func UnsupportedGrantType(desc string) *Error {
	return NewError(http.StatusBadRequest, ErrorUnsupportedGrantType, desc)
}

func AccessDenied(desc string) *Error {
	return NewError(http.StatusBadRequest, ErrorAccessDenied, desc)
}

func AuthorizationPending() *Error {
	return NewError(http.StatusBadRequest, ErrorAuthorizationPending, "The authorization request is still pending.")
}

func SlowDown() *Error {
	return NewError(http.StatusBadRequest, ErrorSlowDown, "Polling too fast, increase the interval.")
}

func ExpiredToken(desc string) *Error {
	return NewError(http.StatusBadRequest, ErrorExpiredToken, desc)
}

func InvalidScope(desc string) *Error {
	return NewError(http.StatusBadRequest, ErrorInvalidScope, desc)
}

func InvalidDPoPProof(desc string) *Error {
	return NewError(http.StatusBadRequest, ErrorInvalidDPoPProof, desc)
}

func InvalidAuthorizationDetails(desc string) *Error {
	return NewError(http.StatusBadRequest, ErrorInvalidAuthorizationDetails, desc)
}

func ServerError(cause error) *Error {
	return NewError(http.StatusInternalServerError, ErrorServerError, "Internal server error.").WithCause(cause)
}

func LoginRequired(desc string) *Error {
	return NewError(http.StatusBadRequest, ErrorLoginRequired, desc)
}

func ConsentRequired(desc string) *Error {
	return NewError(http.StatusBadRequest, ErrorConsentRequired, desc)
}

func InvalidRequestObject(desc string) *Error {
	return NewError(http.StatusBadRequest, ErrorInvalidRequestObject, desc)
}

func InvalidRequestRedirect(desc string) *Error {
	return NewError(http.StatusBadRequest, ErrorInvalidRequestRedirect, desc)
}

func UnsupportedResponseType(desc string) *Error {
	return NewError(http.StatusBadRequest, ErrorUnsupportedResponseType, desc)
}

func SessionSelectionRequired(desc string) *Error {
	return NewError(http.StatusBadRequest, ErrorSessionSelectionRequired, desc)
}

func InvalidRequestURI(desc string) *Error {
	return NewError(http.StatusBadRequest, ErrorInvalidRequestURI, desc)
}

func RequestURINotSupported(desc string) *Error {
	return NewError(http.StatusBadRequest, ErrorRequestURINotSupported, desc)
}

// AsError returns err as a protocol error. Anything that is not already an *Error becomes a
// 500 server_error whose description does not leak internals.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var oauthErr *Error
	if errors.As(err, &oauthErr) {
		return oauthErr
	}
	return ServerError(err)
}

// Is reports whether err is a protocol error with the given code.
func Is(err error, code ErrorCode) bool {
	var oauthErr *Error
	return errors.As(err, &oauthErr) && oauthErr.Code == code
}
