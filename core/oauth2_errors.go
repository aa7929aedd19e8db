package core

import (
	"fmt"
	"net/http"
	"net/url"
)

// WriteError handles the passed error appropriately. After calling this, the
// HTTP sequence should be considered complete.
//
// For errors in the authorization endpoint, the user will be redirected with
// the code appended to the redirect URL.
// https://tools.ietf.org/html/rfc6749#section-4.1.2.1
//
// For unknown errors, an InternalServerError response will be sent
func WriteError(w http.ResponseWriter, req *http.Request, err error) error {
	switch err := err.(type) {
	case *AuthError:
		redir, perr := url.Parse(err.RedirectURI)
		if perr != nil {
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return fmt.Errorf("failed to parse redirect URI %q: %w", err.RedirectURI, perr)
		}
		v := redir.Query()
		if err.State != "" {
			v.Add("state", err.State)
		}
		v.Add("error", string(err.Code))
		if err.Description != "" {
			v.Add("error_description", err.Description)
		}
		redir.RawQuery = v.Encode()
		http.Redirect(w, req, redir.String(), http.StatusFound)

	case *HTTPError:
		m := err.Message
		if m == "" {
			m = "Internal error"
		}
		code := err.Code
		if code == 0 {
			code = http.StatusInternalServerError
		}
		http.Error(w, m, code)

	default:
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}

	return nil
}

// HTTPError is an error returned directly to the user agent, rather than the
// client.
type HTTPError struct {
	Code int
	// Message is presented to the user, so this should be considered.
	// if it's not set, "Internal error" will be used.
	Message string
	// cause message is presented in the Error() output, so it should be used
	// for internal text
	CauseMsg string
	Cause    error
}

func (h *HTTPError) Error() string {
	m := h.CauseMsg
	if m == "" {
		m = h.Message
	}
	str := fmt.Sprintf("http error %d: %s", h.Code, m)
	if h.Cause != nil {
		str = fmt.Sprintf("%s (cause: %s)", str, h.Cause.Error())
	}
	return str
}

func (h *HTTPError) Unwrap() error {
	return h.Cause
}

// AuthErrorCode is an OAuth2 authorization endpoint error code
type AuthErrorCode string

// https://tools.ietf.org/html/rfc6749#section-4.1.2.1
// https://openid.net/specs/openid-connect-core-1_0.html#AuthError
const (
	AuthErrorCodeInvalidRequest          AuthErrorCode = "invalid_request"
	AuthErrorCodeUnauthorizedClient      AuthErrorCode = "unauthorized_client"
	AuthErrorCodeAccessDenied            AuthErrorCode = "access_denied"
	AuthErrorCodeUnsupportedResponseType AuthErrorCode = "unsupported_response_type"
	AuthErrorCodeInvalidScope            AuthErrorCode = "invalid_scope"
	AuthErrorCodeServerError             AuthErrorCode = "server_error"
	AuthErrorCodeTemporarilyUnavailable  AuthErrorCode = "temporarily_unavailable"
	AuthErrorCodeLoginRequired           AuthErrorCode = "login_required"
	AuthErrorCodeInteractionRequired     AuthErrorCode = "interaction_required"
)

// AuthError is an error that is returned to the client, via a redirect to the
// redirect URI.
type AuthError struct {
	State       string
	Code        AuthErrorCode
	Description string
	RedirectURI string
	Cause       error
}

func (a *AuthError) Error() string {
	str := fmt.Sprintf("%s error in authorization request: %s", a.Code, a.Description)
	if a.Cause != nil {
		str = fmt.Sprintf("%s (cause: %s)", str, a.Cause.Error())
	}
	return str
}

func (a *AuthError) Unwrap() error {
	return a.Cause
}

// NewAuthError builds an AuthError for the given request.
func NewAuthError(req *AuthorizationRequest, code AuthErrorCode, description string, cause error) *AuthError {
	return &AuthError{
		State:       req.State,
		Code:        code,
		Description: description,
		RedirectURI: req.RedirectURI,
		Cause:       cause,
	}
}
