package core

import (
	"net/http"
	"net/url"
	"strings"
)

// ResponseType is the OAuth2 response_type of an authorization request
type ResponseType string

const (
	ResponseTypeCode ResponseType = "code"
)

const (
	// ScopeOpenID marks a request as an OpenID Connect request
	ScopeOpenID = "openid"

	PromptNone    = "none"
	PromptLogin   = "login"
	PromptConsent = "consent"
)

// AuthorizationRequest is a parsed and validated request to the authorization
// endpoint. The client ID and redirect URI have been checked against the
// ClientSource by the time this is returned from ParseAuthorizationRequest.
//
// https://openid.net/specs/openid-connect-core-1_0.html#AuthRequest
type AuthorizationRequest struct {
	ClientID    string
	RedirectURI string
	State       string
	Scopes      []string
	// ResponseType requested. Only the code flow is supported.
	ResponseType ResponseType
	Nonce        string
	// ACRValues in the order the client sent them. May contain duplicates and
	// reserved hint values, see ACRPrefixes for splitting these out.
	ACRValues []string
	Prompt    []string
	LoginHint string
	// SessionID is the identifier of the user's current authentication session
	// at this provider. It is never read from the request, the caller should
	// set it from its own session tracking. Empty if the user has no session.
	SessionID string
}

// IsOpenID returns true if the openid scope was requested.
func (a *AuthorizationRequest) IsOpenID() bool {
	return hasValue(a.Scopes, ScopeOpenID)
}

// HasPrompt returns true if the client requested the given prompt value.
func (a *AuthorizationRequest) HasPrompt(prompt string) bool {
	return hasValue(a.Prompt, prompt)
}

// ClientSource is used for validating client information for the
// authorization request.
type ClientSource interface {
	// IsValidClientID should return true if the passed client ID is valid
	IsValidClientID(clientID string) (ok bool, err error)
	// ValidateClientRedirectURI should confirm if the given redirect is valid
	// for the client. It should compare as per
	// https://tools.ietf.org/html/rfc3986#section-6
	ValidateClientRedirectURI(clientID, redirectURI string) (ok bool, err error)
}

// ParseAuthorizationRequest can be used to process an authorization endpoint
// request, returning information about it. If an error is returned, it should
// be passed to the user via WriteError.
//
// Problems with the client ID or redirect URI result in a *HTTPError, as the
// user must not be redirected to an unverified location. Other problems are
// returned as an *AuthError, which will be sent back to the client.
//
// https://tools.ietf.org/html/rfc6749#section-4.1.1
// https://tools.ietf.org/html/rfc6749#section-4.1.2.1
func ParseAuthorizationRequest(req *http.Request, clients ClientSource) (*AuthorizationRequest, error) {
	if req.Method != http.MethodGet && req.Method != http.MethodPost {
		return nil, &HTTPError{Code: http.StatusBadRequest, Message: "method must be POST or GET"}
	}

	if err := req.ParseForm(); err != nil {
		return nil, &HTTPError{Code: http.StatusBadRequest, Message: "failed to parse request", Cause: err}
	}

	cid := req.FormValue("client_id")
	ruri := req.FormValue("redirect_uri")
	state := req.FormValue("state")

	if cid == "" {
		return nil, &HTTPError{Code: http.StatusBadRequest, Message: "client_id must be specified"}
	}
	if ruri == "" {
		return nil, &HTTPError{Code: http.StatusBadRequest, Message: "redirect_uri must be specified"}
	}

	cidok, err := clients.IsValidClientID(cid)
	if err != nil {
		return nil, &HTTPError{Code: http.StatusInternalServerError, Message: "internal error", CauseMsg: "error calling clientsource check client ID", Cause: err}
	}
	if !cidok {
		return nil, &HTTPError{Code: http.StatusBadRequest, Message: "Client ID is not valid"}
	}

	redirok, err := clients.ValidateClientRedirectURI(cid, ruri)
	if err != nil {
		return nil, &HTTPError{Code: http.StatusInternalServerError, Message: "internal error", CauseMsg: "error calling clientsource redirect URI validation", Cause: err}
	}
	if !redirok {
		return nil, &HTTPError{Code: http.StatusBadRequest, Message: "Invalid redirect URI"}
	}

	redir, err := url.Parse(ruri)
	if err != nil || !redir.IsAbs() {
		return nil, &HTTPError{Code: http.StatusBadRequest, Message: "redirect_uri is in an invalid format", CauseMsg: "failed to parse redirect URI", Cause: err}
	}

	if rt := req.FormValue("response_type"); rt != string(ResponseTypeCode) {
		return nil, &AuthError{
			State:       state,
			Code:        AuthErrorCodeUnsupportedResponseType,
			Description: `response_type must be "code"`,
			RedirectURI: ruri,
		}
	}

	ar := &AuthorizationRequest{
		ClientID:     cid,
		RedirectURI:  ruri,
		State:        state,
		Scopes:       splitSpaces(req.FormValue("scope")),
		ResponseType: ResponseTypeCode,
		Nonce:        req.FormValue("nonce"),
		ACRValues:    splitSpaces(req.FormValue("acr_values")),
		Prompt:       splitSpaces(req.FormValue("prompt")),
		LoginHint:    req.FormValue("login_hint"),
	}

	// https://openid.net/specs/openid-connect-core-1_0.html#AuthRequest
	if ar.HasPrompt(PromptNone) && len(ar.Prompt) > 1 {
		return nil, &AuthError{
			State:       state,
			Code:        AuthErrorCodeInvalidRequest,
			Description: "prompt none can not be combined with other values",
			RedirectURI: ruri,
		}
	}

	return ar, nil
}

// CodeResponse is the successful result of a code flow authorization.
type CodeResponse struct {
	RedirectURI *url.URL
	State       string
	Code        string
	// SessionState is added to the response if set. See SessionState.
	SessionState string
}

// SendCodeResponse sends the appropriate response to an auth request of
// response_type code, aka "Code flow"
//
// https://tools.ietf.org/html/rfc6749#section-4.1.2
// https://openid.net/specs/openid-connect-session-1_0.html#CreatingUpdatingSessions
func SendCodeResponse(w http.ResponseWriter, req *http.Request, resp *CodeResponse) {
	redir := authResponse(resp.RedirectURI, resp.State)
	v := redir.Query()
	v.Add("code", resp.Code)
	if resp.SessionState != "" {
		v.Add("session_state", resp.SessionState)
	}
	redir.RawQuery = v.Encode()
	http.Redirect(w, req, redir.String(), http.StatusFound)
}

func authResponse(redir *url.URL, state string) *url.URL {
	r := *redir
	v := r.Query()
	if state != "" {
		v.Add("state", state)
	}
	r.RawQuery = v.Encode()
	return &r
}

func splitSpaces(s string) []string {
	return strings.Fields(s)
}

func hasValue(vals []string, want string) bool {
	for _, v := range vals {
		if v == want {
			return true
		}
	}
	return false
}
