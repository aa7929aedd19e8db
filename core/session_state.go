package core

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrMalformedRedirectURI is returned when a redirect URI can't be used to
// derive an origin. Redirect URIs are expected to be validated before they get
// here, so this indicates a bug in the caller.
var ErrMalformedRedirectURI = errors.New("redirect URI is not an absolute URI")

const sessionStateSaltLen = 32

var defaultPorts = map[string]string{
	"http":  "80",
	"https": "443",
	"ws":    "80",
	"wss":   "443",
	"ftp":   "21",
}

// SessionState generates the session_state value to return with an
// authorization response. This binds the client, the origin of the redirect
// URI and the session ID, salted with fresh random data so the value differs
// on every call.
//
// ok is false when no value applies, because the request is not an OpenID
// request or has no session, client or redirect URI. Whitespace-only values
// count as missing. This is not an error, the
// response should just omit session_state.
//
// The hash input is the plain concatenation of the fields. This is the
// construction relying parties and the check_session iframe compute, so it must
// not change.
//
// https://openid.net/specs/openid-connect-session-1_0.html#CreatingUpdatingSessions
func SessionState(req *AuthorizationRequest) (state string, ok bool, err error) {
	if !req.IsOpenID() || isMissing(req.SessionID) || isMissing(req.ClientID) || isMissing(req.RedirectURI) {
		return "", false, nil
	}

	origin, err := Origin(req.RedirectURI)
	if err != nil {
		return "", false, err
	}

	salt, err := randomToken(sessionStateSaltLen)
	if err != nil {
		return "", false, fmt.Errorf("generating session state salt: %w", err)
	}

	return sessionStateHash(req.ClientID, origin, req.SessionID, salt) + "." + salt, true, nil
}

// isMissing treats whitespace-only values the same as empty ones.
func isMissing(v string) bool {
	return strings.TrimSpace(v) == ""
}

// CheckSessionState returns true if the state was generated for the given
// client, origin and session. The salt is taken from the state itself.
func CheckSessionState(clientID, origin, sessionID, state string) bool {
	idx := strings.LastIndex(state, ".")
	if idx < 0 {
		return false
	}
	hash, salt := state[:idx], state[idx+1:]
	want := sessionStateHash(clientID, origin, sessionID, salt)
	return subtle.ConstantTimeCompare([]byte(hash), []byte(want)) == 1
}

func sessionStateHash(clientID, origin, sessionID, salt string) string {
	sum := sha256.Sum256([]byte(clientID + origin + sessionID + salt))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// Origin returns the web origin of the absolute URI, as scheme://host with the
// port only included if it isn't the default for the scheme. URIs without an
// authority, like native app redirects (com.example.app:/cb), have an empty
// host and give scheme://.
//
// https://tools.ietf.org/html/rfc6454#section-4
func Origin(rawURI string) (string, error) {
	u, err := url.Parse(rawURI)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrMalformedRedirectURI, rawURI, err)
	}
	if u.Scheme == "" {
		return "", fmt.Errorf("%w: %q", ErrMalformedRedirectURI, rawURI)
	}

	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	if strings.Contains(host, ":") {
		// IPv6 literal, Hostname strips the brackets
		host = "[" + host + "]"
	}

	origin := scheme + "://" + host
	if port := u.Port(); port != "" && port != defaultPorts[scheme] {
		origin += ":" + port
	}
	return origin, nil
}
