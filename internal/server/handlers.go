package server

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/securecookie"
	"github.com/sirupsen/logrus"

	"github.com/pardot/oidcop/core"
	"github.com/pardot/oidcop/storage"
)

const (
	sessionName = "oidcop"

	sessionKeyID        = "sid"
	sessionKeySubject   = "sub"
	sessionKeyConnector = "conn"

	authRequestKeyspace = "authreq"
	authCodeKeyspace    = "authcode"
	healthKeyspace      = "health"
)

// pendingAuth is an authorization request waiting on the user to log in.
type pendingAuth struct {
	Request     core.AuthorizationRequest `json:"request"`
	ConnectorID string                    `json:"connector_id"`
	Tenant      string                    `json:"tenant,omitempty"`
	ACRValues   []string                  `json:"acr_values,omitempty"`
}

// AuthCode is the record stored under the issued code, for redemption by the
// token endpoint.
type AuthCode struct {
	ClientID    string    `json:"client_id"`
	RedirectURI string    `json:"redirect_uri"`
	Scopes      []string  `json:"scopes"`
	Nonce       string    `json:"nonce,omitempty"`
	Subject     string    `json:"sub"`
	SessionID   string    `json:"sid"`
	ConnectorID string    `json:"connector_id"`
	Tenant      string    `json:"tenant,omitempty"`
	ACRValues   []string  `json:"acr_values,omitempty"`
	AuthTime    time.Time `json:"auth_time"`
}

// browserSession is the user's session at this provider.
type browserSession struct {
	ID          string
	Subject     string
	ConnectorID string
}

// browserSession returns the user's current session. A missing cookie, or one
// that can't be decoded (tampered, or from rotated keys), is no session and
// has an empty ID. Other errors come from the session store itself.
func (s *Server) browserSession(r *http.Request) (*browserSession, error) {
	sess, err := s.sessions.Get(r, sessionName)
	if err != nil {
		var cerr securecookie.Error
		if !errors.As(err, &cerr) || !cerr.IsDecode() {
			return nil, fmt.Errorf("reading session: %w", err)
		}
		s.logger.WithError(err).Debug("discarding unreadable session cookie")
		return &browserSession{}, nil
	}
	if sess == nil {
		return &browserSession{}, nil
	}
	bs := &browserSession{}
	bs.ID, _ = sess.Values[sessionKeyID].(string)
	bs.Subject, _ = sess.Values[sessionKeySubject].(string)
	bs.ConnectorID, _ = sess.Values[sessionKeyConnector].(string)
	return bs, nil
}

func (s *Server) currentSessionID(r *http.Request) (string, error) {
	bs, err := s.browserSession(r)
	if err != nil {
		return "", err
	}
	return bs.ID, nil
}

func (s *Server) handleAuthorization(w http.ResponseWriter, r *http.Request) {
	authReq, err := core.ParseAuthorizationRequest(r, s.clients)
	if err != nil {
		s.logger.WithError(err).Info("invalid authorization request")
		if werr := core.WriteError(w, r, err); werr != nil {
			s.logger.WithError(werr).Error("failed to write authorization error")
		}
		return
	}
	log := s.logger.WithField("client_id", authReq.ClientID)

	bs, err := s.browserSession(r)
	if err != nil {
		log.WithError(err).Error("failed to read browser session")
		_ = core.WriteError(w, r, core.NewAuthError(authReq, core.AuthErrorCodeServerError, "", err))
		return
	}
	authReq.SessionID = bs.ID
	r = r.WithContext(withSessionID(r.Context(), bs.ID))

	idp, hasIDP := s.acr.IdentityProviderHint(authReq)
	conn, matched := selectConnector(s.connectors, idp, hasIDP)
	if hasIDP && !matched {
		log.WithField("idp", idp).Warn("unknown identity provider hint, using default connector")
	}

	tenant, hasTenant := s.acr.TenantHint(authReq)
	if hasTenant && !acceptsTenant(conn, tenant) {
		log.WithFields(logrus.Fields{
			"tenant":    tenant,
			"connector": conn.ID(),
		}).Warn("tenant hint not accepted by connector, ignoring")
		tenant = ""
	}

	pa := &pendingAuth{
		Request:     *authReq,
		ConnectorID: conn.ID(),
		Tenant:      tenant,
		ACRValues:   s.acr.ResidualACRValues(authReq),
	}

	if _, ok := SessionID(r.Context()); ok && !authReq.HasPrompt(core.PromptLogin) && (!matched || bs.ConnectorID == conn.ID()) {
		s.finishAuthorization(w, r, log, pa, bs)
		return
	}

	if authReq.HasPrompt(core.PromptNone) {
		if werr := core.WriteError(w, r, core.NewAuthError(authReq, core.AuthErrorCodeLoginRequired, "user must log in", nil)); werr != nil {
			log.WithError(werr).Error("failed to write authorization error")
		}
		return
	}

	authID, err := core.NewID()
	if err != nil {
		log.WithError(err).Error("failed to generate auth ID")
		_ = core.WriteError(w, r, core.NewAuthError(authReq, core.AuthErrorCodeServerError, "", err))
		return
	}

	if _, err := s.storage.PutWithExpiry(r.Context(), authRequestKeyspace, authID, 0, pa, s.now().Add(s.authValidityTime)); err != nil {
		log.WithError(err).Error("failed to store pending authorization")
		_ = core.WriteError(w, r, core.NewAuthError(authReq, core.AuthErrorCodeServerError, "", err))
		return
	}

	if err := s.templates.login(w, loginData{
		AuthID:    authID,
		Connector: conn.DisplayName(),
		Tenant:    tenant,
		ACRValues: pa.ACRValues,
		LoginHint: authReq.LoginHint,
	}); err != nil {
		log.WithError(err).Error("failed to render login page")
	}
}

// handleLogin completes a pending authorization. The submitted username is
// taken as the subject, real connectors would authenticate the user here.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method must be POST", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "failed to parse form", http.StatusBadRequest)
		return
	}

	authID, username := r.PostForm.Get("auth_id"), r.PostForm.Get("username")
	if authID == "" || username == "" {
		http.Error(w, "auth_id and username are required", http.StatusBadRequest)
		return
	}
	log := s.logger.WithField("auth_id", authID)

	pa := &pendingAuth{}
	ver, err := s.storage.Get(r.Context(), authRequestKeyspace, authID, pa)
	if err != nil {
		if storage.IsNotFoundErr(err) {
			http.Error(w, "authorization request not found or expired", http.StatusBadRequest)
			return
		}
		log.WithError(err).Error("failed to get pending authorization")
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	// a pending request can only be completed once
	if err := s.storage.Delete(r.Context(), authRequestKeyspace, authID, ver); err != nil {
		if storage.IsNotFoundErr(err) || storage.IsConflictErr(err) {
			http.Error(w, "authorization request already used", http.StatusBadRequest)
			return
		}
		log.WithError(err).Error("failed to delete pending authorization")
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	sid, err := core.NewID()
	if err != nil {
		log.WithError(err).Error("failed to generate session ID")
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	sess, err := s.sessions.Get(r, sessionName)
	if err != nil {
		log.WithError(err).Debug("replacing unreadable session cookie")
	}
	if sess == nil {
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	sess.Values[sessionKeyID] = sid
	sess.Values[sessionKeySubject] = username
	sess.Values[sessionKeyConnector] = pa.ConnectorID
	if err := sess.Save(r, w); err != nil {
		log.WithError(err).Error("failed to save session")
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	log.WithFields(logrus.Fields{
		"sub":       username,
		"connector": pa.ConnectorID,
	}).Info("user logged in")

	s.finishAuthorization(w, r, log, pa, &browserSession{ID: sid, Subject: username, ConnectorID: pa.ConnectorID})
}

// finishAuthorization issues a code for the request under the given session,
// and redirects back to the client with it.
func (s *Server) finishAuthorization(w http.ResponseWriter, r *http.Request, log logrus.FieldLogger, pa *pendingAuth, bs *browserSession) {
	authReq := pa.Request
	authReq.SessionID = bs.ID

	redir, err := url.Parse(authReq.RedirectURI)
	if err != nil {
		log.WithError(err).Error("stored redirect URI is invalid")
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	// session_state first, so a code is only stored if it can be sent
	sessionState, _, err := s.sessionState(&authReq)
	if err != nil {
		log.WithError(err).Error("failed to compute session state")
		_ = core.WriteError(w, r, core.NewAuthError(&authReq, core.AuthErrorCodeServerError, "", err))
		return
	}

	code, err := core.NewID()
	if err != nil {
		log.WithError(err).Error("failed to generate code")
		_ = core.WriteError(w, r, core.NewAuthError(&authReq, core.AuthErrorCodeServerError, "", err))
		return
	}

	ac := &AuthCode{
		ClientID:    authReq.ClientID,
		RedirectURI: authReq.RedirectURI,
		Scopes:      authReq.Scopes,
		Nonce:       authReq.Nonce,
		Subject:     bs.Subject,
		SessionID:   bs.ID,
		ConnectorID: pa.ConnectorID,
		Tenant:      pa.Tenant,
		ACRValues:   pa.ACRValues,
		AuthTime:    s.now(),
	}
	if _, err := s.storage.PutWithExpiry(r.Context(), authCodeKeyspace, code, 0, ac, s.now().Add(s.codeValidityTime)); err != nil {
		log.WithError(err).Error("failed to store code")
		_ = core.WriteError(w, r, core.NewAuthError(&authReq, core.AuthErrorCodeServerError, "", err))
		return
	}

	core.SendCodeResponse(w, r, &core.CodeResponse{
		RedirectURI:  redir,
		State:        authReq.State,
		Code:         code,
		SessionState: sessionState,
	})
}

// handleLogout is the end_session_endpoint. The session is always cleared. If
// a post_logout_redirect_uri is passed with a client_id it is validated
// against the client's registered redirect URIs, and the user sent there.
//
// https://openid.net/specs/openid-connect-rpinitiated-1_0.html#RPLogout
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		http.Error(w, "method must be GET or POST", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "failed to parse form", http.StatusBadRequest)
		return
	}

	var redir *url.URL
	if pl := r.Form.Get("post_logout_redirect_uri"); pl != "" {
		clientID := r.Form.Get("client_id")
		if clientID == "" {
			http.Error(w, "client_id is required with post_logout_redirect_uri", http.StatusBadRequest)
			return
		}
		ok, err := s.clients.ValidateClientRedirectURI(clientID, pl)
		if err != nil {
			s.logger.WithError(err).WithField("client_id", clientID).Error("failed to validate post logout redirect")
			http.Error(w, "Internal error", http.StatusInternalServerError)
			return
		}
		if !ok {
			http.Error(w, "post_logout_redirect_uri is not registered for client", http.StatusBadRequest)
			return
		}
		redir, err = url.Parse(pl)
		if err != nil {
			http.Error(w, "invalid post_logout_redirect_uri", http.StatusBadRequest)
			return
		}
	}

	sess, err := s.sessions.Get(r, sessionName)
	if err != nil {
		s.logger.WithError(err).Debug("clearing unreadable session cookie")
	}
	if sess == nil {
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	prevSID, _ := sess.Values[sessionKeyID].(string)
	for k := range sess.Values {
		delete(sess.Values, k)
	}
	sess.Options.MaxAge = -1
	if err := sess.Save(r, w); err != nil {
		s.logger.WithError(err).Error("failed to clear session")
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	if prevSID != "" {
		s.logger.Info("user logged out")
	}

	if redir != nil {
		if st := r.Form.Get("state"); st != "" {
			v := redir.Query()
			v.Set("state", st)
			redir.RawQuery = v.Encode()
		}
		http.Redirect(w, r, redir.String(), http.StatusFound)
		return
	}

	if err := s.templates.loggedOut(w); err != nil {
		s.logger.WithError(err).Error("failed to render logged out page")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	key, err := core.NewID()
	if err != nil {
		s.logger.WithError(err).Error("health check failed to generate key")
		http.Error(w, "Health check failed.", http.StatusInternalServerError)
		return
	}
	start := s.now()
	if _, err := s.storage.PutWithExpiry(r.Context(), healthKeyspace, key, 0, start, start.Add(time.Minute)); err != nil {
		s.logger.WithError(err).Error("storage health check failed")
		http.Error(w, "Health check failed.", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}
