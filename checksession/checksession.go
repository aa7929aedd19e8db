// Package checksession implements the OP side of OIDC Session Management: the
// check_session_iframe that relying parties poll to find out if the user's
// session at the provider has changed since their session_state was issued.
//
// https://openid.net/specs/openid-connect-session-1_0.html#OPiframe
package checksession

import (
	"html/template"
	"net/http"
	"strings"

	"github.com/pardot/oidcop/core"
	"github.com/sirupsen/logrus"
)

// Status values returned to the relying party window
const (
	StatusChanged   = "changed"
	StatusUnchanged = "unchanged"
	StatusError     = "error"
)

const statusPath = "/status"

var _ http.Handler = (*Handler)(nil)

// SessionIDFunc returns the provider's current authentication session ID for
// the browser making the request. An empty ID means the user has no session.
type SessionIDFunc func(r *http.Request) (sessionID string, err error)

// Handler serves the iframe, and the status endpoint the iframe calls at
// <baseURL>/status. Any request path ending in /status is treated as a status
// call, so it can be mounted with or without its prefix stripped. baseURL
// should be the externally visible URL it is mounted at.
type Handler struct {
	sessionID SessionIDFunc
	statusURL string
	logger    logrus.FieldLogger
}

// NewHandler returns a Handler serving the iframe and status endpoint.
func NewHandler(baseURL string, sessionID SessionIDFunc, logger logrus.FieldLogger) *Handler {
	h := &Handler{
		sessionID: sessionID,
		statusURL: baseURL + statusPath,
		logger:    logger,
	}

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if strings.HasSuffix(req.URL.Path, statusPath) {
		h.serveStatus(w, req)
		return
	}
	h.serveIframe(w, req)
}

func (h *Handler) serveIframe(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "method must be GET", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := iframeTmpl.Execute(w, map[string]interface{}{
		"StatusURL": h.statusURL,
	}); err != nil {
		h.logger.WithError(err).Error("failed to render check session iframe")
	}
}

// serveStatus compares the relying party's session_state against the current
// session. The origin is the one the iframe observed on the postMessage event.
func (h *Handler) serveStatus(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")

	q := req.URL.Query()
	clientID, origin, state := q.Get("client_id"), q.Get("origin"), q.Get("session_state")
	if clientID == "" || origin == "" || state == "" {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(StatusError))
		return
	}

	sid, err := h.sessionID(req)
	if err != nil {
		h.logger.WithError(err).Error("failed to look up session for check session status")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(StatusError))
		return
	}

	status := StatusChanged
	if sid != "" && core.CheckSessionState(clientID, origin, sid, state) {
		status = StatusUnchanged
	}

	h.logger.WithFields(logrus.Fields{
		"client_id": clientID,
		"origin":    origin,
		"status":    status,
	}).Debug("check session")

	_, _ = w.Write([]byte(status))
}

const iframePage = `<!DOCTYPE html>
<html>
	<head>
		<meta charset="UTF-8">
		<title>Check Session</title>
	</head>
	<body>
		<script>
			window.addEventListener("message", function (e) {
				if (typeof e.data !== "string") {
					return;
				}
				var parts = e.data.split(" ");
				if (parts.length !== 2) {
					e.source.postMessage("error", e.origin);
					return;
				}
				var q = "?client_id=" + encodeURIComponent(parts[0]) +
					"&origin=" + encodeURIComponent(e.origin) +
					"&session_state=" + encodeURIComponent(parts[1]);
				fetch({{ .StatusURL }} + q, {credentials: "same-origin", cache: "no-store"})
					.then(function (r) { return r.ok ? r.text() : "error"; })
					.then(function (s) { e.source.postMessage(s.trim(), e.origin); })
					.catch(function () { e.source.postMessage("error", e.origin); });
			}, false);
		</script>
	</body>
</html>`

var iframeTmpl = template.Must(template.New("checkSession").Parse(iframePage))
