package main

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"html/template"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/oauth2"
)

const (
	stateCookie = "state"
)

// server is a relying party that runs the code flow, and then watches the
// provider session with the check_session_iframe. It doesn't redeem the code.
type server struct {
	oa2                *oauth2.Config
	checkSessionIframe string
	endSessionEndpoint string
	acrValues          []string

	mux      *http.ServeMux
	muxSetup sync.Once
}

const homePage = `<!DOCTYPE html>
<html>
	<head>
		<meta charset="UTF-8">
		<title>LOG IN</title>
	</head>
	<body>
		<h1>Start auth flow</h1>
		<form action="/start" method="POST">
    		<input type="submit" value="Submit">
		</form>
	</body>
</html>`

var homeTmpl = template.Must(template.New("homePage").Parse(homePage))

func (s *server) home(w http.ResponseWriter, req *http.Request) {
	tmplData := map[string]interface{}{}

	if err := homeTmpl.Execute(w, tmplData); err != nil {
		http.Error(w, fmt.Sprintf("failed to render template: %v", err), http.StatusInternalServerError)
		return
	}
}

// start the actual flow. this builds up the request and sends the user on
func (s *server) start(w http.ResponseWriter, req *http.Request) {
	// track a random state var to prevent CSRF
	state := mustRandStr(16)
	sc := &http.Cookie{
		Name:   stateCookie,
		Value:  state,
		MaxAge: 60,
	}
	http.SetCookie(w, sc)

	var opts []oauth2.AuthCodeOption
	if len(s.acrValues) > 0 {
		opts = append(opts, oauth2.SetAuthURLParam("acr_values", strings.Join(s.acrValues, " ")))
	}

	http.Redirect(w, req, s.oa2.AuthCodeURL(state, opts...), http.StatusSeeOther)
}

// the RP iframe posts "client_id session_state" to the OP iframe every few
// seconds, and reports when the OP says the session has changed.
//
// https://openid.net/specs/openid-connect-session-1_0.html#RPiframe
const callbackPage = `<!DOCTYPE html>
<html>
	<head>
		<meta charset="UTF-8">
		<title>LOGGED IN</title>
	</head>
	<body>
		<p>code: <span id="code">{{ .Code }}</span></p>
		<p>session_state: <span id="session-state">{{ .SessionState }}</span></p>
		<p>session: <span id="status">unknown</span></p>
		{{ if .EndSessionEndpoint }}<p><a href="{{ .EndSessionEndpoint }}">Log out at provider</a></p>{{ end }}
		<iframe id="op" src="{{ .CheckSessionIframe }}" style="display:none"></iframe>
		<script>
			var opOrigin = new URL({{ .CheckSessionIframe }}).origin;
			var message = {{ .ClientID }} + " " + {{ .SessionState }};
			window.addEventListener("message", function (e) {
				if (e.origin !== opOrigin) {
					return;
				}
				document.getElementById("status").textContent = e.data;
			}, false);
			setInterval(function () {
				document.getElementById("op").contentWindow.postMessage(message, opOrigin);
			}, 3000);
		</script>
	</body>
</html>`

var callbackTmpl = template.Must(template.New("callbackPage").Parse(callbackPage))

func (s *server) callback(w http.ResponseWriter, req *http.Request) {
	statec, err := req.Cookie(stateCookie)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to get state cookie: %v", err), http.StatusBadRequest)
		return
	}

	if errMsg := req.FormValue("error"); errMsg != "" {
		http.Error(w, fmt.Sprintf("error returned to callback %s: %s", errMsg, req.FormValue("error_description")), http.StatusInternalServerError)
		return
	}

	code := req.FormValue("code")
	if code == "" {
		http.Error(w, "no code in callback response", http.StatusBadRequest)
		return
	}

	gotState := req.FormValue("state")
	if gotState == "" || gotState != statec.Value {
		http.Error(w, fmt.Sprintf("returned state %q doesn't match request state %q", gotState, statec.Value), http.StatusBadRequest)
		return
	}

	sessionState := req.FormValue("session_state")
	if sessionState == "" {
		http.Error(w, "no session_state in callback response, provider session can't be monitored", http.StatusBadRequest)
		return
	}

	tmplData := map[string]interface{}{
		"Code":               code,
		"SessionState":       sessionState,
		"ClientID":           s.oa2.ClientID,
		"CheckSessionIframe": s.checkSessionIframe,
		"EndSessionEndpoint": s.endSessionEndpoint,
	}

	if err := callbackTmpl.Execute(w, tmplData); err != nil {
		http.Error(w, fmt.Sprintf("failed to render template: %v", err), http.StatusInternalServerError)
		return
	}
}

func (s *server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	s.muxSetup.Do(func() {
		s.mux = http.NewServeMux()
		s.mux.HandleFunc("/", s.home)
		s.mux.HandleFunc("/start", s.start)
		s.mux.HandleFunc("/callback", s.callback)
	})

	s.mux.ServeHTTP(w, req)
}

func mustRandStr(len int) string {
	b := make([]byte, len)
	if r, err := rand.Read(b); err != nil || r != len {
		panic("error or underread from rand.Read")
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
