package server

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/sessions"
	"github.com/prometheus/client_golang/prometheus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"gopkg.in/square/go-jose.v2"

	"github.com/pardot/oidcop/core"
	"github.com/pardot/oidcop/discovery"
	"github.com/pardot/oidcop/storage/memory"
)

const (
	testClientID    = "client"
	testRedirectURI = "https://rp.example:8443/callback"
	testOrigin      = "https://rp.example:8443"

	testNativeRedirectURI = "com.example.app:/oauth2redirect"
	testNativeOrigin      = "com.example.app://"
)

type stubClients struct{}

func (stubClients) IsValidClientID(clientID string) (bool, error) {
	return clientID == testClientID, nil
}

func (stubClients) ValidateClientRedirectURI(clientID, redirectURI string) (bool, error) {
	return clientID == testClientID && (redirectURI == testRedirectURI || redirectURI == testNativeRedirectURI), nil
}

type staticKeys struct {
	keys *jose.JSONWebKeySet
}

func (s *staticKeys) PublicKeys(context.Context) (*jose.JSONWebKeySet, error) {
	return s.keys, nil
}

type testServer struct {
	*httptest.Server
	svr     *Server
	client  *http.Client
	store   *memory.Storage
	reg     *prometheus.Registry
	logHook *logtest.Hook
}

// failingSessions is a session store whose backend is unavailable.
type failingSessions struct{}

var errSessionBackend = errors.New("session backend unavailable")

func (failingSessions) Get(*http.Request, string) (*sessions.Session, error) {
	return nil, errSessionBackend
}

func (failingSessions) New(*http.Request, string) (*sessions.Session, error) {
	return nil, errSessionBackend
}

func (failingSessions) Save(*http.Request, http.ResponseWriter, *sessions.Session) error {
	return errSessionBackend
}

func newTestServer(t *testing.T, opts ...func(*Config)) *testServer {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatal(err)
	}
	ks := &staticKeys{keys: &jose.JSONWebKeySet{Keys: []jose.JSONWebKey{
		{Key: key.Public(), KeyID: "testkey", Algorithm: "RS256", Use: "sig"},
	}}}

	logger, hook := logtest.NewNullLogger()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	ts := &testServer{
		store:   memory.New(),
		reg:     prometheus.NewRegistry(),
		logHook: hook,
	}

	// the issuer has to be known before the server is built, so route via a
	// handler that is filled in after.
	var h http.Handler
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeHTTP(w, r)
	}))
	t.Cleanup(ts.Server.Close)

	cfg := Config{
		Issuer:       ts.URL,
		Storage:      ts.store,
		Clients:      stubClients{},
		SessionStore: sessions.NewCookieStore([]byte("0123456789abcdef0123456789abcdef")),
		KeySource:    ks,
		Connectors: []Connector{
			&StaticConnector{ConnectorID: "local", Name: "Local Accounts"},
			&StaticConnector{ConnectorID: "corp", Name: "Corporate SSO", TenantIDs: []string{"acme", "globex"}},
		},
		ACRValuesSupported: []string{"urn:silver", "urn:gold"},
		Logger:             logger,
		PrometheusRegistry: ts.reg,
	}
	for _, o := range opts {
		o(&cfg)
	}

	ts.svr, err = NewServer(ctx, cfg)
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	h = ts.svr

	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	ts.client = &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	return ts
}

func (ts *testServer) get(t *testing.T, path string, q url.Values) (*http.Response, string) {
	t.Helper()
	u := ts.URL + path
	if q != nil {
		u += "?" + q.Encode()
	}
	resp, err := ts.client.Get(u)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, string(b)
}

func (ts *testServer) postForm(t *testing.T, path string, form url.Values) (*http.Response, string) {
	t.Helper()
	resp, err := ts.client.PostForm(ts.URL+path, form)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, string(b)
}

func authQuery(acr string, extra ...string) url.Values {
	q := url.Values{
		"client_id":     {testClientID},
		"redirect_uri":  {testRedirectURI},
		"response_type": {"code"},
		"scope":         {"openid"},
		"state":         {"xyz"},
	}
	if acr != "" {
		q.Set("acr_values", acr)
	}
	for i := 0; i+1 < len(extra); i += 2 {
		q.Set(extra[i], extra[i+1])
	}
	return q
}

var authIDRE = regexp.MustCompile(`name="auth_id" value="([^"]+)"`)

func mustAuthID(t *testing.T, body string) string {
	t.Helper()
	m := authIDRE.FindStringSubmatch(body)
	if m == nil {
		t.Fatalf("no auth_id in login page:\n%s", body)
	}
	return m[1]
}

func mustRedirect(t *testing.T, resp *http.Response) url.Values {
	t.Helper()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("want 302, got %d", resp.StatusCode)
	}
	loc, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatal(err)
	}
	if got := loc.Scheme + "://" + loc.Host + loc.Path; got != testRedirectURI {
		t.Fatalf("want redirect to %s, got %s", testRedirectURI, got)
	}
	return loc.Query()
}

var sessionStateRE = regexp.MustCompile(`^[A-Za-z0-9_-]{43}\.[A-Za-z0-9_-]+$`)

func TestAuthorizationFlow(t *testing.T) {
	ctx := context.Background()
	ts := newTestServer(t)

	resp, body := ts.get(t, "/auth", authQuery("idp:corp tenant:acme urn:gold idp:local urn:gold"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("want login page, got %d: %s", resp.StatusCode, body)
	}
	for _, want := range []string{"Corporate SSO", `<span id="tenant">acme</span>`, `<li class="acr">urn:gold</li>`} {
		if !strings.Contains(body, want) {
			t.Errorf("want %q in login page", want)
		}
	}
	if strings.Contains(body, "idp:") || strings.Contains(body, "tenant:") {
		t.Error("reserved acr values should not reach the login page")
	}
	if strings.Count(body, `class="acr"`) != 1 {
		t.Error("want residual acr values de-duplicated")
	}

	authID := mustAuthID(t, body)

	resp, _ = ts.postForm(t, "/login", url.Values{"auth_id": {authID}, "username": {"alice"}})
	rq := mustRedirect(t, resp)
	if rq.Get("state") != "xyz" {
		t.Errorf("want state xyz, got %q", rq.Get("state"))
	}
	if !sessionStateRE.MatchString(rq.Get("session_state")) {
		t.Errorf("session_state %q has wrong shape", rq.Get("session_state"))
	}

	ac := &AuthCode{}
	if _, err := ts.store.Get(ctx, authCodeKeyspace, rq.Get("code"), ac); err != nil {
		t.Fatalf("code not stored: %v", err)
	}
	if !core.CheckSessionState(testClientID, testOrigin, ac.SessionID, rq.Get("session_state")) {
		t.Error("session_state does not match the stored session")
	}
	ac.SessionID = ""
	ac.AuthTime = time.Time{}
	want := &AuthCode{
		ClientID:    testClientID,
		RedirectURI: testRedirectURI,
		Scopes:      []string{"openid"},
		Subject:     "alice",
		ConnectorID: "corp",
		Tenant:      "acme",
		ACRValues:   []string{"urn:gold"},
	}
	if diff := cmp.Diff(want, ac); diff != "" {
		t.Error(diff)
	}

	// pending request is single use
	resp, _ = ts.postForm(t, "/login", url.Values{"auth_id": {authID}, "username": {"alice"}})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("want reused auth_id rejected, got %d", resp.StatusCode)
	}

	// iframe sees the same session
	resp, body = ts.get(t, "/check_session/status", url.Values{
		"client_id":     {testClientID},
		"origin":        {testOrigin},
		"session_state": {rq.Get("session_state")},
	})
	if body != "unchanged" {
		t.Errorf("want unchanged, got %d %q", resp.StatusCode, body)
	}

	// existing session skips login, with a fresh salt
	resp, _ = ts.get(t, "/auth", authQuery("urn:gold"))
	rq2 := mustRedirect(t, resp)
	if rq2.Get("code") == "" || rq2.Get("code") == rq.Get("code") {
		t.Errorf("want a new code, got %q", rq2.Get("code"))
	}
	if rq2.Get("session_state") == rq.Get("session_state") {
		t.Error("want session_state to differ between responses")
	}
	if core.CheckSessionState(testClientID, testOrigin, "other-session", rq2.Get("session_state")) {
		t.Error("session_state should not match another session")
	}

	// prompt=login forces the login page
	resp, body = ts.get(t, "/auth", authQuery("", "prompt", "login"))
	if resp.StatusCode != http.StatusOK || !authIDRE.MatchString(body) {
		t.Errorf("want login page for prompt=login, got %d", resp.StatusCode)
	}

	// logging out changes the session
	resp, _ = ts.get(t, "/logout", url.Values{
		"client_id":                {testClientID},
		"post_logout_redirect_uri": {testRedirectURI},
		"state":                    {"bye"},
	})
	if lq := mustRedirect(t, resp); lq.Get("state") != "bye" {
		t.Errorf("want logout state passed back, got %q", lq.Get("state"))
	}
	_, body = ts.get(t, "/check_session/status", url.Values{
		"client_id":     {testClientID},
		"origin":        {testOrigin},
		"session_state": {rq.Get("session_state")},
	})
	if body != "changed" {
		t.Errorf("want changed after logout, got %q", body)
	}
}

func TestNativeAppRedirect(t *testing.T) {
	ctx := context.Background()
	ts := newTestServer(t)

	q := authQuery("")
	q.Set("redirect_uri", testNativeRedirectURI)

	_, body := ts.get(t, "/auth", q)
	resp, _ := ts.postForm(t, "/login", url.Values{"auth_id": {mustAuthID(t, body)}, "username": {"alice"}})
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("want 302, got %d", resp.StatusCode)
	}
	loc, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatal(err)
	}
	if loc.Scheme != "com.example.app" || loc.Path != "/oauth2redirect" {
		t.Fatalf("want redirect to %s, got %s", testNativeRedirectURI, loc)
	}
	rq := loc.Query()
	if rq.Get("error") != "" {
		t.Fatalf("want code, got error %q", rq.Get("error"))
	}

	ac := &AuthCode{}
	if _, err := ts.store.Get(ctx, authCodeKeyspace, rq.Get("code"), ac); err != nil {
		t.Fatalf("code not stored: %v", err)
	}
	if !sessionStateRE.MatchString(rq.Get("session_state")) {
		t.Errorf("session_state %q has wrong shape", rq.Get("session_state"))
	}
	if !core.CheckSessionState(testClientID, testNativeOrigin, ac.SessionID, rq.Get("session_state")) {
		t.Errorf("want session_state bound to origin %s", testNativeOrigin)
	}
}

func TestSessionStateFailureStoresNoCode(t *testing.T) {
	ctx := context.Background()
	ts := newTestServer(t)
	ts.svr.sessionState = func(*core.AuthorizationRequest) (string, bool, error) {
		return "", false, errors.New("entropy exhausted")
	}

	_, body := ts.get(t, "/auth", authQuery(""))
	resp, _ := ts.postForm(t, "/login", url.Values{"auth_id": {mustAuthID(t, body)}, "username": {"alice"}})

	rq := mustRedirect(t, resp)
	if rq.Get("error") != string(core.AuthErrorCodeServerError) {
		t.Errorf("want server_error, got %q", rq.Get("error"))
	}
	if rq.Get("code") != "" {
		t.Errorf("want no code sent, got %q", rq.Get("code"))
	}

	codes, err := ts.store.List(ctx, authCodeKeyspace)
	if err != nil {
		t.Fatal(err)
	}
	if len(codes) != 0 {
		t.Errorf("want no code stored, got %d", len(codes))
	}
}

func TestSessionStoreErrors(t *testing.T) {
	statusQuery := url.Values{
		"client_id":     {testClientID},
		"origin":        {testOrigin},
		"session_state": {"abc.def"},
	}

	t.Run("Backend unavailable", func(t *testing.T) {
		ts := newTestServer(t, func(c *Config) { c.SessionStore = failingSessions{} })

		resp, body := ts.get(t, "/check_session/status", statusQuery)
		if resp.StatusCode != http.StatusInternalServerError || body != "error" {
			t.Errorf("want 500 error, got %d %q", resp.StatusCode, body)
		}

		resp, _ = ts.get(t, "/auth", authQuery(""))
		if rq := mustRedirect(t, resp); rq.Get("error") != string(core.AuthErrorCodeServerError) {
			t.Errorf("want server_error, got %q", rq.Get("error"))
		}
	})

	t.Run("Undecodable cookie", func(t *testing.T) {
		ts := newTestServer(t)
		u, err := url.Parse(ts.URL)
		if err != nil {
			t.Fatal(err)
		}
		ts.client.Jar.SetCookies(u, []*http.Cookie{{Name: sessionName, Value: "garbage", Path: "/"}})

		resp, body := ts.get(t, "/check_session/status", statusQuery)
		if resp.StatusCode != http.StatusOK || body != "changed" {
			t.Errorf("want changed, got %d %q", resp.StatusCode, body)
		}

		resp, body = ts.get(t, "/auth", authQuery(""))
		if resp.StatusCode != http.StatusOK || !authIDRE.MatchString(body) {
			t.Errorf("want login page, got %d", resp.StatusCode)
		}
	})
}

func TestAuthorizationHints(t *testing.T) {
	for _, tc := range []struct {
		Name          string
		ACR           string
		WantConnector string
		WantTenant    string
		WantWarning   string
	}{
		{
			Name:          "No hints uses default",
			ACR:           "urn:silver",
			WantConnector: "Local Accounts",
		},
		{
			Name:          "Unknown idp falls back",
			ACR:           "idp:nope",
			WantConnector: "Local Accounts",
			WantWarning:   "unknown identity provider hint, using default connector",
		},
		{
			Name:          "Tenant not accepted",
			ACR:           "idp:corp tenant:initech",
			WantConnector: "Corporate SSO",
			WantWarning:   "tenant hint not accepted by connector, ignoring",
		},
		{
			Name:          "First hint wins",
			ACR:           "idp:corp idp:local tenant:globex tenant:acme",
			WantConnector: "Corporate SSO",
			WantTenant:    "globex",
		},
	} {
		t.Run(tc.Name, func(t *testing.T) {
			ts := newTestServer(t)

			resp, body := ts.get(t, "/auth", authQuery(tc.ACR))
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("want 200, got %d", resp.StatusCode)
			}
			if !strings.Contains(body, "Log in with "+tc.WantConnector) {
				t.Errorf("want connector %q on login page", tc.WantConnector)
			}
			if tc.WantTenant != "" && !strings.Contains(body, `<span id="tenant">`+tc.WantTenant+`</span>`) {
				t.Errorf("want tenant %q on login page", tc.WantTenant)
			}
			if tc.WantTenant == "" && strings.Contains(body, `id="tenant"`) {
				t.Error("want no tenant on login page")
			}

			var gotWarning bool
			for _, e := range ts.logHook.AllEntries() {
				if e.Message == tc.WantWarning {
					gotWarning = true
				}
			}
			if tc.WantWarning != "" && !gotWarning {
				t.Errorf("want warning %q logged", tc.WantWarning)
			}
		})
	}
}

func TestAuthorizationErrors(t *testing.T) {
	for _, tc := range []struct {
		Name      string
		Query     url.Values
		WantCode  int
		WantError string
	}{
		{
			Name:     "Unknown client",
			Query:    url.Values{"client_id": {"other"}, "redirect_uri": {testRedirectURI}, "response_type": {"code"}},
			WantCode: http.StatusBadRequest,
		},
		{
			Name:     "Unregistered redirect",
			Query:    url.Values{"client_id": {testClientID}, "redirect_uri": {"https://evil.example/cb"}, "response_type": {"code"}},
			WantCode: http.StatusBadRequest,
		},
		{
			Name:      "Unsupported response type",
			Query:     authQuery("", "response_type", "token"),
			WantCode:  http.StatusFound,
			WantError: "unsupported_response_type",
		},
		{
			Name:      "Prompt none without session",
			Query:     authQuery("", "prompt", "none"),
			WantCode:  http.StatusFound,
			WantError: "login_required",
		},
	} {
		t.Run(tc.Name, func(t *testing.T) {
			ts := newTestServer(t)

			resp, _ := ts.get(t, "/auth", tc.Query)
			if resp.StatusCode != tc.WantCode {
				t.Fatalf("want %d, got %d", tc.WantCode, resp.StatusCode)
			}
			if tc.WantError != "" {
				rq := mustRedirect(t, resp)
				if rq.Get("error") != tc.WantError {
					t.Errorf("want error %q, got %q", tc.WantError, rq.Get("error"))
				}
				if rq.Get("state") != "xyz" {
					t.Errorf("want state on error, got %q", rq.Get("state"))
				}
			}
		})
	}
}

func TestLogoutValidation(t *testing.T) {
	ts := newTestServer(t)

	for _, tc := range []struct {
		Name     string
		Query    url.Values
		WantCode int
	}{
		{
			Name:     "No redirect",
			WantCode: http.StatusOK,
		},
		{
			Name:     "Redirect without client",
			Query:    url.Values{"post_logout_redirect_uri": {testRedirectURI}},
			WantCode: http.StatusBadRequest,
		},
		{
			Name:     "Unregistered redirect",
			Query:    url.Values{"client_id": {testClientID}, "post_logout_redirect_uri": {"https://evil.example/"}},
			WantCode: http.StatusBadRequest,
		},
	} {
		t.Run(tc.Name, func(t *testing.T) {
			resp, _ := ts.get(t, "/logout", tc.Query)
			if resp.StatusCode != tc.WantCode {
				t.Errorf("want %d, got %d", tc.WantCode, resp.StatusCode)
			}
		})
	}
}

func TestDiscoveryAndMetrics(t *testing.T) {
	ctx := context.Background()
	ts := newTestServer(t)

	cli, err := discovery.NewClient(ctx, ts.URL, discovery.WithHTTPClient(ts.client))
	if err != nil {
		t.Fatalf("discovery failed: %v", err)
	}
	md := cli.Metadata()
	if md.AuthorizationEndpoint != ts.URL+"/auth" {
		t.Errorf("unexpected authorization endpoint %q", md.AuthorizationEndpoint)
	}
	if md.TokenEndpoint != ts.URL+"/token" {
		t.Errorf("want default token endpoint, got %q", md.TokenEndpoint)
	}
	if md.CheckSessionIframe != ts.URL+"/check_session" || md.EndSessionEndpoint != ts.URL+"/logout" {
		t.Errorf("session management endpoints not advertised: %q %q", md.CheckSessionIframe, md.EndSessionEndpoint)
	}
	if diff := cmp.Diff([]string{"urn:silver", "urn:gold"}, md.ACRValuesSupported); diff != "" {
		t.Error(diff)
	}

	keys, err := cli.PublicKeys(ctx)
	if err != nil {
		t.Fatalf("fetching keys: %v", err)
	}
	if len(keys.Key("testkey")) != 1 {
		t.Error("want testkey served")
	}

	resp, body := ts.get(t, "/check_session", nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(body, "postMessage") {
		t.Errorf("want check session iframe, got %d", resp.StatusCode)
	}

	resp, body = ts.get(t, "/healthz", nil)
	if resp.StatusCode != http.StatusOK || body != "ok" {
		t.Errorf("want healthy, got %d %q", resp.StatusCode, body)
	}

	mfs, err := ts.reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	counts := map[string]float64{}
	for _, mf := range mfs {
		if mf.GetName() != "http_requests_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			var handler string
			for _, l := range m.GetLabel() {
				if l.GetName() == "handler" {
					handler = l.GetValue()
				}
			}
			counts[handler] += m.GetCounter().GetValue()
		}
	}
	want := map[string]float64{
		"/.well-known/openid-configuration": 2,
		"/check_session":                    1,
		"/healthz":                          1,
	}
	if diff := cmp.Diff(want, counts); diff != "" {
		t.Errorf("request counts (-want +got):\n%s", diff)
	}
}

func TestNewServerValidation(t *testing.T) {
	if _, err := NewServer(context.Background(), Config{Issuer: "https://issuer"}); err == nil {
		t.Error("want error for missing storage")
	}
}
