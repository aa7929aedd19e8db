package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/gorilla/sessions"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/pardot/oidcop/checksession"
	"github.com/pardot/oidcop/core"
	"github.com/pardot/oidcop/discovery"
	"github.com/pardot/oidcop/storage"
)

const (
	wellKnownPath    = "/.well-known/openid-configuration"
	checkSessionPath = "/check_session"
)

// Config holds the server's configuration options.
//
// Multiple servers using the same storage are expected to be configured identically.
type Config struct {
	Issuer string

	// TokenEndpoint is advertised in discovery. Codes issued by this server
	// are redeemed elsewhere. Defaults to <issuer>/token
	TokenEndpoint string

	// The backing persistence layer, for pending authorizations and issued
	// codes.
	Storage storage.Storage

	// Clients validates the client ID and redirect URI of requests.
	Clients core.ClientSource

	// Connectors the user can log in with. The first is used when the request
	// has no identity-provider hint, or an unknown one. At least one is
	// required.
	Connectors []Connector

	// ACRPrefixes reserves the acr_values prefixes that carry hints. Defaults
	// to core.DefaultACRPrefixes()
	ACRPrefixes *core.ACRPrefixes

	// ACRValuesSupported is advertised in discovery.
	ACRValuesSupported []string

	// SessionStore holds the user's session at this provider.
	SessionStore sessions.Store

	// KeySource provides the keys served from the JWKS endpoint.
	KeySource discovery.KeySource

	// List of allowed origins for CORS requests on the discovery endpoint.
	// If none are indicated, CORS requests are disabled. Passing in "*" will
	// allow any domain.
	AllowedOrigins []string

	AuthValidityTime time.Duration // Defaults to 10 minutes
	CodeValidityTime time.Duration // Defaults to 1 minute

	GCFrequency time.Duration // Defaults to 5 minutes

	// If specified, the server will use this function for determining time.
	Now func() time.Time

	Logger logrus.FieldLogger

	PrometheusRegistry *prometheus.Registry
}

func value(val, defaultValue time.Duration) time.Duration {
	if val == 0 {
		return defaultValue
	}
	return val
}

// Server is the top level object.
type Server struct {
	issuerURL url.URL

	storage    storage.Storage
	clients    core.ClientSource
	connectors []Connector
	acr        *core.ACRPrefixes
	sessions   sessions.Store
	templates  *templates

	mux *mux.Router

	authValidityTime time.Duration
	codeValidityTime time.Duration

	sessionState func(*core.AuthorizationRequest) (string, bool, error)

	now func() time.Time

	logger logrus.FieldLogger
}

// NewServer constructs a server from the provided config. Background garbage
// collection runs until ctx is cancelled.
func NewServer(ctx context.Context, c Config) (*Server, error) {
	issuerURL, err := url.Parse(c.Issuer)
	if err != nil {
		return nil, fmt.Errorf("server: can't parse issuer URL")
	}

	if c.Storage == nil {
		return nil, errors.New("server: storage cannot be nil")
	}
	if c.Clients == nil {
		return nil, errors.New("server: clients cannot be nil")
	}
	if c.SessionStore == nil {
		return nil, errors.New("server: session store cannot be nil")
	}
	if c.KeySource == nil {
		return nil, errors.New("server: key source cannot be nil")
	}
	if len(c.Connectors) == 0 {
		return nil, errors.New("server: at least one connector is required")
	}
	if c.PrometheusRegistry == nil {
		return nil, errors.New("server: prometheus registry cannot be nil")
	}

	now := c.Now
	if now == nil {
		now = time.Now
	}

	logger := c.Logger
	if logger == nil {
		logger = logrus.New()
	}

	acr := c.ACRPrefixes
	if acr == nil {
		acr = core.DefaultACRPrefixes()
	}

	tmpls, err := loadTemplates(c.Issuer)
	if err != nil {
		return nil, fmt.Errorf("server: failed to load templates: %v", err)
	}

	s := &Server{
		issuerURL:        *issuerURL,
		storage:          c.Storage,
		clients:          c.Clients,
		connectors:       c.Connectors,
		acr:              acr,
		sessions:         c.SessionStore,
		templates:        tmpls,
		authValidityTime: value(c.AuthValidityTime, 10*time.Minute),
		codeValidityTime: value(c.CodeValidityTime, 1*time.Minute),
		sessionState:     core.SessionState,
		now:              now,
		logger:           logger,
	}

	requestCounter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Count of all HTTP requests.",
	}, []string{"handler", "code", "method"})

	err = c.PrometheusRegistry.Register(requestCounter)
	if err != nil {
		return nil, fmt.Errorf("server: Failed to register Prometheus HTTP metrics: %v", err)
	}

	instrumentHandlerCounter := func(handlerName string, handler http.Handler) http.HandlerFunc {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, w, r)
			requestCounter.With(prometheus.Labels{"handler": handlerName, "code": strconv.Itoa(m.Code), "method": r.Method}).Inc()
		})
	}

	r := mux.NewRouter()
	handle := func(p string, h http.Handler) {
		r.Handle(s.absPath(p), instrumentHandlerCounter(p, h))
	}
	handleFunc := func(p string, h http.HandlerFunc) {
		handle(p, h)
	}
	withCORS := func(h http.Handler) http.Handler {
		if len(c.AllowedOrigins) > 0 {
			corsOption := handlers.AllowedOrigins(c.AllowedOrigins)
			return handlers.CORS(corsOption)(h)
		}
		return h
	}
	r.NotFoundHandler = http.HandlerFunc(http.NotFound)

	tokenEndpoint := c.TokenEndpoint
	if tokenEndpoint == "" {
		tokenEndpoint = s.absURL("/token")
	}
	discoveryHandler, err := discovery.NewHandler(&discovery.ProviderMetadata{
		Issuer:                c.Issuer,
		AuthorizationEndpoint: s.absURL("/auth"),
		TokenEndpoint:         tokenEndpoint,
		ACRValuesSupported:    c.ACRValuesSupported,
	},
		discovery.WithKeysource(c.KeySource, 1*time.Minute),
		discovery.WithCoreDefaults(),
		discovery.WithSessionManagement(s.absURL(checkSessionPath), s.absURL("/logout")),
	)
	if err != nil {
		return nil, fmt.Errorf("server: failed to create discovery handler: %v", err)
	}
	wk := s.absPath(wellKnownPath)
	r.Handle(wk, instrumentHandlerCounter(wellKnownPath, withCORS(discoveryHandler)))
	r.PathPrefix(wk + "/").Handler(instrumentHandlerCounter(wellKnownPath, withCORS(http.StripPrefix(wk, discoveryHandler))))

	csh := checksession.NewHandler(s.absURL(checkSessionPath), s.currentSessionID, logger.WithField("handler", checkSessionPath))
	handle(checkSessionPath, csh)
	handle(checkSessionPath+"/status", csh)

	handleFunc("/auth", s.handleAuthorization)
	handleFunc("/login", s.handleLogin)
	handleFunc("/logout", s.handleLogout)
	handleFunc("/healthz", s.handleHealth)
	s.mux = r

	if gc, ok := c.Storage.(storage.GarbageCollector); ok {
		s.startGarbageCollection(ctx, gc, value(c.GCFrequency, 5*time.Minute), now)
	}

	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) absPath(pathItems ...string) string {
	paths := make([]string, len(pathItems)+1)
	paths[0] = s.issuerURL.Path
	copy(paths[1:], pathItems)
	return path.Join(paths...)
}

func (s *Server) absURL(pathItems ...string) string {
	u := s.issuerURL
	u.Path = s.absPath(pathItems...)
	return u.String()
}

func (s *Server) startGarbageCollection(ctx context.Context, gc storage.GarbageCollector, frequency time.Duration, now func() time.Time) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(frequency):
				if r, err := gc.GarbageCollect(ctx, now()); err != nil {
					s.logger.Errorf("garbage collection failed: %v", err)
				} else if r > 0 {
					s.logger.Infof("garbage collection run, deleted items=%d", r)
				}
			}
		}
	}()
}
