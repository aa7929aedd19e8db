package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"strings"

	"golang.org/x/oauth2"

	"github.com/pardot/oidcop/discovery"
)

const (
	clientID = "client-id"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := struct {
		Issuer      string
		ClientID    string
		RedirectURL string
		ACRValues   string
		Listen      string
	}{
		Issuer:      "http://localhost:8085",
		ClientID:    clientID,
		RedirectURL: "http://localhost:8084/callback",
		Listen:      "localhost:8084",
	}

	flag.StringVar(&cfg.Issuer, "issuer", cfg.Issuer, "issuer")
	flag.StringVar(&cfg.ClientID, "client-id", cfg.ClientID, "client ID")
	flag.StringVar(&cfg.RedirectURL, "redirect-url", cfg.RedirectURL, "redirect URL")
	flag.StringVar(&cfg.ACRValues, "acr-values", cfg.ACRValues, "space separated acr_values to request, e.g. \"idp:corp tenant:acme urn:gold\"")
	flag.StringVar(&cfg.Listen, "listen", cfg.Listen, "address to listen on")

	flag.Parse()

	dc, err := discovery.NewClient(ctx, cfg.Issuer)
	if err != nil {
		log.Fatalf("failed to discover issuer: %v", err)
	}
	if !dc.SupportsSessionManagement() {
		log.Fatalf("issuer %s does not advertise a check_session_iframe", cfg.Issuer)
	}

	svr := &server{
		oa2: &oauth2.Config{
			ClientID: cfg.ClientID,
			Endpoint: oauth2.Endpoint{
				AuthURL:  dc.Metadata().AuthorizationEndpoint,
				TokenURL: dc.Metadata().TokenEndpoint,
			},
			RedirectURL: cfg.RedirectURL,
			Scopes:      []string{"openid"},
		},
		checkSessionIframe: dc.Metadata().CheckSessionIframe,
		endSessionEndpoint: dc.Metadata().EndSessionEndpoint,
		acrValues:          strings.Fields(cfg.ACRValues),
	}

	log.Printf("Listening on: http://%s", cfg.Listen)
	err = http.ListenAndServe(cfg.Listen, svr)
	if err != nil {
		log.Fatal(err)
	}
}
