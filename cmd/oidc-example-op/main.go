package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/sessions"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/pardot/oidcop/internal/server"
	"github.com/pardot/oidcop/keyset"
)

const (
	sessionAuthenticationKeyBytesLength = 64
	sessionEncryptionKeyBytesLength     = 32
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %s\n", os.Args[0], err)
		os.Exit(1)
	}
}

var cmd = cobra.Command{
	Use:   "oidc-example-op",
	Short: "Example OpenID provider with session management",
	RunE:  run,
}

var ( // flags
	addr                     string
	issuer                   string
	configPath               string
	metricsAddr              string
	sessionAuthenticationKey string
	sessionEncryptionKey     string
	rotateKeysAfter          time.Duration
	keysValidFor             time.Duration
	debug                    bool
)

func init() {
	cmd.Flags().StringVar(&addr, "addr", "localhost:8085", "Address to listen on")
	cmd.Flags().StringVar(&issuer, "issuer", "http://localhost:8085", "Issuer URL for OIDC provider")
	cmd.Flags().StringVar(&configPath, "config", "", "Path to YAML config file with clients and connectors")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Address to serve prometheus metrics on, disabled if empty")
	cmd.Flags().StringVar(&sessionAuthenticationKey, "session-auth-key", mustGenRandB64(sessionAuthenticationKeyBytesLength), "Session authentication key, 64-byte, base64-encoded")
	cmd.Flags().StringVar(&sessionEncryptionKey, "session-encrypt-key", mustGenRandB64(sessionEncryptionKeyBytesLength), "Session encryption key, 32-byte, base64-encoded")
	cmd.Flags().DurationVar(&rotateKeysAfter, "rotate-keys-after", 6*time.Hour, "How often the signing key is rotated")
	cmd.Flags().DurationVar(&keysValidFor, "keys-valid-for", 24*time.Hour, "How long a replaced key is still published in the JWKS document")
	cmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging")
	_ = cmd.MarkFlagRequired("config")
}

func run(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := logrus.New()
	if debug {
		logger.SetLevel(logrus.DebugLevel)
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	session, err := newSessionStore(sessionAuthenticationKey, sessionEncryptionKey)
	if err != nil {
		return err
	}

	st, err := cfg.Storage.open(ctx)
	if err != nil {
		return err
	}

	keys := keyset.NewRotator(st, keyset.Policy{
		RotateEvery: rotateKeysAfter,
		PublishFor:  keysValidFor,
	}, logger.WithField("component", "keyset"))
	if err := keys.Start(ctx); err != nil {
		return errors.Wrap(err, "failed to start key rotation")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	svr, err := server.NewServer(ctx, server.Config{
		Issuer:             issuer,
		TokenEndpoint:      cfg.TokenEndpoint,
		Storage:            st,
		Clients:            cfg.Clients,
		Connectors:         cfg.connectors(),
		ACRPrefixes:        cfg.acrPrefixes(),
		ACRValuesSupported: cfg.ACRValuesSupported,
		SessionStore:       session,
		KeySource:          keys,
		AllowedOrigins:     cfg.AllowedOrigins,
		Logger:             logger,
		PrometheusRegistry: reg,
	})
	if err != nil {
		return errors.Wrap(err, "Error creating server")
	}

	if metricsAddr != "" {
		go func() {
			m := http.NewServeMux()
			m.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			logger.WithField("addr", metricsAddr).Info("serving metrics")
			if err := http.ListenAndServe(metricsAddr, m); err != nil {
				logger.WithError(err).Error("metrics listener failed")
			}
		}()
	}

	logger.WithFields(logrus.Fields{
		"addr":   addr,
		"issuer": issuer,
	}).Info("listening")

	srv := &http.Server{
		Addr:    addr,
		Handler: svr,
	}
	return srv.ListenAndServe()
}

func newSessionStore(authKeyB64, encryptKeyB64 string) (*sessions.CookieStore, error) {
	authKey, err := base64.StdEncoding.DecodeString(authKeyB64)
	if err != nil {
		return nil, errors.Wrap(err, "failed to base64 decode session-auth-key")
	} else if len(authKey) != sessionAuthenticationKeyBytesLength {
		return nil, fmt.Errorf("session-auth-key must be %d bytes of random data", sessionAuthenticationKeyBytesLength)
	}

	encryptKey, err := base64.StdEncoding.DecodeString(encryptKeyB64)
	if err != nil {
		return nil, errors.Wrap(err, "failed to base64 decode session-encrypt-key")
	} else if len(encryptKey) != sessionEncryptionKeyBytesLength {
		return nil, fmt.Errorf("session-encrypt-key must be %d bytes of random data", sessionEncryptionKeyBytesLength)
	}

	store := sessions.NewCookieStore(authKey, encryptKey)
	store.Options.HttpOnly = true
	return store, nil
}

func mustGenRandB64(len int) string {
	b := make([]byte, len)
	_, err := rand.Read(b)
	if err != nil {
		log.Fatalf("Error fetching %d random bytes [%+v]", len, err)
	}
	return base64.StdEncoding.EncodeToString(b)
}
