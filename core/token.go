package core

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

const (
	tokenLen = 32
)

// NewID returns a new, unique identifier suitable for sessions, authorization
// flows and codes. It is hard to guess, being derived from 256 bits of random
// data.
func NewID() (string, error) {
	return randomToken(tokenLen)
}

// randomToken returns n bytes of random data, URL-safe base64 encoded without
// padding. Errors reading the random source are returned, there is no fallback.
func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("error reading random data: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
