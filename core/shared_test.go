package core

import (
	"fmt"
	"net/url"
)

// contains helpers used by multiple tests

type csClient struct {
	RedirectURI string
}

type stubCS struct {
	validClients map[string]csClient
	err          error
}

func (s *stubCS) IsValidClientID(clientID string) (ok bool, err error) {
	if s.err != nil {
		return false, s.err
	}
	_, ok = s.validClients[clientID]
	return ok, nil
}

func (s *stubCS) ValidateClientRedirectURI(clientID, redirectURI string) (ok bool, err error) {
	cl, ok := s.validClients[clientID]
	if !ok {
		return false, fmt.Errorf("invalid client %s", clientID)
	}
	return redirectURI == cl.RedirectURI, nil
}

func mustURL(str string) *url.URL {
	u, err := url.Parse(str)
	if err != nil {
		panic(err)
	}
	return u
}
