package main

import (
	"strings"
)

type client struct {
	ClientID     string   `json:"id"`
	RedirectURIs []string `json:"redirectURIs"`
	// Public clients may also redirect to any http://localhost URL.
	Public bool `json:"public"`
}

type staticClients []client

func (s staticClients) IsValidClientID(clientID string) (ok bool, err error) {
	for _, c := range s {
		if c.ClientID == clientID {
			return true, nil
		}
	}
	return false, nil
}

func (s staticClients) ValidateClientRedirectURI(clientID, redirectURI string) (ok bool, err error) {
	var cl *client
	for i := range s {
		if s[i].ClientID == clientID {
			cl = &s[i]
		}
	}
	if cl == nil {
		return false, nil
	}
	for _, r := range cl.RedirectURIs {
		if r == redirectURI {
			return true, nil
		}
	}
	if cl.Public && strings.HasPrefix(redirectURI, "http://localhost") { // hacky but probably fine here
		return true, nil
	}
	return false, nil
}
