package discovery

import (
	"context"
	"fmt"
	"net/http"

	"gopkg.in/square/go-jose.v2"
	"gopkg.in/square/go-jose.v2/json"
)

// Client can be used to fetch the provider metadata for a given issuer, and can
// also return the signing keys on demand. Relying parties can use it to find
// the provider's check_session_iframe.
//
// It should be created via `NewClient` to ensure it is initialized correctly.
type Client struct {
	md *ProviderMetadata

	hc *http.Client
}

// ClientOpt is an option that can configure a client
type ClientOpt func(c *Client)

// WithHTTPClient will set a http.Client for the initial discovery, and key
// fetching. If not set, http.DefaultClient will be used.
func WithHTTPClient(hc *http.Client) ClientOpt {
	return func(c *Client) {
		c.hc = hc
	}
}

// NewClient will initialize a Client, performing the initial discovery.
func NewClient(ctx context.Context, issuer string, opts ...ClientOpt) (*Client, error) {
	c := &Client{
		md: &ProviderMetadata{},
		hc: http.DefaultClient,
	}

	for _, o := range opts {
		o(c)
	}

	if err := c.getJSON(ctx, issuer+oidcwk, c.md); err != nil {
		return nil, fmt.Errorf("error fetching provider metadata: %w", err)
	}

	if c.md.Issuer != issuer {
		return nil, fmt.Errorf("provider metadata issuer %q does not match %q", c.md.Issuer, issuer)
	}

	return c, nil
}

// Metadata returns the ProviderMetadata that was retrieved when the client was
// instantiated
func (c *Client) Metadata() *ProviderMetadata {
	return c.md
}

// SupportsSessionManagement returns true if the provider advertises a
// check_session_iframe.
func (c *Client) SupportsSessionManagement() bool {
	return c.md.CheckSessionIframe != ""
}

// PublicKeys will fetch and return the JWKS endpoint for this metadata. each
// request will perform a new HTTP request to the endpoint.
func (c *Client) PublicKeys(ctx context.Context) (*jose.JSONWebKeySet, error) {
	if c.md.JWKSURI == "" {
		return nil, fmt.Errorf("metadata has no JWKS endpoint, cannot fetch keys")
	}

	ks := &jose.JSONWebKeySet{}
	if err := c.getJSON(ctx, c.md.JWKSURI, ks); err != nil {
		return nil, fmt.Errorf("failed to get keys: %w", err)
	}

	return ks, nil
}

func (c *Client) getJSON(ctx context.Context, url string, into interface{}) error {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("building request for %s: %w", url, err)
	}

	res, err := c.hc.Do(req.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("error fetching %s: %w", url, err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("fetching %s returned status %d", url, res.StatusCode)
	}

	if err := json.NewDecoder(res.Body).Decode(into); err != nil {
		return fmt.Errorf("error decoding %s response: %w", url, err)
	}
	return nil
}
