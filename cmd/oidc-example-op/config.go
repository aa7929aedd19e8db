package main

import (
	"os"

	"github.com/ghodss/yaml"
	"github.com/pkg/errors"

	"github.com/pardot/oidcop/core"
	"github.com/pardot/oidcop/internal/server"
)

type acrPrefixConfig struct {
	HomeRealm string `json:"homeRealm"`
	Tenant    string `json:"tenant"`
}

// config is the YAML configuration file.
type config struct {
	TokenEndpoint      string                    `json:"tokenEndpoint"`
	AllowedOrigins     []string                  `json:"allowedOrigins"`
	ACRPrefixes        acrPrefixConfig           `json:"acrPrefixes"`
	ACRValuesSupported []string                  `json:"acrValuesSupported"`
	Clients            staticClients             `json:"clients"`
	Connectors         []*server.StaticConnector `json:"connectors"`
	Storage            storageConfig             `json:"storage"`
}

func loadConfig(path string) (*config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", path)
	}
	return parseConfig(b)
}

func parseConfig(b []byte) (*config, error) {
	c := &config{}
	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, errors.Wrap(err, "failed to parse config")
	}

	if len(c.Clients) == 0 {
		return nil, errors.New("at least one client must be configured")
	}
	for i, cl := range c.Clients {
		if cl.ClientID == "" {
			return nil, errors.Errorf("client %d has no id", i)
		}
	}

	if len(c.Connectors) == 0 {
		c.Connectors = []*server.StaticConnector{{ConnectorID: "local", Name: "Local"}}
	}
	for i, cn := range c.Connectors {
		if cn.ConnectorID == "" {
			return nil, errors.Errorf("connector %d has no id", i)
		}
	}

	if err := c.Storage.validate(); err != nil {
		return nil, err
	}

	return c, nil
}

func (c *config) acrPrefixes() *core.ACRPrefixes {
	return core.NewACRPrefixes(c.ACRPrefixes.HomeRealm, c.ACRPrefixes.Tenant)
}

func (c *config) connectors() []server.Connector {
	ret := make([]server.Connector, len(c.Connectors))
	for i, cn := range c.Connectors {
		ret[i] = cn
	}
	return ret
}
