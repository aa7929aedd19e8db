package server

// Connector is an upstream identity provider the user can be sent to for
// login. The identity-provider hint in a request's acr_values selects a
// connector by ID.
type Connector interface {
	// ID is matched against the identity-provider hint.
	ID() string
	// DisplayName is shown to the user on the login page.
	DisplayName() string
	// Tenants lists the tenant hints this connector accepts. An empty list
	// means the connector is not multi-tenant, and tenant hints are ignored.
	Tenants() []string
}

// StaticConnector is a Connector defined entirely by configuration.
type StaticConnector struct {
	ConnectorID string   `json:"id"`
	Name        string   `json:"name"`
	TenantIDs   []string `json:"tenants"`
}

var _ Connector = (*StaticConnector)(nil)

func (s *StaticConnector) ID() string { return s.ConnectorID }

func (s *StaticConnector) DisplayName() string {
	if s.Name == "" {
		return s.ConnectorID
	}
	return s.Name
}

func (s *StaticConnector) Tenants() []string { return s.TenantIDs }

// selectConnector returns the connector matching the hint, or the default
// (first) connector. matched is false if the default was used because the
// hint was absent or unknown.
func selectConnector(connectors []Connector, hint string, hinted bool) (conn Connector, matched bool) {
	if hinted {
		for _, c := range connectors {
			if c.ID() == hint {
				return c, true
			}
		}
	}
	return connectors[0], false
}

// acceptsTenant checks the tenant hint against the connector's tenant list.
func acceptsTenant(c Connector, tenant string) bool {
	for _, t := range c.Tenants() {
		if t == tenant {
			return true
		}
	}
	return false
}
