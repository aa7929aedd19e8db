package core

import (
	"strings"
)

// ACRRole identifies what a reserved acr_values prefix signals.
type ACRRole string

const (
	// ACRRoleHomeRealm marks the identity provider the user should be sent
	// to.
	ACRRoleHomeRealm ACRRole = "home-realm-hint"
	// ACRRoleTenant marks the tenant the request is made on behalf of.
	ACRRoleTenant ACRRole = "tenant-hint"
)

const (
	// DefaultHomeRealmPrefix is the acr_values prefix carrying the identity
	// provider hint, e.g "idp:google"
	DefaultHomeRealmPrefix = "idp:"
	// DefaultTenantPrefix is the acr_values prefix carrying the tenant hint,
	// e.g "tenant:acme"
	DefaultTenantPrefix = "tenant:"
)

type acrPrefix struct {
	Role   ACRRole
	Prefix string
}

// ACRPrefixes is the registry of reserved acr_values prefixes. Values that
// start with a reserved prefix are treated as structured hints, and are never
// passed on as opaque ACR values.
//
// It should be constructed once at startup, and is safe for concurrent use as
// it is never modified after construction.
//
// https://openid.net/specs/openid-connect-core-1_0.html#AuthRequest
type ACRPrefixes struct {
	prefixes []acrPrefix
}

// DefaultACRPrefixes returns a registry with the "idp:" and "tenant:"
// prefixes.
func DefaultACRPrefixes() *ACRPrefixes {
	return NewACRPrefixes(DefaultHomeRealmPrefix, DefaultTenantPrefix)
}

// NewACRPrefixes returns a registry with the given home realm and tenant
// prefixes. Empty prefixes are replaced with the defaults, as an empty prefix
// would reserve every value.
func NewACRPrefixes(homeRealm, tenant string) *ACRPrefixes {
	if homeRealm == "" {
		homeRealm = DefaultHomeRealmPrefix
	}
	if tenant == "" {
		tenant = DefaultTenantPrefix
	}
	return &ACRPrefixes{
		prefixes: []acrPrefix{
			{Role: ACRRoleHomeRealm, Prefix: homeRealm},
			{Role: ACRRoleTenant, Prefix: tenant},
		},
	}
}

// Prefix returns the prefix registered for the role, or an empty string if
// none is.
func (a *ACRPrefixes) Prefix(role ACRRole) string {
	for _, p := range a.prefixes {
		if p.Role == role {
			return p.Prefix
		}
	}
	return ""
}

// Prefixes returns all reserved prefixes, in registration order.
func (a *ACRPrefixes) Prefixes() []string {
	ret := make([]string, len(a.prefixes))
	for i, p := range a.prefixes {
		ret[i] = p.Prefix
	}
	return ret
}

// Reserved returns true if the value starts with any registered prefix.
func (a *ACRPrefixes) Reserved(value string) bool {
	for _, p := range a.prefixes {
		if strings.HasPrefix(value, p.Prefix) {
			return true
		}
	}
	return false
}

// IdentityProviderHint returns the identity provider requested via the home
// realm prefix. ok is false if the request carries no such value.
func (a *ACRPrefixes) IdentityProviderHint(req *AuthorizationRequest) (idp string, ok bool) {
	return ExtractPrefixedACRValue(req.ACRValues, a.Prefix(ACRRoleHomeRealm))
}

// TenantHint returns the tenant requested via the tenant prefix. ok is false
// if the request carries no such value.
func (a *ACRPrefixes) TenantHint(req *AuthorizationRequest) (tenant string, ok bool) {
	return ExtractPrefixedACRValue(req.ACRValues, a.Prefix(ACRRoleTenant))
}

// ResidualACRValues returns the requested ACR values that are not reserved,
// with duplicates removed. Order of first occurrence is kept.
func (a *ACRPrefixes) ResidualACRValues(req *AuthorizationRequest) []string {
	ret := []string{}
	seen := map[string]struct{}{}
	for _, v := range req.ACRValues {
		if a.Reserved(v) {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		ret = append(ret, v)
	}
	return ret
}

// ExtractPrefixedACRValue finds the first value starting with prefix, and
// returns the remainder of it. Later values with the same prefix are ignored.
// A value equal to the prefix returns an empty string with ok true.
func ExtractPrefixedACRValue(values []string, prefix string) (value string, ok bool) {
	for _, v := range values {
		if strings.HasPrefix(v, prefix) {
			return strings.TrimPrefix(v, prefix), true
		}
	}
	return "", false
}
