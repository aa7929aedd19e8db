// Package core is a library implementation of helpers for the authorization
// endpoint of an OIDC provider
// (https://openid.net/specs/openid-connect-core-1_0.html), and for OIDC
// Session Management
// (https://openid.net/specs/openid-connect-session-1_0.html).
//
// It parses and validates authorization requests, splits the requested
// acr_values into identity provider and tenant hints and the remaining ACR
// values, and generates the session_state value returned to relying parties.
// Note: It does not _enforce_ all behaviours required by the OIDC specifications,
// implementations that consume this should be sure to not introduce
// non-compliant behaviours.
package core
