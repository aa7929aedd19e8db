// Package discovery implements both a server handler and client side for
// interacting with the OIDC discovery mechanism.
//
// https://openid.net/specs/openid-connect-discovery-1_0.html
package discovery
