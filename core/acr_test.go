package core

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestExtractPrefixedACRValue(t *testing.T) {
	for _, tc := range []struct {
		Name      string
		Values    []string
		Prefix    string
		WantValue string
		WantOK    bool
	}{
		{
			Name:   "No values",
			Prefix: "idp:",
		},
		{
			Name:   "No match",
			Values: []string{"urn:silver", "tenant:acme"},
			Prefix: "idp:",
		},
		{
			Name:      "Single match",
			Values:    []string{"urn:silver", "idp:google"},
			Prefix:    "idp:",
			WantValue: "google",
			WantOK:    true,
		},
		{
			Name:      "First match wins",
			Values:    []string{"idp:a", "idp:b"},
			Prefix:    "idp:",
			WantValue: "a",
			WantOK:    true,
		},
		{
			Name:      "Value equal to prefix is an empty hint",
			Values:    []string{"idp:", "idp:b"},
			Prefix:    "idp:",
			WantValue: "",
			WantOK:    true,
		},
		{
			Name:   "Prefix is case sensitive",
			Values: []string{"IDP:google"},
			Prefix: "idp:",
		},
		{
			Name:      "Only the prefix is stripped",
			Values:    []string{"idp:idp:x"},
			Prefix:    "idp:",
			WantValue: "idp:x",
			WantOK:    true,
		},
	} {
		t.Run(tc.Name, func(t *testing.T) {
			got, ok := ExtractPrefixedACRValue(tc.Values, tc.Prefix)
			if ok != tc.WantOK {
				t.Errorf("want ok %t, got %t", tc.WantOK, ok)
			}
			if got != tc.WantValue {
				t.Errorf("want value %q, got %q", tc.WantValue, got)
			}
		})
	}
}

func TestACRPrefixes(t *testing.T) {
	type hint struct {
		Value string
		OK    bool
	}

	for _, tc := range []struct {
		Name         string
		Prefixes     *ACRPrefixes
		Values       []string
		WantIDP      hint
		WantTenant   hint
		WantResidual []string
	}{
		{
			Name:         "Empty",
			Prefixes:     DefaultACRPrefixes(),
			WantResidual: []string{},
		},
		{
			Name:         "No reserved values are de-duplicated in order",
			Prefixes:     DefaultACRPrefixes(),
			Values:       []string{"b", "a", "b", "c", "a"},
			WantResidual: []string{"b", "a", "c"},
		},
		{
			Name:         "Hints are split out",
			Prefixes:     DefaultACRPrefixes(),
			Values:       []string{"urn:silver", "idp:google", "tenant:acme", "urn:gold"},
			WantIDP:      hint{Value: "google", OK: true},
			WantTenant:   hint{Value: "acme", OK: true},
			WantResidual: []string{"urn:silver", "urn:gold"},
		},
		{
			Name:         "Ignored duplicate hints are still excluded",
			Prefixes:     DefaultACRPrefixes(),
			Values:       []string{"idp:a", "x", "idp:b", "tenant:", "tenant:t2"},
			WantIDP:      hint{Value: "a", OK: true},
			WantTenant:   hint{Value: "", OK: true},
			WantResidual: []string{"x"},
		},
		{
			Name:         "Custom prefixes",
			Prefixes:     NewACRPrefixes("hrd=", "org="),
			Values:       []string{"idp:google", "hrd=okta", "org=acme"},
			WantIDP:      hint{Value: "okta", OK: true},
			WantTenant:   hint{Value: "acme", OK: true},
			WantResidual: []string{"idp:google"},
		},
		{
			Name:         "Empty custom prefixes fall back to defaults",
			Prefixes:     NewACRPrefixes("", ""),
			Values:       []string{"idp:google", "plain"},
			WantIDP:      hint{Value: "google", OK: true},
			WantResidual: []string{"plain"},
		},
	} {
		t.Run(tc.Name, func(t *testing.T) {
			req := &AuthorizationRequest{ACRValues: tc.Values}

			idp, ok := tc.Prefixes.IdentityProviderHint(req)
			if diff := cmp.Diff(tc.WantIDP, hint{Value: idp, OK: ok}); diff != "" {
				t.Errorf("identity provider hint: %s", diff)
			}

			tenant, ok := tc.Prefixes.TenantHint(req)
			if diff := cmp.Diff(tc.WantTenant, hint{Value: tenant, OK: ok}); diff != "" {
				t.Errorf("tenant hint: %s", diff)
			}

			residual := tc.Prefixes.ResidualACRValues(req)
			if diff := cmp.Diff(tc.WantResidual, residual, cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("residual values: %s", diff)
			}
			for _, r := range residual {
				if tc.Prefixes.Reserved(r) {
					t.Errorf("residual value %q is reserved", r)
				}
			}
		})
	}
}

func TestACRPrefixesRegistry(t *testing.T) {
	p := DefaultACRPrefixes()

	if diff := cmp.Diff([]string{"idp:", "tenant:"}, p.Prefixes()); diff != "" {
		t.Error(diff)
	}
	if got := p.Prefix(ACRRoleTenant); got != "tenant:" {
		t.Errorf("want tenant prefix tenant:, got %q", got)
	}
	if got := p.Prefix(ACRRole("unknown")); got != "" {
		t.Errorf("want no prefix for unknown role, got %q", got)
	}

	// the returned slice must not alias the registry
	p.Prefixes()[0] = "changed:"
	if got := p.Prefix(ACRRoleHomeRealm); got != "idp:" {
		t.Errorf("registry was modified via Prefixes, got %q", got)
	}
}
