// Package roster holds the membership data model, the in-memory roster cache
// and the reconciliation engine that classifies the cached roster against an
// externally supplied list of identifiers.
package roster

import (
	"fmt"
	"strings"
)

// Membership is the membership level of a roster record.
type Membership string

// Membership levels known to the API.
const (
	MembershipNone          Membership = "none"
	MembershipRegular       Membership = "regular"
	MembershipExtraordinary Membership = "extraordinary"
	MembershipHonorary      Membership = "honorary"
)

// ParseMembership converts a string into a known Membership level.
func ParseMembership(s string) (Membership, error) {
	switch m := Membership(strings.ToLower(strings.TrimSpace(s))); m {
	case MembershipNone, MembershipRegular, MembershipExtraordinary, MembershipHonorary:
		return m, nil
	default:
		return "", fmt.Errorf("roster: unknown membership %q (want none, regular, extraordinary or honorary)", s)
	}
}

// Special reports whether m is neither none nor regular. Unknown values the
// API might introduce later count as special so they are never silently
// upgraded or downgraded.
func (m Membership) Special() bool {
	return m != MembershipNone && m != MembershipRegular
}

// MethodPatch is the capability a record must expose for membership updates.
const MethodPatch = "PATCH"

// Capabilities is the set of HTTP methods the current session may use on a
// record, as advertised by the API in the record's self link.
type Capabilities map[string]struct{}

// NewCapabilities builds a capability set from method names.
func NewCapabilities(methods ...string) Capabilities {
	c := make(Capabilities, len(methods))
	for _, m := range methods {
		c[strings.ToUpper(m)] = struct{}{}
	}

	return c
}

// Has reports whether method is in the set. Method names are case-insensitive.
func (c Capabilities) Has(method string) bool {
	_, ok := c[strings.ToUpper(method)]
	return ok
}

// Record is one member of the remote roster.
type Record struct {
	ID           string
	Version      string // opaque concurrency token (etag)
	Firstname    string
	Lastname     string
	Nethz        string
	Membership   Membership
	Capabilities Capabilities
}

// DisplayName returns "Firstname Lastname", falling back to the nethz.
func (r Record) DisplayName() string {
	name := strings.TrimSpace(r.Firstname + " " + r.Lastname)
	if name == "" {
		return r.Nethz
	}

	return name
}

// CanPatch reports whether the session may update this record.
func (r Record) CanPatch() bool {
	return r.Capabilities.Has(MethodPatch)
}
