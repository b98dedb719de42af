package roster

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// KeyField selects which record field uniquely identifies a record in the
// cache. External identifiers are always matched against the nethz,
// whatever the cache is keyed by.
type KeyField string

// Supported key fields.
const (
	KeyByID    KeyField = "id"
	KeyByNethz KeyField = "nethz"
)

// fallbackKeyPrefix marks cache keys of records that lack the configured key
// field.
const fallbackKeyPrefix = "\x00id:"

// ParseKeyField validates a key field name.
func ParseKeyField(s string) (KeyField, error) {
	switch k := KeyField(strings.ToLower(strings.TrimSpace(s))); k {
	case KeyByID, KeyByNethz:
		return k, nil
	default:
		return "", fmt.Errorf("roster: unknown key field %q (want id or nethz)", s)
	}
}

// Of returns the cache key of r. IDs are opaque and used verbatim; nethz
// values are normalized. Records without a value in the key field are keyed
// by their ID so that they still occupy exactly one cache slot instead of
// colliding under an empty key.
func (k KeyField) Of(r Record) string {
	if key := k.Normalize(k.valueOf(r)); key != "" {
		return key
	}

	return fallbackKeyPrefix + r.ID
}

// Normalize canonicalizes a lookup value for this key field.
func (k KeyField) Normalize(v string) string {
	if k == KeyByID {
		return v
	}

	return NormalizeIdentifier(v)
}

func (k KeyField) valueOf(r Record) string {
	if k == KeyByID {
		return r.ID
	}

	return r.Nethz
}

// MatchKey returns the value external identifiers are compared against: the
// normalized nethz of r. Records without a nethz have no match key.
func MatchKey(r Record) string {
	return NormalizeIdentifier(r.Nethz)
}

// NormalizeIdentifier canonicalizes a human-assigned identifier for
// comparison: surrounding whitespace is trimmed, the string is NFC-normalized
// and case-folded.
func NormalizeIdentifier(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// A Caser is stateful and must not be shared, so build one per call.
	return cases.Fold().String(norm.NFC.String(s))
}
