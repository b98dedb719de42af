package roster

import "strings"

// IdentifierSet is the externally supplied list of member identifiers,
// treated as a set. Values are normalized with NormalizeIdentifier; the
// first-seen order is kept for display only.
type IdentifierSet struct {
	members map[string]struct{}
	order   []string
}

// NewIdentifierSet builds a set from raw identifiers. Empty values and values
// containing NUL bytes are dropped; duplicates collapse into one entry.
func NewIdentifierSet(ids []string) IdentifierSet {
	s := IdentifierSet{members: make(map[string]struct{}, len(ids))}

	for _, raw := range ids {
		if strings.ContainsRune(raw, 0) {
			continue
		}

		id := NormalizeIdentifier(raw)
		if id == "" {
			continue
		}

		if _, dup := s.members[id]; dup {
			continue
		}

		s.members[id] = struct{}{}
		s.order = append(s.order, id)
	}

	return s
}

// Has reports whether the normalized form of id is in the set.
func (s IdentifierSet) Has(id string) bool {
	_, ok := s.members[NormalizeIdentifier(id)]
	return ok
}

// has is Has for keys that are already normalized.
func (s IdentifierSet) has(key string) bool {
	_, ok := s.members[key]
	return ok
}

// Len returns the number of distinct identifiers.
func (s IdentifierSet) Len() int {
	return len(s.order)
}

// Values returns the distinct normalized identifiers in first-seen order.
func (s IdentifierSet) Values() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)

	return out
}
