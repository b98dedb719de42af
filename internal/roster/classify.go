package roster

import (
	"fmt"
	"sort"
	"strings"
)

// Bucket names one reconciliation outcome.
type Bucket string

// Reconciliation buckets.
const (
	BucketOK        Bucket = "ok"
	BucketUpgrade   Bucket = "upgrade"
	BucketDowngrade Bucket = "downgrade"
	BucketChange    Bucket = "change"
	BucketMissing   Bucket = "missing"
)

// AllBuckets lists the buckets in display order.
var AllBuckets = []Bucket{BucketOK, BucketUpgrade, BucketDowngrade, BucketChange, BucketMissing}

// ParseBucket validates a bucket name.
func ParseBucket(s string) (Bucket, error) {
	b := Bucket(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllBuckets {
		if b == known {
			return b, nil
		}
	}

	return "", fmt.Errorf("roster: unknown bucket %q (want ok, upgrade, downgrade, change or missing)", s)
}

// Target returns the membership level records in b are moved to when the
// bucket's action is applied. ok and missing have no action.
func (b Bucket) Target() (Membership, bool) {
	switch b {
	case BucketUpgrade, BucketChange:
		return MembershipRegular, true
	case BucketDowngrade:
		return MembershipNone, true
	default:
		return "", false
	}
}

// Title and Description are the human-readable labels of b.
func (b Bucket) Title() string {
	switch b {
	case BucketOK:
		return "All good!"
	case BucketUpgrade:
		return "Upgrade"
	case BucketDowngrade:
		return "Downgrade"
	case BucketChange:
		return "Change"
	case BucketMissing:
		return "Missing"
	default:
		return string(b)
	}
}

func (b Bucket) Description() string {
	switch b {
	case BucketOK:
		return "API and file match."
	case BucketUpgrade:
		return "Membership in file, but not in API."
	case BucketDowngrade:
		return "Membership in API, but not in file."
	case BucketChange:
		return "Special membership in API, normal in file."
	case BucketMissing:
		return "Not found in API."
	default:
		return ""
	}
}

// AbsentSpecial decides where extraordinary and honorary members that are
// not in the identifier list end up. The zero value downgrades them.
type AbsentSpecial string

// AbsentSpecial policies.
const (
	AbsentSpecialKeep      AbsentSpecial = "keep"      // classified ok
	AbsentSpecialDowngrade AbsentSpecial = "downgrade" // classified downgrade
)

// ParseAbsentSpecial validates a policy name.
func ParseAbsentSpecial(s string) (AbsentSpecial, error) {
	switch p := AbsentSpecial(strings.ToLower(strings.TrimSpace(s))); p {
	case AbsentSpecialKeep, AbsentSpecialDowngrade:
		return p, nil
	default:
		return "", fmt.Errorf("roster: unknown absent_special policy %q (want keep or downgrade)", s)
	}
}

// Policy tunes classification.
type Policy struct {
	AbsentSpecial AbsentSpecial
}

// Buckets is the result of Classify. OK, Upgrade, Downgrade and Change
// partition the cached roster; Missing holds identifiers without any
// matching record. Record slices are sorted by cache key, Missing by value.
type Buckets struct {
	OK        []Record
	Upgrade   []Record
	Downgrade []Record
	Change    []Record
	Missing   []string
}

// Records returns the records of a record bucket. Missing has none.
func (b *Buckets) Records(bucket Bucket) []Record {
	switch bucket {
	case BucketOK:
		return b.OK
	case BucketUpgrade:
		return b.Upgrade
	case BucketDowngrade:
		return b.Downgrade
	case BucketChange:
		return b.Change
	default:
		return nil
	}
}

// Count returns the number of entries in bucket.
func (b *Buckets) Count(bucket Bucket) int {
	if bucket == BucketMissing {
		return len(b.Missing)
	}

	return len(b.Records(bucket))
}

// Classify reconciles the cached roster against ids.
//
//	in ids     regular → ok, none → upgrade, special → change
//	not in ids none → ok, regular → downgrade, special → per policy
//	ids without a record → missing
//
// Identifiers are matched against the nethz of each record regardless of the
// cache key field. Both lookups are hash-based, so classification is linear
// in the size of the roster plus the size of ids. The result does not depend
// on cache insertion order or the order of ids.
func Classify(c *Cache, ids IdentifierSet, policy Policy) Buckets {
	keyField := c.KeyField()
	records := c.All()

	var out Buckets

	byNethz := make(map[string]struct{}, len(records))

	for _, r := range records {
		mk := MatchKey(r)
		listed := mk != "" && ids.has(mk)

		if mk != "" {
			byNethz[mk] = struct{}{}
		}

		switch bucketOf(r, listed, policy) {
		case BucketOK:
			out.OK = append(out.OK, r)
		case BucketUpgrade:
			out.Upgrade = append(out.Upgrade, r)
		case BucketDowngrade:
			out.Downgrade = append(out.Downgrade, r)
		case BucketChange:
			out.Change = append(out.Change, r)
		}
	}

	for _, id := range ids.order {
		if _, ok := byNethz[id]; !ok {
			out.Missing = append(out.Missing, id)
		}
	}

	sortRecords(out.OK, keyField)
	sortRecords(out.Upgrade, keyField)
	sortRecords(out.Downgrade, keyField)
	sortRecords(out.Change, keyField)
	sort.Strings(out.Missing)

	return out
}

// bucketOf places a single record.
func bucketOf(r Record, listed bool, policy Policy) Bucket {
	switch {
	case listed && r.Membership == MembershipRegular:
		return BucketOK
	case listed && r.Membership == MembershipNone:
		return BucketUpgrade
	case listed:
		return BucketChange
	case r.Membership == MembershipNone:
		return BucketOK
	case r.Membership == MembershipRegular:
		return BucketDowngrade
	case policy.AbsentSpecial == AbsentSpecialKeep:
		return BucketOK
	default:
		return BucketDowngrade
	}
}

func sortRecords(rs []Record, keyField KeyField) {
	sort.Slice(rs, func(i, j int) bool {
		return keyField.Of(rs[i]) < keyField.Of(rs[j])
	})
}
