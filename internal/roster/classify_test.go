package roster

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rec(nethz string, m Membership) Record {
	return Record{
		ID:           "id-" + nethz,
		Version:      "etag-" + nethz,
		Nethz:        nethz,
		Membership:   m,
		Capabilities: NewCapabilities("GET", "PATCH"),
	}
}

func cacheOf(records ...Record) *Cache {
	c := NewCache(KeyByNethz)
	for _, r := range records {
		c.Upsert(r)
	}

	return c
}

func nethzOf(rs []Record) []string {
	out := make([]string, 0, len(rs))
	for _, r := range rs {
		out = append(out, r.Nethz)
	}

	return out
}

func TestClassify_Table(t *testing.T) {
	c := cacheOf(
		rec("alice", MembershipRegular),
		rec("bob", MembershipNone),
		rec("carol", MembershipHonorary),
		rec("dave", MembershipNone),
		rec("erin", MembershipRegular),
		rec("frank", MembershipExtraordinary),
	)
	ids := NewIdentifierSet([]string{"alice", "bob", "carol", "zoe"})

	b := Classify(c, ids, Policy{})

	assert.Equal(t, []string{"alice", "dave"}, nethzOf(b.OK))
	assert.Equal(t, []string{"bob"}, nethzOf(b.Upgrade))
	assert.Equal(t, []string{"erin", "frank"}, nethzOf(b.Downgrade))
	assert.Equal(t, []string{"carol"}, nethzOf(b.Change))
	assert.Equal(t, []string{"zoe"}, b.Missing)
}

func TestClassify_AbsentSpecialDowngrade(t *testing.T) {
	c := cacheOf(
		rec("carol", MembershipHonorary),
		rec("frank", MembershipExtraordinary),
		rec("gina", MembershipHonorary),
	)

	b := Classify(c, NewIdentifierSet([]string{"carol"}), Policy{AbsentSpecial: AbsentSpecialDowngrade})

	assert.Equal(t, []string{"carol"}, nethzOf(b.Change))
	assert.Equal(t, []string{"frank", "gina"}, nethzOf(b.Downgrade))
	assert.Empty(t, b.OK)

	// The zero policy downgrades as well.
	assert.Equal(t, b, Classify(c, NewIdentifierSet([]string{"carol"}), Policy{}))
}

func TestClassify_AbsentSpecialKeep(t *testing.T) {
	c := cacheOf(
		rec("carol", MembershipHonorary),
		rec("erin", MembershipRegular),
		rec("frank", MembershipExtraordinary),
	)

	b := Classify(c, NewIdentifierSet(nil), Policy{AbsentSpecial: AbsentSpecialKeep})

	assert.Equal(t, []string{"carol", "frank"}, nethzOf(b.OK))
	assert.Equal(t, []string{"erin"}, nethzOf(b.Downgrade))
}

func TestClassify_PartitionsRoster(t *testing.T) {
	memberships := []Membership{MembershipNone, MembershipRegular, MembershipExtraordinary, MembershipHonorary}

	for _, policy := range []Policy{{AbsentSpecial: AbsentSpecialKeep}, {AbsentSpecial: AbsentSpecialDowngrade}} {
		c := NewCache(KeyByNethz)
		var listed []string

		for i := range 200 {
			nethz := "user" + string(rune('a'+i%26)) + string(rune('a'+i/26))
			c.Upsert(rec(nethz, memberships[i%len(memberships)]))

			if i%3 == 0 {
				listed = append(listed, nethz)
			}
		}

		listed = append(listed, "ghost1", "ghost2")
		b := Classify(c, NewIdentifierSet(listed), policy)

		seen := make(map[string]int)
		for _, bucket := range []Bucket{BucketOK, BucketUpgrade, BucketDowngrade, BucketChange} {
			for _, r := range b.Records(bucket) {
				seen[r.Nethz]++
			}
		}

		require.Len(t, seen, c.Len(), "every record lands in a bucket")

		for nethz, n := range seen {
			assert.Equal(t, 1, n, "record %s in more than one bucket", nethz)
		}

		assert.Equal(t, []string{"ghost1", "ghost2"}, b.Missing)

		for _, m := range b.Missing {
			_, cached := c.Get(m)
			assert.False(t, cached)
		}
	}
}

func TestClassify_OrderIndependent(t *testing.T) {
	records := []Record{
		rec("alice", MembershipRegular),
		rec("bob", MembershipNone),
		rec("carol", MembershipHonorary),
		rec("dave", MembershipRegular),
		rec("erin", MembershipNone),
	}
	ids := []string{"alice", "bob", "carol", "xavier", "yvonne"}

	want := Classify(cacheOf(records...), NewIdentifierSet(ids), Policy{})

	rng := rand.New(rand.NewPCG(1, 2)) //nolint:gosec // deterministic shuffle for tests

	for range 20 {
		shuffledRecords := append([]Record(nil), records...)
		shuffledIDs := append([]string(nil), ids...)

		rng.Shuffle(len(shuffledRecords), func(i, j int) {
			shuffledRecords[i], shuffledRecords[j] = shuffledRecords[j], shuffledRecords[i]
		})
		rng.Shuffle(len(shuffledIDs), func(i, j int) {
			shuffledIDs[i], shuffledIDs[j] = shuffledIDs[j], shuffledIDs[i]
		})

		got := Classify(cacheOf(shuffledRecords...), NewIdentifierSet(shuffledIDs), Policy{})
		assert.Equal(t, want, got)
	}
}

func TestClassify_MissingDeduplicated(t *testing.T) {
	c := cacheOf(rec("alice", MembershipRegular))

	b := Classify(c, NewIdentifierSet([]string{"u3", "u3", " U3 ", "alice"}), Policy{})

	assert.Equal(t, []string{"u3"}, b.Missing)
}

func TestClassify_KeyByIDMatchesNethz(t *testing.T) {
	c := NewCache(KeyByID)
	c.Upsert(Record{ID: "5a1", Version: "e1", Nethz: "alice", Membership: MembershipNone})
	c.Upsert(Record{ID: "5a2", Version: "e2", Nethz: "bob", Membership: MembershipRegular})
	c.Upsert(Record{ID: "5a3", Version: "e3", Nethz: "carol", Membership: MembershipRegular})

	b := Classify(c, NewIdentifierSet([]string{"Alice", "bob", "5a3"}), Policy{})

	require.Len(t, b.Upgrade, 1)
	assert.Equal(t, "5a1", b.Upgrade[0].ID)
	require.Len(t, b.OK, 1)
	assert.Equal(t, "5a2", b.OK[0].ID)
	require.Len(t, b.Downgrade, 1)
	assert.Equal(t, "5a3", b.Downgrade[0].ID)

	// Record IDs are not identifiers.
	assert.Equal(t, []string{"5a3"}, b.Missing)
}

func TestClassify_KeyFieldDoesNotChangeResult(t *testing.T) {
	records := []Record{
		{ID: "A1", Nethz: "alice", Membership: MembershipNone},
		{ID: "a1", Nethz: "bob", Membership: MembershipRegular},
		{ID: "B2", Nethz: "carol", Membership: MembershipHonorary},
		{ID: "b2", Nethz: "dave", Membership: MembershipRegular},
	}
	ids := NewIdentifierSet([]string{"alice", "carol", "dave", "zoe"})

	byID := NewCache(KeyByID)
	byNethz := NewCache(KeyByNethz)

	for _, r := range records {
		byID.Upsert(r)
		byNethz.Upsert(r)
	}

	a := Classify(byID, ids, Policy{})
	b := Classify(byNethz, ids, Policy{})

	for _, bucket := range AllBuckets {
		assert.Equal(t, b.Count(bucket), a.Count(bucket), bucket)
	}

	assert.Equal(t, []string{"alice"}, nethzOf(a.Upgrade))
	assert.Equal(t, []string{"dave"}, nethzOf(a.OK))
	assert.Equal(t, []string{"bob"}, nethzOf(a.Downgrade))
	assert.Equal(t, []string{"carol"}, nethzOf(a.Change))
	assert.Equal(t, []string{"zoe"}, a.Missing)
}

func TestClassify_RecordWithoutKeyNeverMatches(t *testing.T) {
	c := NewCache(KeyByNethz)
	c.Upsert(Record{ID: "u9", Membership: MembershipRegular})

	b := Classify(c, NewIdentifierSet([]string{"u9", ""}), Policy{})

	assert.Len(t, b.Downgrade, 1)
	assert.Equal(t, []string{"u9"}, b.Missing)
}

func TestClassify_Empty(t *testing.T) {
	b := Classify(NewCache(KeyByNethz), NewIdentifierSet(nil), Policy{})

	for _, bucket := range AllBuckets {
		assert.Zero(t, b.Count(bucket), bucket)
	}
}

func TestBucketTarget(t *testing.T) {
	tests := []struct {
		bucket Bucket
		want   Membership
		ok     bool
	}{
		{BucketOK, "", false},
		{BucketUpgrade, MembershipRegular, true},
		{BucketDowngrade, MembershipNone, true},
		{BucketChange, MembershipRegular, true},
		{BucketMissing, "", false},
	}

	for _, tt := range tests {
		t.Run(string(tt.bucket), func(t *testing.T) {
			got, ok := tt.bucket.Target()
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseBucket(t *testing.T) {
	b, err := ParseBucket(" Downgrade ")
	require.NoError(t, err)
	assert.Equal(t, BucketDowngrade, b)

	_, err = ParseBucket("sideways")
	assert.Error(t, err)
}
