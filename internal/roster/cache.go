package roster

import (
	"bytes"
	"sort"
	"sync"

	"github.com/dgryski/go-farm"
)

// Cache is the local copy of the remote roster, keyed by the configured
// KeyField. It is filled only from fetch and patch results. All methods are
// safe for concurrent use: page fetches and record updates complete on
// separate goroutines.
type Cache struct {
	mu      sync.RWMutex
	key     KeyField
	records map[string]Record
	order   []string // insertion order of keys
}

// NewCache creates an empty cache keyed by key. An empty key defaults to
// KeyByNethz.
func NewCache(key KeyField) *Cache {
	if key == "" {
		key = KeyByNethz
	}

	return &Cache{
		key:     key,
		records: make(map[string]Record),
	}
}

// KeyField returns the field records are keyed by.
func (c *Cache) KeyField() KeyField {
	return c.key
}

// Reset empties the cache.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.records = make(map[string]Record)
	c.order = nil
}

// Upsert stores r under its key, replacing any previous record with the same
// key (last write wins). Returns the key used.
func (c *Cache) Upsert(r Record) string {
	k := c.key.Of(r)

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.records[k]; !exists {
		c.order = append(c.order, k)
	}

	c.records[k] = r

	return k
}

// Get looks up a record by key. Nethz keys are normalized before lookup, IDs
// must match exactly.
func (c *Cache) Get(key string) (Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	r, ok := c.records[c.key.Normalize(key)]

	return r, ok
}

// Lookup returns the cached version of r, matched by r's own key.
func (c *Cache) Lookup(r Record) (Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cached, ok := c.records[c.key.Of(r)]

	return cached, ok
}

// All returns a snapshot of all records in insertion order.
func (c *Cache) All() []Record {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Record, 0, len(c.order))
	for _, k := range c.order {
		out = append(out, c.records[k])
	}

	return out
}

// Len returns the number of cached records.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.records)
}

// Checksum fingerprints the cached roster. Two caches holding the same
// records with the same versions and membership levels have the same
// checksum regardless of insertion order.
func (c *Cache) Checksum() uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entries := make([]string, 0, len(c.records))
	for k, r := range c.records {
		entries = append(entries, k+"|"+r.Version+"|"+string(r.Membership))
	}

	sort.Strings(entries)

	var buf bytes.Buffer
	for _, e := range entries {
		buf.WriteString(e)
		buf.WriteString(";")
	}

	return farm.Fingerprint32(buf.Bytes())
}
