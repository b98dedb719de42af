package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// maxLevenshteinDistance is the maximum edit distance for "did you mean?"
// suggestions when unknown config keys are detected.
const maxLevenshteinDistance = 3

// knownKeys are the valid keys in the config file. All keys are flat
// top-level keys; they correspond to fields of the embedded sub-config
// structs plus data_dir.
var knownKeys = map[string]bool{
	// API settings
	"api_url": true, "oauth_client_id": true, "auth_scheme": true,
	// Roster settings
	"key_field": true, "id_column": true, "page_size": true, "projection": true,
	"absent_special": true,
	// Request settings
	"max_concurrent_requests": true,
	// Logging settings
	"log_level": true, "log_format": true,
	// Network settings
	"connect_timeout": true, "request_timeout": true, "user_agent": true,
	// Paths
	"data_dir": true,
}

// knownKeysList is the sorted slice form of knownKeys for Levenshtein
// matching. Sorted for deterministic suggestions when two candidates have
// the same edit distance.
var knownKeysList = func() []string {
	keys := make([]string, 0, len(knownKeys))
	for k := range knownKeys {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}()

// checkUnknownKeys inspects TOML metadata for undecoded keys and returns
// an error with "did you mean?" suggestions for each unknown key.
func checkUnknownKeys(md *toml.MetaData) error {
	undecoded := md.Undecoded()
	if len(undecoded) == 0 {
		return nil
	}

	var errs []error

	seen := make(map[string]bool)

	for _, key := range undecoded {
		keyStr := key.String()

		// A table produces one undecoded entry for itself and one per key
		// inside it; report the leaves only.
		if isTablePrefix(keyStr, undecoded) || seen[keyStr] {
			continue
		}

		seen[keyStr] = true

		errs = append(errs, buildKeyError(keyStr))
	}

	return errors.Join(errs...)
}

// isTablePrefix reports whether key is the parent of another undecoded key.
func isTablePrefix(key string, all []toml.Key) bool {
	for _, other := range all {
		if s := other.String(); strings.HasPrefix(s, key+".") {
			return true
		}
	}

	return false
}

// buildKeyError creates a descriptive error for an unknown key, suggesting
// the closest known key. Nested keys are matched by their leaf, since a
// misplaced table is the usual cause.
func buildKeyError(keyStr string) error {
	leaf := keyStr
	if i := strings.LastIndex(keyStr, "."); i >= 0 {
		leaf = keyStr[i+1:]
	}

	if knownKeys[leaf] && leaf != keyStr {
		return fmt.Errorf("unknown config key %q: keys are top-level, move %q out of its table", keyStr, leaf)
	}

	suggestion := closestMatch(leaf, knownKeysList)
	if suggestion != "" {
		return fmt.Errorf("unknown config key %q, did you mean %q?", keyStr, suggestion)
	}

	return fmt.Errorf("unknown config key %q", keyStr)
}

// closestMatch finds the closest known key by Levenshtein distance.
// Returns empty string if no match is within maxLevenshteinDistance.
func closestMatch(unknown string, known []string) string {
	best := ""
	bestDist := maxLevenshteinDistance + 1

	for _, k := range known {
		d := levenshtein(unknown, k)
		if d < bestDist {
			bestDist = d
			best = k
		}
	}

	if bestDist <= maxLevenshteinDistance {
		return best
	}

	return ""
}

// levenshtein computes the edit distance between two strings.
func levenshtein(a, b string) int {
	if a == "" {
		return len(b)
	}

	if b == "" {
		return len(a)
	}

	// Use single-row optimization to avoid allocating a full matrix.
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)

	for j := range prev {
		prev[j] = j
	}

	for i := range len(a) {
		curr[0] = i + 1

		for j := range len(b) {
			cost := 1
			if a[i] == b[j] {
				cost = 0
			}

			curr[j+1] = minOf(curr[j]+1, prev[j+1]+1, prev[j]+cost)
		}

		prev, curr = curr, prev
	}

	return prev[len(b)]
}

// minOf returns the minimum of three integers.
func minOf(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}

	if c < m {
		m = c
	}

	return m
}
