// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for bouncer. It supports a four-layer
// override chain (defaults -> config file -> environment -> CLI flags).
// All keys are flat; the sub-structs below only group them.
package config

import "time"

// Config is the top-level configuration structure parsed from a TOML file.
type Config struct {
	APIConfig
	RosterConfig
	RequestsConfig
	LoggingConfig
	NetworkConfig

	// DataDir overrides the platform data directory holding the session
	// file, the ledger and the apply lock.
	DataDir string `toml:"data_dir"`
}

// APIConfig locates the membership API and the OAuth client used to log in.
type APIConfig struct {
	APIURL        string `toml:"api_url"`
	OAuthClientID string `toml:"oauth_client_id"`
	// AuthScheme prefixes the token in the Authorization header. Empty sends
	// the raw token, which is what the API expects.
	AuthScheme string `toml:"auth_scheme"`
}

// RosterConfig controls how the roster is fetched and reconciled.
type RosterConfig struct {
	KeyField      string `toml:"key_field"`
	IDColumn      string `toml:"id_column"`
	PageSize      int    `toml:"page_size"`
	Projection    string `toml:"projection"`
	AbsentSpecial string `toml:"absent_special"`
}

// RequestsConfig caps concurrency. The same limit applies to the fetch and
// the mutation stream.
type RequestsConfig struct {
	MaxConcurrentRequests int `toml:"max_concurrent_requests"`
}

// LoggingConfig controls log output behavior.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
}

// NetworkConfig controls HTTP client behavior.
type NetworkConfig struct {
	ConnectTimeout string `toml:"connect_timeout"`
	RequestTimeout string `toml:"request_timeout"`
	UserAgent      string `toml:"user_agent"`
}

// CLIOverrides holds values from CLI flags that override config file and
// environment settings. Pointer fields distinguish "not specified" (nil)
// from "explicitly set to zero value".
type CLIOverrides struct {
	ConfigPath    string  // --config flag (empty = use default)
	APIURL        *string // --api-url flag
	MaxConcurrent *int    // --max-concurrent flag
}

// Resolved is the fully merged configuration together with the file
// locations derived from it.
type Resolved struct {
	Config

	ConfigPath  string // file the config was read from (may not exist)
	SessionPath string
	LedgerPath  string
	LockPath    string
}

// ConnectTimeoutDuration returns connect_timeout as a duration. The value
// was checked by Validate.
func (n NetworkConfig) ConnectTimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(n.ConnectTimeout)
	return d
}

// RequestTimeoutDuration returns request_timeout as a duration.
func (n NetworkConfig) RequestTimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(n.RequestTimeout)
	return d
}
