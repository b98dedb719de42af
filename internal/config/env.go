package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig    = "BOUNCER_CONFIG"
	EnvAPIURL    = "BOUNCER_API_URL"
	EnvTokenFile = "BOUNCER_TOKEN_FILE"
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath string // BOUNCER_CONFIG: override config file path
	APIURL     string // BOUNCER_API_URL: API base URL
	TokenFile  string // BOUNCER_TOKEN_FILE: session file location
}

// ReadEnvOverrides reads environment variables and returns any overrides found.
// This does not modify the Config; Resolve applies the relevant fields.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		APIURL:     os.Getenv(EnvAPIURL),
		TokenFile:  os.Getenv(EnvTokenFile),
	}
}
