package config

// Default values for configuration options. These represent the "layer 0"
// of the four-layer override chain.
const (
	defaultAPIURL         = "https://api.amiv.ethz.ch"
	defaultOAuthClientID  = "Bouncer"
	defaultKeyField       = "nethz"
	defaultIDColumn       = "LOGINNAME"
	defaultProjection     = "firstname,lastname,membership,nethz"
	defaultAbsentSpecial  = "downgrade"
	defaultMaxConcurrent  = 8
	defaultLogLevel       = "info"
	defaultLogFormat      = "auto"
	defaultConnectTimeout = "10s"
	defaultRequestTimeout = "60s"
)

// DefaultConfig returns a Config populated with all default values. It is
// the starting point for TOML decoding, so unset fields retain defaults.
func DefaultConfig() *Config {
	return &Config{
		APIConfig: APIConfig{
			APIURL:        defaultAPIURL,
			OAuthClientID: defaultOAuthClientID,
		},
		RosterConfig: RosterConfig{
			KeyField:      defaultKeyField,
			IDColumn:      defaultIDColumn,
			Projection:    defaultProjection,
			AbsentSpecial: defaultAbsentSpecial,
		},
		RequestsConfig: RequestsConfig{
			MaxConcurrentRequests: defaultMaxConcurrent,
		},
		LoggingConfig: LoggingConfig{
			LogLevel:  defaultLogLevel,
			LogFormat: defaultLogFormat,
		},
		NetworkConfig: NetworkConfig{
			ConnectTimeout: defaultConnectTimeout,
			RequestTimeout: defaultRequestTimeout,
		},
	}
}
