package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/amiv-eth/bouncer/internal/roster"
)

// Validation range constants.
const (
	minConcurrent     = 1
	maxConcurrent     = 64
	maxPageSize       = 500
	minConnectTimeout = 1 * time.Second
	minRequestTimeout = 5 * time.Second
)

// Validate checks all configuration values and returns all errors found.
// It accumulates every error rather than stopping at the first, so users
// see a complete report and can fix all issues in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateAPI(&cfg.APIConfig)...)
	errs = append(errs, validateRoster(&cfg.RosterConfig)...)
	errs = append(errs, validateRequests(&cfg.RequestsConfig)...)
	errs = append(errs, validateLogging(&cfg.LoggingConfig)...)
	errs = append(errs, validateNetwork(&cfg.NetworkConfig)...)

	return errors.Join(errs...)
}

func validateAPI(a *APIConfig) []error {
	var errs []error

	u, err := url.Parse(a.APIURL)

	switch {
	case a.APIURL == "":
		errs = append(errs, errors.New("api_url: must not be empty"))
	case err != nil:
		errs = append(errs, fmt.Errorf("api_url: %w", err))
	case u.Scheme != "http" && u.Scheme != "https":
		errs = append(errs, fmt.Errorf("api_url: scheme must be http or https, got %q", a.APIURL))
	case u.Host == "":
		errs = append(errs, fmt.Errorf("api_url: missing host in %q", a.APIURL))
	case u.RawQuery != "" || u.Fragment != "":
		errs = append(errs, fmt.Errorf("api_url: must not carry a query or fragment, got %q", a.APIURL))
	}

	if strings.TrimSpace(a.OAuthClientID) == "" {
		errs = append(errs, errors.New("oauth_client_id: must not be empty"))
	}

	if strings.ContainsAny(a.AuthScheme, " \t\r\n") {
		errs = append(errs, fmt.Errorf("auth_scheme: must be a single word, got %q", a.AuthScheme))
	}

	return errs
}

func validateRoster(r *RosterConfig) []error {
	var errs []error

	if _, err := roster.ParseKeyField(r.KeyField); err != nil {
		errs = append(errs, fmt.Errorf("key_field: %w", err))
	}

	if _, err := roster.ParseAbsentSpecial(r.AbsentSpecial); err != nil {
		errs = append(errs, fmt.Errorf("absent_special: %w", err))
	}

	if strings.TrimSpace(r.IDColumn) == "" {
		errs = append(errs, errors.New("id_column: must not be empty"))
	}

	if r.PageSize < 0 || r.PageSize > maxPageSize {
		errs = append(errs, fmt.Errorf("page_size: must be between 0 (server default) and %d, got %d",
			maxPageSize, r.PageSize))
	}

	errs = append(errs, validateProjection(r.Projection)...)

	return errs
}

// validateProjection requires a comma-separated field list that includes
// membership, which classification cannot work without.
func validateProjection(p string) []error {
	fields := ProjectionFields(p)
	if len(fields) == 0 {
		return []error{errors.New("projection: must list at least one field")}
	}

	var errs []error

	hasMembership := false

	for _, f := range fields {
		if strings.ContainsAny(f, " \t\"{}:") {
			errs = append(errs, fmt.Errorf("projection: invalid field name %q", f))
		}

		if f == "membership" {
			hasMembership = true
		}
	}

	if !hasMembership {
		errs = append(errs, errors.New("projection: must include membership"))
	}

	return errs
}

// ProjectionFields splits a projection setting into field names.
func ProjectionFields(p string) []string {
	var out []string

	for _, f := range strings.Split(p, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}

	return out
}

func validateRequests(r *RequestsConfig) []error {
	if r.MaxConcurrentRequests < minConcurrent || r.MaxConcurrentRequests > maxConcurrent {
		return []error{fmt.Errorf("max_concurrent_requests: must be between %d and %d, got %d",
			minConcurrent, maxConcurrent, r.MaxConcurrentRequests)}
	}

	return nil
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validLogFormats = map[string]bool{
	"auto": true,
	"text": true,
	"json": true,
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	if !validLogLevels[l.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level: must be one of debug, info, warn, error; got %q", l.LogLevel))
	}

	if !validLogFormats[l.LogFormat] {
		errs = append(errs, fmt.Errorf("log_format: must be one of auto, text, json; got %q", l.LogFormat))
	}

	return errs
}

func validateNetwork(n *NetworkConfig) []error {
	var errs []error

	if err := validateDuration("connect_timeout", n.ConnectTimeout, minConnectTimeout); err != nil {
		errs = append(errs, err)
	}

	if err := validateDuration("request_timeout", n.RequestTimeout, minRequestTimeout); err != nil {
		errs = append(errs, err)
	}

	return errs
}

// validateDuration checks that a duration string is valid and meets a minimum.
func validateDuration(field, value string, minimum time.Duration) error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s: invalid duration %q: %w", field, value, err)
	}

	if d < minimum {
		return fmt.Errorf("%s: must be >= %s, got %s", field, minimum, d)
	}

	return nil
}
