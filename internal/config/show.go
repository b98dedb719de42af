package config

import (
	"fmt"
	"io"
)

// RenderEffective writes the resolved configuration as a human-readable
// annotated summary to w. This powers the "config show" command, giving
// users visibility into the effective values after all four override layers
// have been applied.
func RenderEffective(r *Resolved, w io.Writer) error {
	ew := &errWriter{w: w}

	ew.printf("# Effective configuration (file: %s)\n\n", r.ConfigPath)

	renderAPISection(ew, &r.APIConfig)
	renderRosterSection(ew, &r.RosterConfig)
	ew.printf("[requests]\n")
	ew.printf("  max_concurrent_requests = %d\n\n", r.MaxConcurrentRequests)
	renderLoggingSection(ew, &r.LoggingConfig)
	renderNetworkSection(ew, &r.NetworkConfig)
	renderPathsSection(ew, r)

	return ew.err
}

// errWriter wraps an io.Writer and captures the first write error.
// Subsequent writes after an error are no-ops.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...any) {
	if ew.err != nil {
		return
	}

	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}

func renderAPISection(ew *errWriter, a *APIConfig) {
	ew.printf("[api]\n")
	ew.printf("  api_url         = %q\n", a.APIURL)
	ew.printf("  oauth_client_id = %q\n", a.OAuthClientID)

	if a.AuthScheme != "" {
		ew.printf("  auth_scheme     = %q\n", a.AuthScheme)
	}

	ew.printf("\n")
}

func renderRosterSection(ew *errWriter, r *RosterConfig) {
	ew.printf("[roster]\n")
	ew.printf("  key_field      = %q\n", r.KeyField)
	ew.printf("  id_column      = %q\n", r.IDColumn)
	ew.printf("  page_size      = %d\n", r.PageSize)
	ew.printf("  projection     = %q\n", r.Projection)
	ew.printf("  absent_special = %q\n", r.AbsentSpecial)
	ew.printf("\n")
}

func renderLoggingSection(ew *errWriter, l *LoggingConfig) {
	ew.printf("[logging]\n")
	ew.printf("  log_level  = %q\n", l.LogLevel)
	ew.printf("  log_format = %q\n", l.LogFormat)
	ew.printf("\n")
}

func renderNetworkSection(ew *errWriter, n *NetworkConfig) {
	ew.printf("[network]\n")
	ew.printf("  connect_timeout = %q\n", n.ConnectTimeout)
	ew.printf("  request_timeout = %q\n", n.RequestTimeout)

	if n.UserAgent != "" {
		ew.printf("  user_agent      = %q\n", n.UserAgent)
	}

	ew.printf("\n")
}

func renderPathsSection(ew *errWriter, r *Resolved) {
	ew.printf("[paths]\n")
	ew.printf("  data_dir = %q\n", r.DataDir)
	ew.printf("  session  = %q\n", r.SessionPath)
	ew.printf("  ledger   = %q\n", r.LedgerPath)
	ew.printf("  lock     = %q\n", r.LockPath)
}
