package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// configFilePermissions is the standard permission mode for config files.
const configFilePermissions = 0o644

// configDirPermissions is the standard permission mode for config directories.
const configDirPermissions = 0o755

// ErrConfigExists is returned by WriteDefault when the file is already there.
var ErrConfigExists = errors.New("config: file already exists")

// configTemplate is the file written by "config init". Every setting is
// present as a commented-out default.
const configTemplate = `# bouncer configuration
# All keys are top-level. Uncomment and modify to override defaults.

# Membership API base URL and OAuth client
# api_url = "https://api.amiv.ethz.ch"
# oauth_client_id = "Bouncer"

# Prefix for the token in the Authorization header (empty sends the raw token)
# auth_scheme = ""

# Record field matched against the identifier file: nethz or id
# key_field = "nethz"

# CSV column holding the identifiers
# id_column = "LOGINNAME"

# Records per page (0 = server default)
# page_size = 0

# User fields requested from the API
# projection = "firstname,lastname,membership,nethz"

# Extraordinary and honorary members missing from the file: keep or downgrade
# absent_special = "downgrade"

# In-flight requests per stream
# max_concurrent_requests = 8

# Log verbosity: debug, info, warn, error; format: auto, text, json
# log_level = "info"
# log_format = "auto"

# HTTP timeouts
# connect_timeout = "10s"
# request_timeout = "60s"

# Session, ledger and lock location (default: platform data directory)
# data_dir = ""
`

// WriteDefault writes the commented default config to path. It refuses to
// overwrite an existing file.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%w: %s", ErrConfigExists, path)
	}

	slog.Info("creating config file", "path", path)

	return atomicWriteFile(path, []byte(configTemplate))
}

// atomicWriteFile writes data to path via a temp file and rename, creating
// parent directories as needed.
func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, configDirPermissions); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	f, err := os.CreateTemp(dir, ".config-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	tempPath := f.Name()

	// Clean up the temp file on any error path.
	succeeded := false
	defer func() {
		if !succeeded {
			os.Remove(tempPath)
		}
	}()

	if _, err := f.Write(data); err != nil {
		f.Close()

		return fmt.Errorf("writing temp file: %w", err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Chmod(tempPath, configFilePermissions); err != nil {
		return fmt.Errorf("setting file permissions: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	succeeded = true

	return nil
}
