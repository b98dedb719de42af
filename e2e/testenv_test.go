//go:build e2e

package e2e

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amiv-eth/bouncer/testutil"
)

// testDataDir is the isolated data directory holding the copied session.
var testDataDir string

// realHomeDir holds the original HOME directory before TestMain overrides it.
var realHomeDir string

// testCredentialDir holds the path to .testdata/ (repo-root-relative).
var testCredentialDir string

// setupIsolation overrides HOME and XDG directories to temp directories,
// copies the test session from .testdata/ and writes a config pointing at
// the test API. Returns a cleanup function that removes the temp root.
func setupIsolation(apiURL string) func() {
	home, err := os.UserHomeDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: cannot determine home dir: %v\n", err)
		os.Exit(1)
	}

	realHomeDir = home
	testCredentialDir = testutil.FindTestCredentialDir(findModuleRoot())

	// Unset app-specific env vars that could leak production paths.
	for _, v := range []string{"BOUNCER_CONFIG", "BOUNCER_API_URL", "BOUNCER_TOKEN_FILE"} {
		os.Unsetenv(v)
	}

	tempRoot, err := os.MkdirTemp("", "bouncer-e2e-isolation-*")
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: creating isolation temp dir: %v\n", err)
		os.Exit(1)
	}

	tempHome := filepath.Join(tempRoot, "home")
	tempConfig := filepath.Join(tempRoot, "config")
	tempData := filepath.Join(tempRoot, "data")

	for _, d := range []string{tempHome, tempConfig, tempData} {
		if mkErr := os.MkdirAll(d, 0o755); mkErr != nil {
			fmt.Fprintf(os.Stderr, "FATAL: creating dir %s: %v\n", d, mkErr)
			os.Exit(1)
		}
	}

	os.Setenv("HOME", tempHome)
	os.Setenv("XDG_CONFIG_HOME", tempConfig)
	os.Setenv("XDG_DATA_HOME", tempData)

	appDataDir := filepath.Join(tempData, "bouncer")
	appConfigDir := filepath.Join(tempConfig, "bouncer")

	for _, d := range []string{appDataDir, appConfigDir} {
		if mkErr := os.MkdirAll(d, 0o700); mkErr != nil {
			fmt.Fprintf(os.Stderr, "FATAL: creating app dir: %v\n", mkErr)
			os.Exit(1)
		}
	}

	testutil.CopyFile(
		filepath.Join(testCredentialDir, testutil.SessionFileName),
		filepath.Join(appDataDir, testutil.SessionFileName),
		0o600,
	)
	testDataDir = appDataDir

	cfg := fmt.Sprintf("api_url = %q\nlog_format = \"text\"\n", apiURL)
	if err := os.WriteFile(filepath.Join(appConfigDir, "config.toml"), []byte(cfg), 0o600); err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: writing config: %v\n", err)
		os.Exit(1)
	}

	verifyIsolation(tempRoot)

	fmt.Fprintf(os.Stderr, "E2E isolation: HOME=%s XDG_DATA_HOME=%s\n", tempHome, tempData)

	return func() {
		os.RemoveAll(tempRoot)
	}
}

// verifyIsolation hard-crashes the process if any production path could leak
// into test execution. Runs before m.Run() so no tests execute if isolation
// is broken.
func verifyIsolation(tempRoot string) {
	crash := func(msg string) {
		fmt.Fprintf(os.Stderr, "FATAL: isolation check failed: %s\n", msg)
		os.Exit(1)
	}

	if os.Getenv("BOUNCER_CONFIG") != "" {
		crash("BOUNCER_CONFIG is set, it would leak production config into tests")
	}

	for _, v := range []string{"HOME", "XDG_DATA_HOME", "XDG_CONFIG_HOME"} {
		val := os.Getenv(v)
		if val == "" || !strings.HasPrefix(val, tempRoot) {
			crash(v + " not overridden to temp dir")
		}
	}

	homeDir, _ := os.UserHomeDir()
	if !strings.HasPrefix(homeDir, tempRoot) {
		crash("UserHomeDir() returns " + homeDir + " (not under temp)")
	}
}

func TestIsolation_HomeOverridden(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.NotEqual(t, realHomeDir, home, "HOME should be overridden to temp dir")
}

func TestIsolation_SessionInTempDir(t *testing.T) {
	require.NotEmpty(t, testDataDir)
	assert.NotContains(t, testDataDir, realHomeDir)

	_, err := os.Stat(filepath.Join(testDataDir, testutil.SessionFileName))
	assert.NoError(t, err)
}

// TestIsolation_BinaryResolvesTemp verifies that the binary resolves every
// path under the isolation directory.
func TestIsolation_BinaryResolvesTemp(t *testing.T) {
	stdout, stderr := runCLI(t, "config", "show")

	assert.NotContains(t, stdout, realHomeDir)
	assert.NotContains(t, stderr, realHomeDir)
	assert.Contains(t, stdout, testDataDir)
}
