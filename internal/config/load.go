package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Load reads and parses a TOML config file, validates it, and returns the
// resulting Config. Unknown keys are fatal errors with "did you mean?"
// suggestions.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns
// a Config populated with all default values.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// Resolve loads configuration and applies the four-layer override chain:
// defaults -> config file -> environment variables -> CLI flags.
func Resolve(env EnvOverrides, cli CLIOverrides) (*Resolved, error) {
	// 1. Resolve config path: CLI > env > default
	cfgPath := DefaultConfigPath()
	if env.ConfigPath != "" {
		cfgPath = env.ConfigPath
	}

	if cli.ConfigPath != "" {
		cfgPath = cli.ConfigPath
	}

	// 2. Load config file (returns defaults if no file exists)
	cfg, err := LoadOrDefault(cfgPath)
	if err != nil {
		return nil, err
	}

	// 3. Apply env overrides
	if env.APIURL != "" {
		cfg.APIURL = env.APIURL
	}

	// 4. Apply CLI overrides (pointer fields: nil = not specified)
	if cli.APIURL != nil {
		cfg.APIURL = *cli.APIURL
	}

	if cli.MaxConcurrent != nil {
		cfg.MaxConcurrentRequests = *cli.MaxConcurrent
	}

	// 5. Re-validate: env and flags bypass the file checks.
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	dataDir := DefaultDataDir()
	if cfg.DataDir != "" {
		dataDir = expandTilde(cfg.DataDir)
	}

	r := &Resolved{
		Config:      *cfg,
		ConfigPath:  cfgPath,
		SessionPath: filepath.Join(dataDir, sessionFileName),
		LedgerPath:  filepath.Join(dataDir, ledgerFileName),
		LockPath:    filepath.Join(dataDir, lockFileName),
	}

	r.DataDir = dataDir

	if env.TokenFile != "" {
		r.SessionPath = expandTilde(env.TokenFile)
	}

	return r, nil
}
