// Package session is the credential store. It holds the API token together
// with a validity flag and persists both to a local file so that a restart
// resumes the session. A credential only becomes valid after an
// authenticated call succeeded; any authentication failure invalidates it,
// which clears the token and forces a fresh login.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// FilePerms restricts session files to owner-only read/write.
const FilePerms = 0o600

// DirPerms is used when creating the data directory.
const DirPerms = 0o700

// stateTokenBytes is the number of random bytes in a login state value.
const stateTokenBytes = 16

// Sentinel errors.
var (
	ErrNoToken       = errors.New("session: not logged in")
	ErrTokenExpired  = errors.New("session: token expired")
	ErrStateMismatch = errors.New("session: login state mismatch")
)

// file is the on-disk format.
type file struct {
	Token *oauth2.Token `json:"token,omitempty"`
	Valid bool          `json:"valid"`
	State string        `json:"state,omitempty"`
	User  string        `json:"user,omitempty"`
}

// Credential is a read-only snapshot of the store. It never carries the
// token value itself.
type Credential struct {
	LoggedIn bool
	Valid    bool
	User     string
	Expiry   time.Time // zero if the token does not expire
}

// Store is the credential store. All methods are safe for concurrent use.
// A Store created with an empty path keeps everything in memory.
type Store struct {
	path   string
	logger *slog.Logger

	mu   sync.Mutex
	data file
}

// Open loads the session file at path. A missing file yields an empty,
// logged-out store.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{path: path, logger: logger}

	if path == "" {
		return s, nil
	}

	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		logger.Debug("no session file", slog.String("path", path))
		return s, nil
	}

	if err != nil {
		return nil, fmt.Errorf("session: reading %s: %w", path, err)
	}

	if err := json.Unmarshal(raw, &s.data); err != nil {
		return nil, fmt.Errorf("session: decoding %s: %w", path, err)
	}

	// A valid flag without a token is meaningless.
	if s.data.Token == nil || s.data.Token.AccessToken == "" {
		s.data.Token = nil
		s.data.Valid = false
	}

	logger.Debug("loaded session",
		slog.String("path", path),
		slog.Bool("logged_in", s.data.Token != nil),
		slog.Bool("valid", s.data.Valid),
	)

	return s, nil
}

// NewMemory returns a store that is never persisted.
func NewMemory(logger *slog.Logger) *Store {
	s, _ := Open("", logger) //nolint:errcheck // in-memory Open cannot fail

	return s
}

// Path returns the session file path, empty for in-memory stores.
func (s *Store) Path() string {
	return s.path
}

// BeginLogin generates a random state value for a redirect login, persists
// it and returns it.
func (s *Store) BeginLogin() (string, error) {
	b := make([]byte, stateTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("session: generating login state: %w", err)
	}

	state := hex.EncodeToString(b)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.data.State = state

	return state, s.saveLocked()
}

// CheckState compares state with the value handed out by BeginLogin.
func (s *Store) CheckState(state string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.data.State == "" || state != s.data.State {
		return ErrStateMismatch
	}

	return nil
}

// SetToken stores a freshly acquired token. The credential stays invalid
// until MarkValid is called after a successful authenticated request. The
// pending login state is consumed.
func (s *Store) SetToken(tok *oauth2.Token) error {
	if tok == nil || tok.AccessToken == "" {
		return fmt.Errorf("session: refusing to store empty token")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.data = file{Token: tok}

	s.logger.Info("stored new token", slog.Time("expiry", tok.Expiry))

	return s.saveLocked()
}

// MarkValid records that an authenticated call succeeded. user is the
// account the token belongs to, if known.
func (s *Store) MarkValid(user string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.data.Token == nil {
		return ErrNoToken
	}

	if s.data.Valid && (user == "" || user == s.data.User) {
		return nil
	}

	s.data.Valid = true
	if user != "" {
		s.data.User = user
	}

	return s.saveLocked()
}

// Invalidate clears the token and marks the credential invalid. It is
// terminal: only a new login restores a usable credential.
func (s *Store) Invalidate() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	had := s.data.Token != nil
	s.data = file{}

	if had {
		s.logger.Info("session invalidated")
	}

	return s.saveLocked()
}

// IsValid reports whether a token is stored and has been confirmed.
func (s *Store) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.data.Token != nil && s.data.Valid
}

// Token returns the stored access token.
func (s *Store) Token() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.data.Token == nil {
		return "", ErrNoToken
	}

	if !s.data.Token.Valid() {
		return "", ErrTokenExpired
	}

	return s.data.Token.AccessToken, nil
}

// Snapshot returns the current credential without the token value.
func (s *Store) Snapshot() Credential {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := Credential{
		LoggedIn: s.data.Token != nil,
		Valid:    s.data.Token != nil && s.data.Valid,
		User:     s.data.User,
	}

	if s.data.Token != nil {
		c.Expiry = s.data.Token.Expiry
	}

	return c
}

// saveLocked writes the session file atomically (write-to-temp + rename)
// with 0600 permissions. The caller holds s.mu.
func (s *Store) saveLocked() error {
	if s.path == "" {
		return nil
	}

	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("session: encoding: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, DirPerms); err != nil {
		return fmt.Errorf("session: creating directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".session-*.tmp")
	if err != nil {
		return fmt.Errorf("session: creating temp file: %w", err)
	}

	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := os.Chmod(tmpPath, FilePerms); err != nil {
		tmp.Close()
		return fmt.Errorf("session: setting permissions: %w", err)
	}

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("session: writing: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("session: syncing: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("session: closing: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("session: renaming: %w", err)
	}

	success = true

	return nil
}
