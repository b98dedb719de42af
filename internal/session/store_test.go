package session

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestOpen_MissingFile(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "session.json"), testLogger())
	require.NoError(t, err)

	assert.False(t, s.IsValid())

	_, err = s.Token()
	assert.ErrorIs(t, err, ErrNoToken)
}

func TestStore_Lifecycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "session.json")

	s, err := Open(path, testLogger())
	require.NoError(t, err)

	require.NoError(t, s.SetToken(&oauth2.Token{AccessToken: "tok-1"}))
	assert.False(t, s.IsValid(), "a new token is not valid until confirmed")

	tok, err := s.Token()
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)

	require.NoError(t, s.MarkValid("user-42"))
	assert.True(t, s.IsValid())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(FilePerms), info.Mode().Perm())

	// A restart resumes the session.
	reopened, err := Open(path, testLogger())
	require.NoError(t, err)
	assert.True(t, reopened.IsValid())
	assert.Equal(t, "user-42", reopened.Snapshot().User)

	require.NoError(t, reopened.Invalidate())
	assert.False(t, reopened.IsValid())

	_, err = reopened.Token()
	assert.ErrorIs(t, err, ErrNoToken)

	again, err := Open(path, testLogger())
	require.NoError(t, err)
	assert.False(t, again.Snapshot().LoggedIn)
}

func TestStore_MarkValidWithoutToken(t *testing.T) {
	s := NewMemory(testLogger())

	assert.ErrorIs(t, s.MarkValid(""), ErrNoToken)
	assert.False(t, s.IsValid())
}

func TestStore_SetTokenRejectsEmpty(t *testing.T) {
	s := NewMemory(testLogger())

	assert.Error(t, s.SetToken(nil))
	assert.Error(t, s.SetToken(&oauth2.Token{}))
}

func TestStore_ExpiredToken(t *testing.T) {
	s := NewMemory(testLogger())
	require.NoError(t, s.SetToken(&oauth2.Token{
		AccessToken: "old",
		Expiry:      time.Now().Add(-time.Hour),
	}))

	_, err := s.Token()
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestStore_LoginState(t *testing.T) {
	s := NewMemory(testLogger())

	assert.ErrorIs(t, s.CheckState(""), ErrStateMismatch, "no login in progress")

	state, err := s.BeginLogin()
	require.NoError(t, err)
	assert.Len(t, state, 2*stateTokenBytes)

	assert.NoError(t, s.CheckState(state))
	assert.ErrorIs(t, s.CheckState("forged"), ErrStateMismatch)

	require.NoError(t, s.SetToken(&oauth2.Token{AccessToken: "t"}))
	assert.ErrorIs(t, s.CheckState(state), ErrStateMismatch, "state is consumed by SetToken")
}

func TestOpen_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), FilePerms))

	_, err := Open(path, testLogger())
	assert.Error(t, err)
}

func TestOpen_ValidFlagWithoutTokenIgnored(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"valid": true}`), FilePerms))

	s, err := Open(path, testLogger())
	require.NoError(t, err)
	assert.False(t, s.IsValid())
}
