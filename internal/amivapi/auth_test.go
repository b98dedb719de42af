package amivapi

import (
	"context"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amiv-eth/bouncer/internal/session"
)

// redirectBack simulates the API's OAuth page: it inspects the authorize URL
// and calls the redirect URI with the given token and state.
func redirectBack(t *testing.T, token string, state func(string) string) func(string) error {
	t.Helper()

	return func(authURL string) error {
		u, err := url.Parse(authURL)
		require.NoError(t, err)

		q := u.Query()
		assert.Equal(t, "/oauth", u.Path)
		assert.Equal(t, "token", q.Get("response_type"))
		assert.Equal(t, "Bouncer", q.Get("client_id"))

		cb, err := url.Parse(q.Get("redirect_uri"))
		require.NoError(t, err)

		v := url.Values{}
		v.Set("access_token", token)
		v.Set("state", state(q.Get("state")))
		cb.RawQuery = v.Encode()

		resp, err := http.Get(cb.String()) //nolint:noctx // test callback
		require.NoError(t, err)
		resp.Body.Close()

		return nil
	}
}

func TestLoginWithBrowser(t *testing.T) {
	store := session.NewMemory(testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	open := redirectBack(t, "tok-123", func(s string) string { return s })

	tok, err := LoginWithBrowser(ctx, "https://api.example.test/", "", store, open, testLogger())
	require.NoError(t, err)
	assert.Equal(t, "tok-123", tok.AccessToken)

	stored, err := store.Token()
	require.NoError(t, err)
	assert.Equal(t, "tok-123", stored)
	assert.False(t, store.IsValid(), "a fresh token still needs validation")
}

func TestLoginWithBrowser_StateMismatch(t *testing.T) {
	store := session.NewMemory(testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	open := redirectBack(t, "tok-evil", func(string) string { return "forged" })

	_, err := LoginWithBrowser(ctx, "https://api.example.test", "Bouncer", store, open, testLogger())
	require.Error(t, err)
	assert.ErrorIs(t, err, session.ErrStateMismatch)

	_, err = store.Token()
	assert.ErrorIs(t, err, session.ErrNoToken)
}

func TestLoginWithBrowser_Canceled(t *testing.T) {
	store := session.NewMemory(testLogger())

	ctx, cancel := context.WithCancel(context.Background())

	_, err := LoginWithBrowser(ctx, "https://api.example.test", "", store, func(string) error {
		cancel()
		return nil
	}, testLogger())

	assert.ErrorIs(t, err, context.Canceled)
}
