package bouncer

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/amiv-eth/bouncer/internal/progress"
	"github.com/amiv-eth/bouncer/internal/session"
)

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(Options{Credentials: loggedIn(t)})
	require.Error(t, err)

	_, err = New(Options{API: newFakeAPI(1)})
	require.Error(t, err)
}

func TestNew_Defaults(t *testing.T) {
	app, err := New(Options{API: newFakeAPI(1), Credentials: loggedIn(t)})
	require.NoError(t, err)

	assert.Equal(t, progress.State{}, app.FetchState())
	assert.Equal(t, progress.State{}, app.MutateState())
	assert.False(t, app.Busy())
	assert.Empty(t, app.Status())
}

func TestValidate(t *testing.T) {
	creds := session.NewMemory(testLogger())
	require.NoError(t, creds.SetToken(&oauth2.Token{AccessToken: "tok"}))

	app := newTestApp(t, newFakeAPI(1), creds)

	s, err := app.Validate(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "operator", s.User)
	assert.True(t, creds.IsValid())
}

func TestValidate_RejectedTokenInvalidates(t *testing.T) {
	api := newFakeAPI(1)
	api.validateErr = errUnauthorized

	creds := loggedIn(t)
	app := newTestApp(t, api, creds)

	_, err := app.Validate(t.Context())
	require.ErrorIs(t, err, ErrUnauthorized)
	assert.False(t, creds.IsValid())
	assert.Equal(t, "Error (401): Please provide proper credentials", app.Status())
}

func TestValidate_TransportFailureKeepsSession(t *testing.T) {
	api := newFakeAPI(1)
	api.validateErr = errNetwork

	creds := loggedIn(t)
	app := newTestApp(t, api, creds)

	_, err := app.Validate(t.Context())
	require.ErrorIs(t, err, ErrTransport)
	assert.True(t, creds.IsValid())
}

func TestLogout(t *testing.T) {
	api := newFakeAPI(5, manyUsers(3)...)
	creds := loggedIn(t)
	app := newTestApp(t, api, creds)

	_, err := app.FetchAll(t.Context())
	require.NoError(t, err)

	require.NoError(t, app.Logout())

	assert.Zero(t, app.Cache().Len())
	assert.False(t, creds.IsValid())
	assert.False(t, creds.Snapshot().LoggedIn)
	assert.Equal(t, "Logged out.", app.Status())
}

func TestOnProgress_ReportsStream(t *testing.T) {
	api := newFakeAPI(1, manyUsers(2)...)
	app := newTestApp(t, api, loggedIn(t), func(o *Options) { o.MaxConcurrent = 1 })

	var (
		mu      sync.Mutex
		streams []string
	)

	app.OnProgress(func(stream string, _ progress.State) {
		mu.Lock()
		defer mu.Unlock()
		streams = append(streams, stream)
	})

	_, err := app.FetchAll(t.Context())
	require.NoError(t, err)

	require.NotEmpty(t, streams)

	for _, s := range streams {
		assert.Equal(t, StreamFetch, s)
	}
}
