package bouncer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/amiv-eth/bouncer/internal/amivapi"
	"github.com/amiv-eth/bouncer/internal/roster"
	"github.com/amiv-eth/bouncer/internal/session"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeAPI is an in-memory roster server with Eve semantics: pages of
// pageSize records ordered by id, and conditional updates that fail with a
// 412 on a stale etag.
type fakeAPI struct {
	mu       sync.Mutex
	users    map[string]roster.Record
	pageSize int
	etagSeq  int

	failPages    map[int]error
	patchErr     map[string]error
	validateErr  error
	gate         chan struct{} // if set, ListUsers blocks on it
	patchGate    chan struct{} // if set, PatchMembership blocks on it
	listCalls    atomic.Int32
	patchCalls   atomic.Int32
	inFlight     atomic.Int32
	peakInFlight atomic.Int32
}

func newFakeAPI(pageSize int, users ...roster.Record) *fakeAPI {
	f := &fakeAPI{
		users:     make(map[string]roster.Record),
		pageSize:  pageSize,
		failPages: make(map[int]error),
		patchErr:  make(map[string]error),
	}

	for _, u := range users {
		if u.Capabilities == nil {
			u.Capabilities = roster.NewCapabilities("GET", "PATCH")
		}

		f.users[u.ID] = u
	}

	return f
}

// user builds a record with an etag derived from its id.
func user(id, nethz string, m roster.Membership) roster.Record {
	return roster.Record{ID: id, Version: "e-" + id, Nethz: nethz, Membership: m}
}

func (f *fakeAPI) sortedIDs() []string {
	ids := make([]string, 0, len(f.users))
	for id := range f.users {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	return ids
}

func (f *fakeAPI) ListUsers(ctx context.Context, _ amivapi.UserQuery, page int) (*amivapi.UserPage, error) {
	f.listCalls.Add(1)

	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)

	for {
		p := f.peakInFlight.Load()
		if n <= p || f.peakInFlight.CompareAndSwap(p, n) {
			break
		}
	}

	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.failPages[page]; err != nil {
		return nil, err
	}

	ids := f.sortedIDs()
	out := &amivapi.UserPage{Total: len(ids), MaxResults: f.pageSize, Page: page}

	start := (page - 1) * f.pageSize
	for i := start; i < start+f.pageSize && i < len(ids); i++ {
		out.Records = append(out.Records, f.users[ids[i]])
	}

	return out, nil
}

func (f *fakeAPI) PatchMembership(ctx context.Context, rec roster.Record, m roster.Membership) (roster.Record, error) {
	f.patchCalls.Add(1)

	if f.patchGate != nil {
		select {
		case <-f.patchGate:
		case <-ctx.Done():
			return roster.Record{}, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.patchErr[rec.ID]; err != nil {
		return roster.Record{}, err
	}

	cur, ok := f.users[rec.ID]
	if !ok {
		return roster.Record{}, &amivapi.APIError{StatusCode: http.StatusNotFound, Message: "not found", Err: amivapi.ErrNotFound}
	}

	if cur.Version != rec.Version {
		return roster.Record{}, &amivapi.APIError{
			StatusCode: http.StatusPreconditionFailed,
			Code:       http.StatusPreconditionFailed,
			Message:    "Client and server etags don't match",
			Err:        amivapi.ErrConflict,
		}
	}

	f.etagSeq++
	cur.Version = fmt.Sprintf("e-%s-%d", rec.ID, f.etagSeq)
	cur.Membership = m
	f.users[rec.ID] = cur

	out := rec
	out.Version = cur.Version
	out.Membership = m

	return out, nil
}

func (f *fakeAPI) ValidateToken(context.Context) (*amivapi.Session, error) {
	if f.validateErr != nil {
		return nil, f.validateErr
	}

	return &amivapi.Session{ID: "s1", User: "operator"}, nil
}

// bump simulates a concurrent external edit of a user.
func (f *fakeAPI) bump(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	u := f.users[id]
	u.Version += "+"
	f.users[id] = u
}

var errUnauthorized = &amivapi.APIError{
	StatusCode: http.StatusUnauthorized,
	Code:       http.StatusUnauthorized,
	Message:    "Please provide proper credentials",
	Err:        amivapi.ErrUnauthorized,
}

var errNetwork = errors.New("dial tcp: connection refused")

// loggedIn returns a credential store holding a validated token.
func loggedIn(t *testing.T) *session.Store {
	t.Helper()

	s := session.NewMemory(testLogger())
	require.NoError(t, s.SetToken(&oauth2.Token{AccessToken: "tok"}))
	require.NoError(t, s.MarkValid("operator"))

	return s
}

func newTestApp(t *testing.T, api *fakeAPI, creds Credentials, opts ...func(*Options)) *App {
	t.Helper()

	o := Options{
		API:         api,
		Credentials: creds,
		Logger:      testLogger(),
		KeyField:    roster.KeyByID,
	}

	for _, fn := range opts {
		fn(&o)
	}

	app, err := New(o)
	require.NoError(t, err)

	return app
}
