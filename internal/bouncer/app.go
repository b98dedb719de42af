// Package bouncer is the reconciliation core. App is the explicit
// application state: it ties the credential store, the API client, the local
// roster cache and one progress tracker per request stream together, keeps
// the operator-facing status line and records every run in the ledger.
package bouncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/amiv-eth/bouncer/internal/amivapi"
	"github.com/amiv-eth/bouncer/internal/ledger"
	"github.com/amiv-eth/bouncer/internal/progress"
	"github.com/amiv-eth/bouncer/internal/roster"
)

// Stream names.
const (
	StreamFetch  = "fetch"
	StreamMutate = "mutate"
)

// DefaultMaxConcurrent caps in-flight requests per stream when Options does
// not set a limit.
const DefaultMaxConcurrent = 8

// Status lines.
const (
	msgRequesting   = "Requesting all users from API..."
	msgSynchronized = "%d users synchronized with API."
	msgEmpty        = "No users in API!"
	msgNoPatch      = "Insufficient permissions, user patching is required!"
	msgPartial      = "Some requests were unsuccessful, please reload!"
	msgSetting      = "Set membership of %d users to '%s'..."
	msgLoggedOut    = "Logged out."
)

// RosterAPI is the remote roster as the core uses it. *amivapi.Client is the
// real implementation.
type RosterAPI interface {
	ListUsers(ctx context.Context, q amivapi.UserQuery, page int) (*amivapi.UserPage, error)
	PatchMembership(ctx context.Context, rec roster.Record, m roster.Membership) (roster.Record, error)
	ValidateToken(ctx context.Context) (*amivapi.Session, error)
}

// Credentials is the credential store as the core uses it. *session.Store
// is the real implementation.
type Credentials interface {
	IsValid() bool
	MarkValid(user string) error
	Invalidate() error
}

// Ledger is the audit trail. *ledger.Store is the real implementation.
type Ledger interface {
	RecordFetch(ctx context.Context, run ledger.FetchRun) (ledger.FetchRun, error)
	BeginBatch(ctx context.Context, bucket, target string, size int) (string, error)
	RecordMutation(ctx context.Context, m ledger.Mutation) error
	FinishBatch(ctx context.Context, id string, failed int) error
}

// Options configures an App. API and Credentials are required.
type Options struct {
	API         RosterAPI
	Credentials Credentials
	Ledger      Ledger // optional
	Logger      *slog.Logger
	Clock       clock.Clock // defaults to the wall clock

	KeyField      roster.KeyField
	Query         amivapi.UserQuery
	Policy        roster.Policy
	MaxConcurrent int // per stream; zero uses DefaultMaxConcurrent
}

// App is the application state object. All methods are safe for concurrent
// use.
type App struct {
	api    RosterAPI
	creds  Credentials
	ledger Ledger
	logger *slog.Logger
	clock  clock.Clock
	query  amivapi.UserQuery
	policy roster.Policy

	cache  *roster.Cache
	fetch  *progress.Tracker
	mutate *progress.Tracker

	mu        sync.Mutex
	status    string
	listeners []func(string)
}

// New creates an App.
func New(opts Options) (*App, error) {
	if opts.API == nil {
		return nil, errors.New("bouncer: API client is required")
	}

	if opts.Credentials == nil {
		return nil, errors.New("bouncer: credential store is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}

	limit := opts.MaxConcurrent
	if limit <= 0 {
		limit = DefaultMaxConcurrent
	}

	return &App{
		api:    opts.API,
		creds:  opts.Credentials,
		ledger: opts.Ledger,
		logger: logger,
		clock:  clk,
		query:  opts.Query,
		policy: opts.Policy,
		cache:  roster.NewCache(opts.KeyField),
		fetch:  progress.NewTracker(StreamFetch, limit, logger),
		mutate: progress.NewTracker(StreamMutate, limit, logger),
	}, nil
}

// Cache returns the local roster cache.
func (a *App) Cache() *roster.Cache {
	return a.cache
}

// FetchState returns the fetch stream's progress.
func (a *App) FetchState() progress.State {
	return a.fetch.State()
}

// MutateState returns the mutation stream's progress.
func (a *App) MutateState() progress.State {
	return a.mutate.State()
}

// Busy reports whether either stream has a batch in flight.
func (a *App) Busy() bool {
	return a.fetch.Busy() || a.mutate.Busy()
}

// OnProgress registers fn for progress changes of both streams.
func (a *App) OnProgress(fn func(stream string, s progress.State)) {
	a.fetch.OnChange(func(s progress.State) { fn(StreamFetch, s) })
	a.mutate.OnChange(func(s progress.State) { fn(StreamMutate, s) })
}

// Status returns the last status line.
func (a *App) Status() string {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.status
}

// OnStatus registers fn to be called with every new status line.
func (a *App) OnStatus(fn func(string)) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.listeners = append(a.listeners, fn)
}

func (a *App) setStatus(msg string) {
	a.mu.Lock()
	a.status = msg
	listeners := a.listeners
	a.mu.Unlock()

	a.logger.Debug("status", slog.String("message", msg))

	for _, fn := range listeners {
		fn(msg)
	}
}

// Classify reconciles the live cache against ids.
func (a *App) Classify(ids roster.IdentifierSet) roster.Buckets {
	return roster.Classify(a.cache, ids, a.policy)
}

// Validate confirms the stored credential with an authenticated request and
// marks it valid. An authentication failure invalidates it.
func (a *App) Validate(ctx context.Context) (*amivapi.Session, error) {
	s, err := a.api.ValidateToken(ctx)
	if err != nil {
		e := classify("validate", "", err)
		a.failSession(e)

		return nil, e
	}

	if err := a.creds.MarkValid(s.User); err != nil {
		return nil, fmt.Errorf("bouncer: marking session valid: %w", err)
	}

	a.logger.Info("session validated", slog.String("user", s.User))

	return s, nil
}

// Logout invalidates the credential and empties the cache.
func (a *App) Logout() error {
	a.cache.Reset()

	if err := a.creds.Invalidate(); err != nil {
		return fmt.Errorf("bouncer: logging out: %w", err)
	}

	a.setStatus(msgLoggedOut)

	return nil
}

// failSession ends the session after an authentication failure: the
// credential is invalidated and the failure becomes the status line.
func (a *App) failSession(e *Error) {
	if e.Kind != KindUnauthorized {
		return
	}

	a.invalidate(e)
	a.setStatus(e.Message)
}

// invalidate clears the credential. The cache is left alone; it keeps
// whatever completed before the failure.
func (a *App) invalidate(e *Error) {
	a.logger.Warn("invalidating session",
		slog.String("op", e.Op),
		slog.String("kind", e.Kind.String()),
	)

	if err := a.creds.Invalidate(); err != nil {
		a.logger.Warn("could not invalidate session", slog.String("error", err.Error()))
	}
}

func (a *App) now() time.Time {
	return a.clock.Now()
}
