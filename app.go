package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"

	"github.com/amiv-eth/bouncer/internal/amivapi"
	"github.com/amiv-eth/bouncer/internal/bouncer"
	"github.com/amiv-eth/bouncer/internal/config"
	"github.com/amiv-eth/bouncer/internal/ledger"
	"github.com/amiv-eth/bouncer/internal/roster"
	"github.com/amiv-eth/bouncer/internal/session"
)

// openSession opens the credential store at the configured location.
func (cc *CLIContext) openSession() (*session.Store, error) {
	return session.Open(cc.Cfg.SessionPath, cc.Logger)
}

// httpClient returns an HTTP client honoring the configured timeouts.
func (cc *CLIContext) httpClient() *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{Timeout: cc.Cfg.ConnectTimeoutDuration()}).DialContext

	return &http.Client{
		Timeout:   cc.Cfg.RequestTimeoutDuration(),
		Transport: transport,
	}
}

// apiClient builds an API client authenticating with the token in store.
func (cc *CLIContext) apiClient(store *session.Store) *amivapi.Client {
	client := amivapi.NewClient(cc.Cfg.APIURL, cc.httpClient(), store, cc.Logger, cc.Cfg.UserAgent)
	client.SetAuthScheme(cc.Cfg.AuthScheme)

	return client
}

// openLedger opens the audit ledger. The caller closes it.
func (cc *CLIContext) openLedger(ctx context.Context) (*ledger.Store, error) {
	if err := os.MkdirAll(filepath.Dir(cc.Cfg.LedgerPath), session.DirPerms); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	return ledger.Open(ctx, cc.Cfg.LedgerPath, nil, cc.Logger)
}

// appDeps are the resources behind an App that the command must release.
type appDeps struct {
	store  *session.Store
	client *amivapi.Client
	ledger *ledger.Store
}

func (d *appDeps) Close() {
	if d.ledger != nil {
		d.ledger.Close()
	}
}

// newApp wires the reconciliation core from the resolved configuration.
// withLedger opens the audit ledger; read-only commands skip it.
func (cc *CLIContext) newApp(ctx context.Context, withLedger bool) (*bouncer.App, *appDeps, error) {
	store, err := cc.openSession()
	if err != nil {
		return nil, nil, err
	}

	deps := &appDeps{store: store, client: cc.apiClient(store)}

	opts, err := appOptions(cc.Cfg)
	if err != nil {
		return nil, nil, err
	}

	opts.API = deps.client
	opts.Credentials = store
	opts.Logger = cc.Logger

	if withLedger {
		led, err := cc.openLedger(ctx)
		if err != nil {
			return nil, nil, err
		}

		deps.ledger = led
		opts.Ledger = led
	}

	app, err := bouncer.New(opts)
	if err != nil {
		deps.Close()
		return nil, nil, err
	}

	return app, deps, nil
}

// appOptions translates configuration into core options.
func appOptions(cfg *config.Resolved) (bouncer.Options, error) {
	keyField, err := roster.ParseKeyField(cfg.KeyField)
	if err != nil {
		return bouncer.Options{}, fmt.Errorf("key_field: %w", err)
	}

	absent, err := roster.ParseAbsentSpecial(cfg.AbsentSpecial)
	if err != nil {
		return bouncer.Options{}, fmt.Errorf("absent_special: %w", err)
	}

	return bouncer.Options{
		KeyField: keyField,
		Query: amivapi.UserQuery{
			Projection: config.ProjectionFields(cfg.Projection),
			PageSize:   cfg.PageSize,
		},
		Policy:        roster.Policy{AbsentSpecial: absent},
		MaxConcurrent: cfg.MaxConcurrentRequests,
	}, nil
}

// requireLogin fails early with a hint when no token is stored.
func requireLogin(store *session.Store) error {
	if !store.Snapshot().LoggedIn {
		return fmt.Errorf("not logged in, run 'bouncer login' first")
	}

	return nil
}
