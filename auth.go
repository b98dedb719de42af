package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/pkg/browser"
	"github.com/spf13/cobra"

	"github.com/amiv-eth/bouncer/internal/amivapi"
	"github.com/amiv-eth/bouncer/internal/bouncer"
)

func newLoginCmd() *cobra.Command {
	var username string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in to the API",
		Long: "Log in through the browser, or with --username and the password on stdin.\n" +
			"The session is stored in the data directory and reused until it is rejected.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runLogin(cmd, username)
		},
	}

	cmd.Flags().StringVar(&username, "username", "", "log in with a password read from stdin")

	return cmd
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored session",
		RunE:  runLogout,
	}
}

func newWhoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Check the stored session against the API",
		RunE:  runWhoami,
	}
}

// browserLoginTimeout bounds the wait for the OAuth redirect.
const browserLoginTimeout = 5 * time.Minute

func runLogin(cmd *cobra.Command, username string) error {
	ctx := cmd.Context()
	cc := mustCLIContext(ctx)

	app, deps, err := cc.newApp(ctx, false)
	if err != nil {
		return err
	}
	defer deps.Close()

	if username != "" {
		password, err := readPassword(cmd.InOrStdin())
		if err != nil {
			return err
		}

		tok, _, err := deps.client.Login(ctx, username, password)
		if err != nil {
			return fmt.Errorf("login failed: %w", err)
		}

		if err := deps.store.SetToken(tok); err != nil {
			return err
		}
	} else {
		loginCtx, cancel := context.WithTimeout(ctx, browserLoginTimeout)
		defer cancel()

		_, err := amivapi.LoginWithBrowser(loginCtx, cc.Cfg.APIURL, cc.Cfg.OAuthClientID, deps.store,
			func(u string) error {
				cc.Statusf("Opening browser to log in...\n")
				browser.Stdout = cc.Err

				return openBrowser(u)
			}, cc.Logger)
		if err != nil {
			return fmt.Errorf("login failed: %w", err)
		}
	}

	s, err := app.Validate(ctx)
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	cc.Logger.Info("login successful", "user", s.User)
	cc.Statusf("Logged in as %s.\n", s.User)

	return nil
}

// readPassword reads the first line of r.
func readPassword(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading password: %w", err)
	}

	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return "", errors.New("no password on stdin")
	}

	return password, nil
}

// openBrowser launches the default browser. Tests replace it.
var openBrowser = browser.OpenURL

func runLogout(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cc := mustCLIContext(ctx)

	app, deps, err := cc.newApp(ctx, false)
	if err != nil {
		return err
	}
	defer deps.Close()

	if err := app.Logout(); err != nil {
		return err
	}

	cc.Statusf("%s\n", app.Status())

	return nil
}

// whoamiOutput is the JSON schema for `whoami --json`.
type whoamiOutput struct {
	LoggedIn bool      `json:"logged_in"`
	Valid    bool      `json:"valid"`
	User     string    `json:"user,omitempty"`
	Session  string    `json:"session,omitempty"`
	Expiry   time.Time `json:"expiry,omitzero"`
	APIURL   string    `json:"api_url"`
}

func runWhoami(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cc := mustCLIContext(ctx)

	app, deps, err := cc.newApp(ctx, false)
	if err != nil {
		return err
	}
	defer deps.Close()

	if err := requireLogin(deps.store); err != nil {
		return err
	}

	out := whoamiOutput{APIURL: cc.Cfg.APIURL, LoggedIn: true}

	s, err := app.Validate(ctx)
	if err != nil && !errors.Is(err, bouncer.ErrUnauthorized) {
		return err
	}

	snap := deps.store.Snapshot()
	out.Valid = snap.Valid
	out.User = snap.User
	out.Expiry = snap.Expiry

	if s != nil {
		out.Session = s.ID
	}

	if cc.Flags.JSON {
		return writeStructured(cc.Out, formatJSON, out)
	}

	if !out.Valid {
		fmt.Fprintf(cc.Out, "Session rejected by %s, run 'bouncer login' again.\n", out.APIURL)
		return nil
	}

	fmt.Fprintf(cc.Out, "User:    %s\n", out.User)
	fmt.Fprintf(cc.Out, "Session: %s\n", out.Session)
	fmt.Fprintf(cc.Out, "API:     %s\n", out.APIURL)

	if !out.Expiry.IsZero() {
		fmt.Fprintf(cc.Out, "Expires: %s\n", formatTime(out.Expiry))
	}

	return nil
}
