// Creates the session used by the E2E suite. The password is read from
// stdin; the session is written to .testdata/session.json.
//
// Usage: echo "$PASSWORD" | go run ./cmd/integration-bootstrap --username u
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/amiv-eth/bouncer/internal/amivapi"
	"github.com/amiv-eth/bouncer/internal/session"
	"github.com/amiv-eth/bouncer/testutil"
)

func main() {
	username := flag.String("username", "", "API account used by the E2E suite")
	flag.Parse()

	root := testutil.FindModuleRoot(".")
	testutil.LoadDotEnv(filepath.Join(root, ".env"))
	apiURL := testutil.ValidateAllowlist()

	if *username == "" {
		fmt.Fprintln(os.Stderr, "--username is required")
		os.Exit(1)
	}

	password, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && password == "" {
		fmt.Fprintf(os.Stderr, "reading password: %v\n", err)
		os.Exit(1)
	}

	dir := testutil.CredentialDir(root)
	if err := os.MkdirAll(dir, session.DirPerms); err != nil {
		fmt.Fprintf(os.Stderr, "creating %s: %v\n", dir, err)
		os.Exit(1)
	}

	ctx := context.Background()
	logger := slog.Default()

	store, err := session.Open(filepath.Join(dir, testutil.SessionFileName), logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "opening session: %v\n", err)
		os.Exit(1)
	}

	client := amivapi.NewClient(apiURL, http.DefaultClient, store, logger, "")

	tok, sess, err := client.Login(ctx, *username, strings.TrimRight(password, "\r\n"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "login failed: %v\n", err)
		os.Exit(1)
	}

	if err := store.SetToken(tok); err != nil {
		fmt.Fprintf(os.Stderr, "saving session: %v\n", err)
		os.Exit(1)
	}

	if err := store.MarkValid(sess.User); err != nil {
		fmt.Fprintf(os.Stderr, "saving session: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Login successful. Session saved.")
}
