package amivapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// DefaultClientID is the OAuth client the API knows this tool as.
const DefaultClientID = "Bouncer"

// callbackPath is the HTTP path the OAuth redirect hits on the local server.
const callbackPath = "/"

// shutdownTimeout is how long to wait for the callback server to drain.
const shutdownTimeout = 5 * time.Second

// LoginState is the part of the credential store a redirect login needs.
type LoginState interface {
	BeginLogin() (string, error)
	CheckState(state string) error
	SetToken(tok *oauth2.Token) error
}

// callbackResult carries the access token or error from the callback handler.
type callbackResult struct {
	token string
	err   error
}

// LoginWithBrowser performs the implicit-grant redirect login:
//  1. Binds a localhost HTTP server on a random port
//  2. Opens the browser at {apiURL}/oauth with response_type=token and a
//     fresh random state
//  3. Receives the redirect carrying access_token and state in the query
//  4. Rejects a state that does not match, then stores the token
//
// openURL is called with the authorization URL; the CLI uses it to launch the
// default browser. If openURL returns an error, the URL is printed to stderr
// so the user can open it manually. The stored token is not yet valid; the
// caller validates it with an authenticated request.
func LoginWithBrowser(
	ctx context.Context,
	apiURL, clientID string,
	creds LoginState,
	openURL func(string) error,
	logger *slog.Logger,
) (*oauth2.Token, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if clientID == "" {
		clientID = DefaultClientID
	}

	logger.Info("starting browser login (implicit grant)", slog.String("api", apiURL))

	resultCh := make(chan callbackResult, 1)
	mux := http.NewServeMux()

	srv, port, err := startCallbackServer(ctx, mux, resultCh, logger)
	if err != nil {
		return nil, err
	}

	defer shutdownCallbackServer(srv, logger)

	state, err := creds.BeginLogin()
	if err != nil {
		return nil, fmt.Errorf("amivapi: starting login: %w", err)
	}

	registerCallbackHandler(mux, creds, resultCh)

	cfg := &oauth2.Config{
		ClientID:    clientID,
		Endpoint:    oauth2.Endpoint{AuthURL: strings.TrimRight(apiURL, "/") + "/oauth"},
		RedirectURL: fmt.Sprintf("http://localhost:%d%s", port, callbackPath),
	}

	authURL := cfg.AuthCodeURL(state, oauth2.SetAuthURLParam("response_type", "token"))

	launchBrowser(authURL, openURL, logger)

	access, err := waitForCallback(ctx, resultCh)
	if err != nil {
		return nil, err
	}

	tok := &oauth2.Token{AccessToken: access}
	if err := creds.SetToken(tok); err != nil {
		return nil, fmt.Errorf("amivapi: saving token: %w", err)
	}

	logger.Info("browser login successful")

	return tok, nil
}

// startCallbackServer binds to 127.0.0.1:0 and starts an HTTP server with the
// given mux. Returns the server, the port, and any error.
func startCallbackServer(
	ctx context.Context,
	mux *http.ServeMux,
	resultCh chan<- callbackResult,
	logger *slog.Logger,
) (*http.Server, int, error) {
	lc := net.ListenConfig{}

	listener, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		return nil, 0, fmt.Errorf("amivapi: binding localhost listener: %w", err)
	}

	tcpAddr, ok := listener.Addr().(*net.TCPAddr)
	if !ok {
		listener.Close()
		return nil, 0, fmt.Errorf("amivapi: listener address is not TCP")
	}

	port := tcpAddr.Port
	logger.Debug("callback server listening", slog.Int("port", port))

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: shutdownTimeout,
	}

	go func() {
		if serveErr := srv.Serve(listener); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			select {
			case resultCh <- callbackResult{err: fmt.Errorf("amivapi: callback server error: %w", serveErr)}:
			default:
			}
		}
	}()

	return srv, port, nil
}

func registerCallbackHandler(mux *http.ServeMux, creds LoginState, resultCh chan<- callbackResult) {
	mux.HandleFunc("GET "+callbackPath, func(w http.ResponseWriter, r *http.Request) {
		handleCallback(w, r, creds, resultCh)
	})
}

// handleCallback validates the state, extracts the token, and sends the
// result. Stray requests (favicon, a second redirect) after the first result
// are answered but not forwarded.
func handleCallback(w http.ResponseWriter, r *http.Request, creds LoginState, resultCh chan<- callbackResult) {
	q := r.URL.Query()

	send := func(res callbackResult) {
		select {
		case resultCh <- res:
		default:
		}
	}

	if err := creds.CheckState(q.Get("state")); err != nil {
		http.Error(w, "Invalid state parameter", http.StatusBadRequest)
		send(callbackResult{err: fmt.Errorf("amivapi: OAuth state mismatch (possible CSRF): %w", err)})

		return
	}

	if errParam := q.Get("error"); errParam != "" {
		http.Error(w, "Authorization failed: "+errParam, http.StatusBadRequest)
		send(callbackResult{err: fmt.Errorf("amivapi: authorization failed: %s: %s", errParam, q.Get("error_description"))})

		return
	}

	token := q.Get("access_token")
	if token == "" {
		http.Error(w, "Missing access token", http.StatusBadRequest)
		send(callbackResult{err: fmt.Errorf("amivapi: callback missing access token")})

		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, "<html><body><h1>Logged in</h1>"+
		"<p>You can close this window and return to the terminal.</p></body></html>")
	send(callbackResult{token: token})
}

func shutdownCallbackServer(srv *http.Server, logger *slog.Logger) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("callback server shutdown error", slog.String("error", err.Error()))
	}
}

// launchBrowser attempts to open the auth URL. If it fails, prints the URL
// to stderr so the user can copy-paste it.
func launchBrowser(authURL string, openURL func(string) error, logger *slog.Logger) {
	logger.Info("opening browser for authorization")

	if openErr := openURL(authURL); openErr != nil {
		logger.Warn("failed to open browser, printing URL",
			slog.String("error", openErr.Error()),
		)

		fmt.Fprintf(os.Stderr, "Open this URL in your browser:\n%s\n", authURL)
	}
}

// waitForCallback blocks until the callback fires or the context is canceled.
func waitForCallback(ctx context.Context, resultCh <-chan callbackResult) (string, error) {
	select {
	case result := <-resultCh:
		if result.err != nil {
			return "", result.err
		}

		return result.token, nil
	case <-ctx.Done():
		return "", fmt.Errorf("amivapi: browser login canceled: %w", ctx.Err())
	}
}
