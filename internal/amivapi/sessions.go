package amivapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"golang.org/x/oauth2"
)

// Session is an API session as returned by /sessions.
type Session struct {
	ID   string `json:"_id"`
	User string `json:"user"`
}

// sessionsResponse wraps GET /sessions.
type sessionsResponse struct {
	Items []Session `json:"_items"`
}

// loginResponse is the body of a successful POST /sessions.
type loginResponse struct {
	ID    string `json:"_id"`
	User  string `json:"user"`
	Token string `json:"token"`
}

// ValidateToken looks up the session the client's token belongs to. A token
// that has no session fails with ErrUnauthorized.
func (c *Client) ValidateToken(ctx context.Context) (*Session, error) {
	if c.token == nil {
		return nil, ErrNotLoggedIn
	}

	tok, err := c.token.Token()
	if err != nil {
		return nil, fmt.Errorf("amivapi: obtaining token: %w: %w", ErrNotLoggedIn, err)
	}

	where, err := json.Marshal(map[string]string{"token": tok})
	if err != nil {
		return nil, fmt.Errorf("amivapi: encoding session query: %w", err)
	}

	v := url.Values{}
	v.Set("where", string(where))

	resp, err := c.Do(ctx, http.MethodGet, "/sessions?"+v.Encode(), nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var sr sessionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("amivapi: decoding sessions: %w", err)
	}

	if len(sr.Items) == 0 {
		return nil, &APIError{
			StatusCode: http.StatusUnauthorized,
			Message:    "token has no active session",
			Err:        ErrUnauthorized,
		}
	}

	s := sr.Items[0]
	c.logger.Debug("token validated", slog.String("user", s.User))

	return &s, nil
}

// Login exchanges a username and password for a token by creating a
// session.
func (c *Client) Login(ctx context.Context, username, password string) (*oauth2.Token, *Session, error) {
	body, err := json.Marshal(map[string]string{
		"username": username,
		"password": password,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("amivapi: encoding login: %w", err)
	}

	c.logger.Info("creating session", slog.String("username", username))

	resp, err := c.doAnonymous(ctx, http.MethodPost, "/sessions", body)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	var lr loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return nil, nil, fmt.Errorf("amivapi: decoding session: %w", err)
	}

	if lr.Token == "" {
		return nil, nil, fmt.Errorf("amivapi: session response carries no token")
	}

	return &oauth2.Token{AccessToken: lr.Token}, &Session{ID: lr.ID, User: lr.User}, nil
}
