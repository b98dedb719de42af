// Package amivapi is an HTTP client for the AMIV Eve REST API with
// automatic retry, Eve error decoding and status classification. It covers
// the user roster (paged listing and conditional membership updates) and
// the session endpoints used for login and token validation.
package amivapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Sentinel errors for HTTP status code classification.
// Use errors.Is(err, amivapi.ErrConflict) to check.
var (
	ErrBadRequest   = errors.New("amivapi: bad request")
	ErrUnauthorized = errors.New("amivapi: unauthorized")
	ErrForbidden    = errors.New("amivapi: forbidden")
	ErrNotFound     = errors.New("amivapi: not found")
	ErrConflict     = errors.New("amivapi: version conflict")
	ErrThrottled    = errors.New("amivapi: throttled")
	ErrServerError  = errors.New("amivapi: server error")
	ErrNotLoggedIn  = errors.New("amivapi: not logged in")
)

// maxMessageLen bounds how much of a non-Eve error body ends up in an
// APIError message.
const maxMessageLen = 512

// APIError carries the HTTP status and the decoded Eve error of a failed
// request. Err is the sentinel for errors.Is.
type APIError struct {
	StatusCode int
	Code       int    // Eve "_error.code", 0 if absent
	Message    string // Eve "_error.message" or the raw body
	Err        error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("amivapi: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// Summary renders the error the way it is shown to operators, e.g.
// "Error (401): Please provide proper credentials".
func (e *APIError) Summary() string {
	code := e.Code
	if code == 0 {
		code = e.StatusCode
	}

	if code == 0 {
		return "Error: " + e.Message
	}

	return fmt.Sprintf("Error (%d): %s", code, e.Message)
}

// eveError mirrors Eve's error envelope:
//
//	{"_status": "ERR", "_error": {"code": 412, "message": "..."}, "_issues": {...}}
type eveError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"_error"`
	Issues map[string]any `json:"_issues"`
}

// newAPIError decodes an error response body into an APIError.
func newAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{
		StatusCode: status,
		Err:        classifyStatus(status),
	}

	var env eveError
	if err := json.Unmarshal(body, &env); err == nil && env.Error.Message != "" {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message

		if len(env.Issues) > 0 {
			apiErr.Message += " " + formatIssues(env.Issues)
		}

		return apiErr
	}

	msg := strings.TrimSpace(string(body))
	if len(msg) > maxMessageLen {
		msg = msg[:maxMessageLen] + "..."
	}

	if msg == "" {
		msg = http.StatusText(status)
	}

	apiErr.Message = msg

	return apiErr
}

func formatIssues(issues map[string]any) string {
	raw, err := json.Marshal(issues)
	if err != nil {
		return ""
	}

	return string(raw)
}

// classifyStatus maps an HTTP status code to a sentinel error.
// Returns nil for codes without a sentinel.
func classifyStatus(code int) error {
	switch code {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return ErrBadRequest
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict, http.StatusPreconditionFailed, http.StatusPreconditionRequired:
		// Eve answers a stale If-Match with 412.
		return ErrConflict
	case http.StatusTooManyRequests:
		return ErrThrottled
	default:
		if code >= http.StatusInternalServerError {
			return ErrServerError
		}

		return nil
	}
}

// isRetryable reports whether the given HTTP status code should be retried.
// Conflicts are final: retrying with the same version token cannot succeed.
func isRetryable(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
