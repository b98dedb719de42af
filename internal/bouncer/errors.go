package bouncer

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/multierr"

	"github.com/amiv-eth/bouncer/internal/amivapi"
	"github.com/amiv-eth/bouncer/internal/progress"
)

// Kind classifies a failure of the reconciliation core.
type Kind int

// Failure kinds.
const (
	KindTransport Kind = iota // generic API or network failure
	KindConcurrentRequest
	KindEmptyRoster
	KindInsufficientPermission
	KindUnauthorized
	KindConflict
	KindPartialFailure
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindConcurrentRequest:
		return "concurrent request"
	case KindEmptyRoster:
		return "empty roster"
	case KindInsufficientPermission:
		return "insufficient permission"
	case KindUnauthorized:
		return "unauthorized"
	case KindConflict:
		return "conflict"
	case KindPartialFailure:
		return "partial failure"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Per-kind sentinels. errors.Is(err, ErrEmptyRoster) matches any *Error of
// that kind.
var (
	ErrTransport              = errors.New("bouncer: request failed")
	ErrConcurrentRequest      = errors.New("bouncer: other requests are in progress")
	ErrEmptyRoster            = errors.New("bouncer: no users in API")
	ErrInsufficientPermission = errors.New("bouncer: insufficient permissions")
	ErrUnauthorized           = errors.New("bouncer: unauthorized")
	ErrConflict               = errors.New("bouncer: version conflict")
	ErrPartialFailure         = errors.New("bouncer: some requests were unsuccessful")
)

var kindSentinels = map[Kind]error{
	KindTransport:              ErrTransport,
	KindConcurrentRequest:      ErrConcurrentRequest,
	KindEmptyRoster:            ErrEmptyRoster,
	KindInsufficientPermission: ErrInsufficientPermission,
	KindUnauthorized:           ErrUnauthorized,
	KindConflict:               ErrConflict,
	KindPartialFailure:         ErrPartialFailure,
}

// Error is a failure with an explicit kind. Op names the operation ("fetch",
// "fetch page", "patch", "validate"), Key the page number or record key it
// concerns, and Message the human-readable status line.
type Error struct {
	Kind    Kind
	Op      string
	Key     string
	Message string
	Err     error
}

func (e *Error) Error() string {
	prefix := "bouncer: " + e.Op
	if e.Key != "" {
		prefix += " " + e.Key
	}

	switch {
	case e.Err != nil && e.Message != "":
		return fmt.Sprintf("%s: %s: %v", prefix, e.Message, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", prefix, e.Err)
	default:
		return fmt.Sprintf("%s: %s", prefix, e.Message)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel of e's kind.
func (e *Error) Is(target error) bool {
	return kindSentinels[e.Kind] == target
}

// Failures returns the individual failures of a partial failure, or e
// itself for any other kind.
func (e *Error) Failures() []error {
	if e.Kind != KindPartialFailure {
		return []error{e}
	}

	return multierr.Errors(e.Err)
}

// invalidatesSession reports whether a failure of this kind at fetch level
// ends the session.
func (e *Error) invalidatesSession() bool {
	switch e.Kind {
	case KindEmptyRoster, KindInsufficientPermission, KindUnauthorized, KindTransport:
		return true
	default:
		return false
	}
}

// classify wraps err from the API client or the progress tracker into an
// *Error. An *Error passes through unchanged.
func classify(op, key string, err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}

	out := &Error{Op: op, Key: key, Err: err, Message: err.Error()}

	var apiErr *amivapi.APIError
	if errors.As(err, &apiErr) {
		out.Message = apiErr.Summary()
	}

	switch {
	case errors.Is(err, progress.ErrConcurrentRequest):
		out.Kind = KindConcurrentRequest
		out.Message = "Cannot send new requests, other requests are in progress!"
	case errors.Is(err, amivapi.ErrUnauthorized), errors.Is(err, amivapi.ErrNotLoggedIn):
		out.Kind = KindUnauthorized
	case errors.Is(err, amivapi.ErrConflict):
		out.Kind = KindConflict
	default:
		out.Kind = KindTransport
	}

	return out
}

// isCanceled reports whether err stems from the caller's context.
func isCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
