package bouncer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"github.com/amiv-eth/bouncer/internal/amivapi"
	"github.com/amiv-eth/bouncer/internal/progress"
)

func TestClassify(t *testing.T) {
	conflict := &amivapi.APIError{StatusCode: http.StatusPreconditionFailed, Message: "etag mismatch", Err: amivapi.ErrConflict}

	tests := []struct {
		name    string
		err     error
		kind    Kind
		want    error
		message string
	}{
		{"api unauthorized", errUnauthorized, KindUnauthorized, ErrUnauthorized, "Error (401): Please provide proper credentials"},
		{"not logged in", fmt.Errorf("%w: no token", amivapi.ErrNotLoggedIn), KindUnauthorized, ErrUnauthorized, "amivapi: not logged in: no token"},
		{"conflict", conflict, KindConflict, ErrConflict, "Error (412): etag mismatch"},
		{"tracker busy", progress.ErrConcurrentRequest, KindConcurrentRequest, ErrConcurrentRequest, "Cannot send new requests, other requests are in progress!"},
		{"network", errNetwork, KindTransport, ErrTransport, errNetwork.Error()},
		{"server", &amivapi.APIError{StatusCode: 500, Message: "boom", Err: amivapi.ErrServerError}, KindTransport, ErrTransport, "Error (500): boom"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := classify("op", "k", tt.err)

			assert.Equal(t, tt.kind, e.Kind)
			assert.ErrorIs(t, e, tt.want)
			assert.ErrorIs(t, e, tt.err, "the cause stays reachable")
			assert.Equal(t, tt.message, e.Message)
		})
	}
}

func TestClassify_PassesThroughError(t *testing.T) {
	orig := &Error{Kind: KindEmptyRoster, Op: "fetch", Message: msgEmpty}

	wrapped := fmt.Errorf("outer: %w", orig)
	assert.Same(t, orig, classify("other", "", wrapped))
}

func TestError_Format(t *testing.T) {
	assert.Equal(t, "bouncer: fetch: No users in API!",
		(&Error{Op: "fetch", Message: msgEmpty}).Error())

	assert.Equal(t, "bouncer: patch u2: Error (412): x: boom",
		(&Error{Op: "patch", Key: "u2", Message: "Error (412): x", Err: errors.New("boom")}).Error())

	assert.Equal(t, "bouncer: fetch page 3: boom",
		(&Error{Op: "fetch page", Key: "3", Err: errors.New("boom")}).Error())
}

func TestError_IsMatchesOnlyItsKind(t *testing.T) {
	e := &Error{Kind: KindConflict}

	assert.ErrorIs(t, e, ErrConflict)
	assert.NotErrorIs(t, e, ErrTransport)
	assert.NotErrorIs(t, e, ErrPartialFailure)
}

func TestError_Failures(t *testing.T) {
	a := &Error{Kind: KindConflict, Key: "a"}
	b := &Error{Kind: KindTransport, Key: "b"}

	partial := &Error{Kind: KindPartialFailure, Err: multierr.Combine(a, b)}
	assert.Equal(t, []error{a, b}, partial.Failures())

	assert.Equal(t, []error{a}, a.Failures())
}

func TestKind_String(t *testing.T) {
	assert.Equal(t, "insufficient permission", KindInsufficientPermission.String())
	assert.Equal(t, "kind(42)", Kind(42).String())
}

func TestIsCanceled(t *testing.T) {
	assert.True(t, isCanceled(fmt.Errorf("x: %w", context.Canceled)))
	assert.True(t, isCanceled(context.DeadlineExceeded))
	require.False(t, isCanceled(errNetwork))
}
