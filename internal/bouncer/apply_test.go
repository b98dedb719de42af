package bouncer

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amiv-eth/bouncer/internal/ledger"
	"github.com/amiv-eth/bouncer/internal/progress"
	"github.com/amiv-eth/bouncer/internal/roster"
)

// fetched returns an App whose cache holds the fake's roster.
func fetched(t *testing.T, api *fakeAPI, opts ...func(*Options)) *App {
	t.Helper()

	app := newTestApp(t, api, loggedIn(t), opts...)

	_, err := app.FetchAll(t.Context())
	require.NoError(t, err)

	return app
}

func TestApplyBucket_UpgradeThenClassifyOK(t *testing.T) {
	api := newFakeAPI(10,
		user("u1", "alice", roster.MembershipNone),
		user("u2", "bob", roster.MembershipRegular),
	)
	app := fetched(t, api)

	ids := roster.NewIdentifierSet([]string{"alice", "bob"})

	b := app.Classify(ids)
	require.Len(t, b.Upgrade, 1)
	require.Equal(t, "u1", b.Upgrade[0].ID)

	res, err := app.ApplyBucket(t.Context(), b.Upgrade, roster.MembershipRegular)
	require.NoError(t, err)
	assert.Equal(t, ApplyResult{Requested: 1, Succeeded: 1}, res)

	got, ok := app.Cache().Get("u1")
	require.True(t, ok)
	assert.Equal(t, roster.MembershipRegular, got.Membership)
	assert.NotEqual(t, "e-u1", got.Version, "cache carries the new etag")

	b = app.Classify(ids)
	assert.Empty(t, b.Upgrade)
	assert.Len(t, b.OK, 2)

	assert.Equal(t, "2 users synchronized with API.", app.Status())
}

func TestApplyBucket_StaleVersionConflicts(t *testing.T) {
	api := newFakeAPI(10,
		user("u1", "alice", roster.MembershipNone),
		user("u2", "bob", roster.MembershipNone),
	)
	app := fetched(t, api)

	// Someone else edits u2 after our fetch.
	api.bump("u2")

	b := app.Classify(roster.NewIdentifierSet([]string{"alice", "bob"}))
	require.Len(t, b.Upgrade, 2)

	res, err := app.ApplyBucket(t.Context(), b.Upgrade, roster.MembershipRegular)
	require.ErrorIs(t, err, ErrPartialFailure)
	assert.Equal(t, ApplyResult{Requested: 2, Succeeded: 1, Failed: 1}, res)

	var e *Error
	require.ErrorAs(t, err, &e)

	failures := e.Failures()
	require.Len(t, failures, 1)
	require.ErrorIs(t, failures[0], ErrConflict)

	var fe *Error
	require.ErrorAs(t, failures[0], &fe)
	assert.Equal(t, "u2", fe.Key)

	u2, ok := app.Cache().Get("u2")
	require.True(t, ok)
	assert.Equal(t, "e-u2", u2.Version, "failed record keeps its cached state")
	assert.Equal(t, roster.MembershipNone, u2.Membership)

	u1, _ := app.Cache().Get("u1")
	assert.Equal(t, roster.MembershipRegular, u1.Membership)

	assert.Equal(t, "Some requests were unsuccessful, please reload!", app.Status())
}

func TestApplyBucket_UsesCachedVersion(t *testing.T) {
	api := newFakeAPI(10, user("u1", "alice", roster.MembershipNone))
	app := fetched(t, api)

	b := app.Classify(roster.NewIdentifierSet([]string{"alice"}))

	_, err := app.ApplyBucket(t.Context(), b.Upgrade, roster.MembershipRegular)
	require.NoError(t, err)

	// b.Upgrade still holds the old etag; the second update must use the
	// cached one and succeed.
	_, err = app.ApplyBucket(t.Context(), b.Upgrade, roster.MembershipHonorary)
	require.NoError(t, err)

	got, _ := app.Cache().Get("u1")
	assert.Equal(t, roster.MembershipHonorary, got.Membership)
}

func TestApplyBucket_MissingReportedOnce(t *testing.T) {
	api := newFakeAPI(10, user("u1", "alice", roster.MembershipRegular))
	app := fetched(t, api)

	b := app.Classify(roster.NewIdentifierSet([]string{"alice", "u3", "U3 "}))
	assert.Equal(t, []string{"u3"}, b.Missing)
	assert.Len(t, b.OK, 1)
}

func TestApplyBucket_EmptyIsNoop(t *testing.T) {
	api := newFakeAPI(10, user("u1", "alice", roster.MembershipRegular))
	app := fetched(t, api)

	before := app.Status()

	var notified int

	app.OnProgress(func(string, progress.State) { notified++ })

	res, err := app.ApplyBucket(t.Context(), nil, roster.MembershipRegular)
	require.NoError(t, err)

	assert.Equal(t, ApplyResult{}, res)
	assert.Zero(t, notified)
	assert.Zero(t, api.patchCalls.Load())
	assert.Equal(t, before, app.Status())
	assert.False(t, app.MutateState().Busy)
	assert.Zero(t, app.MutateState().Total)
}

func TestApplyBucket_RejectsUnknownTarget(t *testing.T) {
	api := newFakeAPI(10, user("u1", "alice", roster.MembershipNone))
	app := fetched(t, api)

	_, err := app.ApplyBucket(t.Context(), app.Cache().All(), roster.Membership("gold"))
	require.Error(t, err)
	assert.Zero(t, api.patchCalls.Load())
}

func TestApplyBucket_UnauthorizedInvalidates(t *testing.T) {
	api := newFakeAPI(10,
		user("u1", "alice", roster.MembershipNone),
		user("u2", "bob", roster.MembershipNone),
	)

	creds := loggedIn(t)
	app := newTestApp(t, api, creds)

	_, err := app.FetchAll(t.Context())
	require.NoError(t, err)

	api.patchErr["u1"] = errUnauthorized

	res, err := app.ApplyBucket(t.Context(), app.Cache().All(), roster.MembershipRegular)
	require.ErrorIs(t, err, ErrPartialFailure)
	assert.Equal(t, 1, res.Failed)
	assert.False(t, creds.IsValid())
}

func TestApplyBucket_RejectsConcurrent(t *testing.T) {
	api := newFakeAPI(10, user("u1", "alice", roster.MembershipNone))
	app := fetched(t, api)

	api.patchGate = make(chan struct{})

	var (
		wg       sync.WaitGroup
		firstErr error
	)

	wg.Add(1)

	go func() {
		defer wg.Done()
		_, firstErr = app.ApplyBucket(t.Context(), app.Cache().All(), roster.MembershipRegular)
	}()

	require.Eventually(t, func() bool { return app.MutateState().Busy }, time.Second, time.Millisecond)

	_, err := app.ApplyBucket(t.Context(), app.Cache().All(), roster.MembershipRegular)
	require.ErrorIs(t, err, ErrConcurrentRequest)

	// An empty batch is rejected too while another one is in flight.
	_, err = app.ApplyBucket(t.Context(), nil, roster.MembershipRegular)
	require.ErrorIs(t, err, ErrConcurrentRequest)

	close(api.patchGate)
	wg.Wait()

	require.NoError(t, firstErr)
	assert.EqualValues(t, 1, api.patchCalls.Load())
}

func TestApply_Buckets(t *testing.T) {
	api := newFakeAPI(10,
		user("u1", "alice", roster.MembershipNone),
		user("u2", "bob", roster.MembershipRegular),
		user("u3", "carol", roster.MembershipHonorary),
	)
	app := fetched(t, api)

	ids := roster.NewIdentifierSet([]string{"alice", "carol"})
	b := app.Classify(ids)

	_, err := app.Apply(t.Context(), &b, roster.BucketOK, "")
	require.Error(t, err, "ok has no action")

	_, err = app.Apply(t.Context(), &b, roster.BucketMissing, "")
	require.Error(t, err, "missing has no action")

	res, err := app.Apply(t.Context(), &b, roster.BucketDowngrade, "")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)

	res, err = app.Apply(t.Context(), &b, roster.BucketChange, roster.MembershipExtraordinary)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)

	u2, _ := app.Cache().Get("u2")
	assert.Equal(t, roster.MembershipNone, u2.Membership)

	u3, _ := app.Cache().Get("u3")
	assert.Equal(t, roster.MembershipExtraordinary, u3.Membership)
}

func TestApply_RecordsBatch(t *testing.T) {
	api := newFakeAPI(10,
		user("u1", "alice", roster.MembershipNone),
		user("u2", "bob", roster.MembershipNone),
	)
	led := openLedger(t)
	app := fetched(t, api, func(o *Options) { o.Ledger = led })

	api.bump("u2")

	b := app.Classify(roster.NewIdentifierSet([]string{"alice", "bob"}))

	res, err := app.Apply(t.Context(), &b, roster.BucketUpgrade, "")
	require.ErrorIs(t, err, ErrPartialFailure)
	require.NotEmpty(t, res.BatchID)

	batches, err := led.Batches(t.Context(), 5)
	require.NoError(t, err)
	require.Len(t, batches, 1)

	assert.Equal(t, res.BatchID, batches[0].ID)
	assert.Equal(t, "upgrade", batches[0].Bucket)
	assert.Equal(t, "regular", batches[0].Target)
	assert.Equal(t, 2, batches[0].Size)
	assert.Equal(t, 1, batches[0].Failed)

	muts, err := led.Mutations(t.Context(), 10)
	require.NoError(t, err)
	require.Len(t, muts, 2)

	byID := map[string]ledger.Mutation{}
	for _, m := range muts {
		assert.Equal(t, res.BatchID, m.RunID)
		byID[m.RecordID] = m
	}

	assert.Equal(t, ledger.OutcomeOK, byID["u1"].Outcome)
	assert.Equal(t, "e-u1", byID["u1"].EtagBefore)
	assert.NotEmpty(t, byID["u1"].EtagAfter)

	assert.Equal(t, ledger.OutcomeConflict, byID["u2"].Outcome)
	assert.Equal(t, "none", byID["u2"].From)
	assert.Equal(t, "regular", byID["u2"].To)
	assert.NotEmpty(t, byID["u2"].Error)
}

func TestApplyBucket_ManualBatchLabel(t *testing.T) {
	api := newFakeAPI(10, user("u1", "alice", roster.MembershipNone))
	led := openLedger(t)
	app := fetched(t, api, func(o *Options) { o.Ledger = led })

	_, err := app.ApplyBucket(t.Context(), app.Cache().All(), roster.MembershipRegular)
	require.NoError(t, err)

	batches, err := led.Batches(t.Context(), 5)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, "manual", batches[0].Bucket)
	assert.Zero(t, batches[0].Failed)
}
