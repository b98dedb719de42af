package bouncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/amiv-eth/bouncer/internal/ledger"
	"github.com/amiv-eth/bouncer/internal/progress"
	"github.com/amiv-eth/bouncer/internal/roster"
)

// ApplyResult summarizes an applied batch.
type ApplyResult struct {
	BatchID   string
	Requested int
	Succeeded int
	Failed    int
}

// ApplyBucket sets the membership of every record to target, one
// conditional update per record guarded by the record's cached version.
// Each successful update replaces the cached record; failed records keep
// their cached state. Failures do not stop the rest of the batch and are
// returned together as a partial failure once all updates settled. An empty
// record list returns immediately without touching the mutation stream.
func (a *App) ApplyBucket(ctx context.Context, records []roster.Record, target roster.Membership) (ApplyResult, error) {
	return a.apply(ctx, "", records, target)
}

// Apply applies the action of one classified bucket. override replaces the
// bucket's default target when non-empty.
func (a *App) Apply(ctx context.Context, b *roster.Buckets, bucket roster.Bucket, override roster.Membership) (ApplyResult, error) {
	target, ok := bucket.Target()
	if !ok {
		return ApplyResult{}, fmt.Errorf("bouncer: bucket %q has no action", bucket)
	}

	if override != "" {
		target = override
	}

	return a.apply(ctx, string(bucket), b.Records(bucket), target)
}

func (a *App) apply(ctx context.Context, label string, records []roster.Record, target roster.Membership) (ApplyResult, error) {
	if len(records) == 0 {
		if a.mutate.Busy() {
			return ApplyResult{}, classify("apply", "", progress.ErrConcurrentRequest)
		}

		return ApplyResult{}, nil
	}

	if _, err := roster.ParseMembership(string(target)); err != nil {
		return ApplyResult{}, fmt.Errorf("bouncer: %w", err)
	}

	if a.mutate.Busy() {
		return ApplyResult{}, classify("apply", "", progress.ErrConcurrentRequest)
	}

	res := ApplyResult{Requested: len(records)}

	var succeeded, failed atomic.Int32

	// The ledger batch is created by whichever update runs first, so a batch
	// the tracker rejects leaves no trace.
	batchID := sync.OnceValue(func() string {
		return a.beginBatch(ctx, label, target, len(records))
	})

	ops := make([]progress.Op, 0, len(records))

	for _, rec := range records {
		cur, ok := a.cache.Lookup(rec)
		if !ok {
			cur = rec
		}

		ops = append(ops, func(ctx context.Context) error {
			id := batchID()

			err := a.patchOne(ctx, id, cur, target)
			if err != nil {
				failed.Add(1)
				return err
			}

			succeeded.Add(1)

			return nil
		})
	}

	a.setStatus(fmt.Sprintf(msgSetting, len(records), target))

	err := a.mutate.Run(ctx, ops)
	if errors.Is(err, progress.ErrConcurrentRequest) {
		return ApplyResult{}, classify("apply", "", err)
	}

	res.Succeeded = int(succeeded.Load())
	res.Failed = int(failed.Load())
	res.BatchID = batchID()

	a.finishBatch(ctx, res.BatchID, res.Failed)

	if err != nil {
		a.setStatus(msgPartial)
		return res, &Error{Kind: KindPartialFailure, Op: "apply", Message: msgPartial, Err: err}
	}

	a.setStatus(fmt.Sprintf(msgSynchronized, a.cache.Len()))

	return res, nil
}

// patchOne updates one record and merges the result into the cache.
func (a *App) patchOne(ctx context.Context, batchID string, cur roster.Record, target roster.Membership) error {
	key := a.cache.KeyField().Of(cur)

	updated, err := a.api.PatchMembership(ctx, cur, target)
	if err != nil {
		e := classify("patch", key, err)
		if e.Kind == KindUnauthorized {
			a.invalidate(e)
		}

		outcome := ledger.OutcomeFailed
		if e.Kind == KindConflict {
			outcome = ledger.OutcomeConflict
		}

		a.logger.Warn("membership update failed",
			slog.String("id", cur.ID),
			slog.String("kind", e.Kind.String()),
			slog.String("error", err.Error()),
		)

		a.recordMutation(ctx, batchID, key, cur, roster.Record{}, target, outcome, e.Message)

		return e
	}

	a.cache.Upsert(updated)
	a.recordMutation(ctx, batchID, key, cur, updated, target, ledger.OutcomeOK, "")

	return nil
}

func (a *App) beginBatch(ctx context.Context, label string, target roster.Membership, size int) string {
	if a.ledger == nil {
		return ""
	}

	if label == "" {
		label = "manual"
	}

	id, err := a.ledger.BeginBatch(context.WithoutCancel(ctx), label, string(target), size)
	if err != nil {
		a.logger.Warn("could not record batch", slog.String("error", err.Error()))
		return ""
	}

	return id
}

func (a *App) finishBatch(ctx context.Context, id string, failed int) {
	if a.ledger == nil || id == "" {
		return
	}

	if err := a.ledger.FinishBatch(context.WithoutCancel(ctx), id, failed); err != nil {
		a.logger.Warn("could not finish batch", slog.String("error", err.Error()))
	}
}

func (a *App) recordMutation(
	ctx context.Context, batchID, key string,
	before, after roster.Record, target roster.Membership,
	outcome ledger.Outcome, msg string,
) {
	if a.ledger == nil || batchID == "" {
		return
	}

	err := a.ledger.RecordMutation(context.WithoutCancel(ctx), ledger.Mutation{
		RunID:      batchID,
		RecordID:   before.ID,
		RecordKey:  key,
		From:       string(before.Membership),
		To:         string(target),
		EtagBefore: before.Version,
		EtagAfter:  after.Version,
		Outcome:    outcome,
		Error:      msg,
		At:         a.now(),
	})
	if err != nil {
		a.logger.Warn("could not record mutation",
			slog.String("id", before.ID),
			slog.String("error", err.Error()),
		)
	}
}
