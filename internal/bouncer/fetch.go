package bouncer

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/amiv-eth/bouncer/internal/ledger"
	"github.com/amiv-eth/bouncer/internal/progress"
	"github.com/amiv-eth/bouncer/internal/roster"
)

// FetchResult summarizes a fetch run.
type FetchResult struct {
	RunID       string
	Records     int    // records in the cache afterwards
	Total       int    // server-reported total
	Pages       int
	FailedPages int
	Checksum    uint32 // roster.Cache.Checksum after the run
}

// FetchAll replaces the cache with the full remote roster.
//
// The first page is requested alone: it tells how many pages there are and
// proves that the session may patch users. An empty roster, a record without
// the PATCH capability or any failure of that first request ends the session.
// The remaining pages are then requested concurrently, capped by the stream
// limit; each successful page is merged as it arrives, failed pages are
// collected and reported as one partial failure once every page settled.
// The cache is emptied before the first request, inside the single-flight
// guard, so two fetch cycles never mix.
func (a *App) FetchAll(ctx context.Context) (FetchResult, error) {
	if a.fetch.Busy() {
		return FetchResult{}, classify("fetch", "", progress.ErrConcurrentRequest)
	}

	if !a.creds.IsValid() {
		if _, err := a.Validate(ctx); err != nil {
			return FetchResult{}, err
		}
	}

	started := a.now()

	var (
		res        FetchResult
		stageErr   *Error
		failed     atomic.Int32
		stageReady bool
	)

	err := a.fetch.RunStaged(ctx, func(ctx context.Context) ([]progress.Op, error) {
		a.cache.Reset()
		a.setStatus(msgRequesting)

		first, err := a.api.ListUsers(ctx, a.query, 1)
		if err != nil {
			stageErr = classify("fetch", "1", err)
			return nil, stageErr
		}

		if len(first.Records) == 0 {
			stageErr = &Error{Kind: KindEmptyRoster, Op: "fetch", Message: msgEmpty}
			return nil, stageErr
		}

		// The first page may happen to contain only the caller's own user,
		// so every record on it is checked.
		for _, r := range first.Records {
			if !r.CanPatch() {
				stageErr = &Error{Kind: KindInsufficientPermission, Op: "fetch", Key: r.ID, Message: msgNoPatch}
				return nil, stageErr
			}
		}

		res.Total = first.Total
		res.Pages = max(first.Pages(), 1)
		stageReady = true

		a.merge(first.Records)

		ops := make([]progress.Op, 0, res.Pages-1)
		for p := 2; p <= res.Pages; p++ {
			ops = append(ops, a.fetchPage(p, &failed))
		}

		a.logger.Info("fetching roster",
			slog.Int("total", res.Total),
			slog.Int("pages", res.Pages),
		)

		return ops, nil
	})

	res.FailedPages = int(failed.Load())
	res.Records = a.cache.Len()
	res.Checksum = a.cache.Checksum()

	switch {
	case err == nil:
		a.setStatus(fmt.Sprintf(msgSynchronized, res.Records))
		res.RunID = a.recordFetch(ctx, started, res, ledger.OutcomeOK, "")

		return res, nil

	case stageErr == nil && !stageReady:
		// The tracker rejected the batch before the first request.
		return res, classify("fetch", "", err)

	case stageErr != nil:
		if stageErr.invalidatesSession() && !isCanceled(stageErr) {
			a.invalidate(stageErr)
		}

		a.setStatus(stageErr.Message)
		a.recordFetch(ctx, started, res, ledger.OutcomeFailed, stageErr.Message)

		return res, stageErr

	default:
		a.setStatus(msgPartial)
		res.RunID = a.recordFetch(ctx, started, res, ledger.OutcomePartial, msgPartial)

		return res, &Error{Kind: KindPartialFailure, Op: "fetch", Message: msgPartial, Err: err}
	}
}

// fetchPage returns the op requesting one page beyond the first.
func (a *App) fetchPage(page int, failed *atomic.Int32) progress.Op {
	return func(ctx context.Context) error {
		p, err := a.api.ListUsers(ctx, a.query, page)
		if err != nil {
			failed.Add(1)

			e := classify("fetch page", strconv.Itoa(page), err)
			if e.Kind == KindUnauthorized {
				a.invalidate(e)
			}

			a.logger.Warn("page request failed",
				slog.Int("page", page),
				slog.String("error", err.Error()),
			)

			return e
		}

		a.merge(p.Records)

		return nil
	}
}

// merge upserts records into the cache, last write wins per key.
func (a *App) merge(records []roster.Record) {
	for _, r := range records {
		a.cache.Upsert(r)
	}
}

// recordFetch writes the run to the ledger, if any, and returns its ID.
// Ledger failures are logged, not returned.
func (a *App) recordFetch(ctx context.Context, started time.Time, res FetchResult, outcome ledger.Outcome, msg string) string {
	if a.ledger == nil {
		return ""
	}

	run, err := a.ledger.RecordFetch(context.WithoutCancel(ctx), ledger.FetchRun{
		StartedAt:   started,
		FinishedAt:  a.now(),
		Records:     res.Records,
		Total:       res.Total,
		Pages:       res.Pages,
		FailedPages: res.FailedPages,
		Checksum:    res.Checksum,
		Outcome:     outcome,
		Message:     msg,
	})
	if err != nil {
		a.logger.Warn("could not record fetch run", slog.String("error", err.Error()))
		return ""
	}

	return run.ID
}
