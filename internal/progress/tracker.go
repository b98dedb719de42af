// Package progress tracks batches of concurrent requests. A Tracker guards
// one logical request stream: at most one batch runs at a time, and while it
// runs the tracker reports how many of its requests have settled.
package progress

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// ErrConcurrentRequest is returned when a batch is started while another
// batch on the same tracker is still in flight.
var ErrConcurrentRequest = errors.New("progress: cannot send new requests, other requests are in progress")

// Op is a single request of a batch.
type Op func(ctx context.Context) error

// State is a snapshot of a tracker.
type State struct {
	Total     int  `json:"total"`
	Completed int  `json:"completed"`
	Busy      bool `json:"busy"`
}

// Fraction returns the completed share of the batch in [0, 1]. An idle
// tracker with no batch reports 0.
func (s State) Fraction() float64 {
	if s.Total == 0 {
		return 0
	}

	return float64(s.Completed) / float64(s.Total)
}

// Tracker runs batches of Ops with single-flight semantics and a cap on
// concurrently running Ops. Siblings are never canceled when one Op fails.
type Tracker struct {
	name   string
	limit  int
	logger *slog.Logger

	mu        sync.Mutex
	total     int
	completed int
	listeners []func(State)
}

// NewTracker creates a tracker. limit caps concurrently running Ops; zero or
// a negative value means no cap.
func NewTracker(name string, limit int, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}

	if limit <= 0 {
		limit = -1
	}

	return &Tracker{
		name:   name,
		limit:  limit,
		logger: logger,
	}
}

// Name returns the stream name given to NewTracker.
func (t *Tracker) Name() string {
	return t.name
}

// OnChange registers fn to be called after every state change. fn runs on
// the goroutine that changed the state and must not call back into t.
func (t *Tracker) OnChange(fn func(State)) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.listeners = append(t.listeners, fn)
}

// State returns the current snapshot.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.stateLocked()
}

// Busy reports whether a batch is in flight.
func (t *Tracker) Busy() bool {
	return t.State().Busy
}

// Run executes ops concurrently and waits for every one of them to settle.
// It fails with ErrConcurrentRequest, leaving the state untouched, if a batch
// is already in flight. An empty batch returns immediately without the
// tracker ever becoming busy. If any op fails, Run returns the failures
// combined with multierr once all ops have settled.
func (t *Tracker) Run(ctx context.Context, ops []Op) error {
	if err := t.begin(len(ops)); err != nil {
		return err
	}

	return t.dispatch(ctx, ops)
}

// RunStaged is Run for batches whose size is only known after a first
// request. The tracker becomes busy with a total of one before first is
// called; the ops first returns are added to the total before first's own
// request is counted as completed, so the tracker never looks idle in
// between. An error from first ends the batch and is returned as is.
func (t *Tracker) RunStaged(ctx context.Context, first func(ctx context.Context) ([]Op, error)) error {
	if err := t.begin(1); err != nil {
		return err
	}

	ops, err := first(ctx)
	if err != nil {
		t.settle()
		return err
	}

	t.extend(len(ops))
	t.settle()

	return t.dispatch(ctx, ops)
}

// begin starts a batch of n ops. n == 0 only checks for a running batch.
func (t *Tracker) begin(n int) error {
	t.mu.Lock()

	if t.total != t.completed {
		t.mu.Unlock()
		t.logger.Warn("progress: batch rejected, stream busy", slog.String("stream", t.name))

		return ErrConcurrentRequest
	}

	if n == 0 {
		t.mu.Unlock()
		return nil
	}

	t.total = n
	t.completed = 0
	s, listeners := t.stateLocked(), t.listeners
	t.mu.Unlock()

	t.logger.Debug("progress: batch started",
		slog.String("stream", t.name),
		slog.Int("total", n),
	)

	notify(listeners, s)

	return nil
}

func (t *Tracker) extend(n int) {
	if n == 0 {
		return
	}

	t.mu.Lock()
	t.total += n
	s, listeners := t.stateLocked(), t.listeners
	t.mu.Unlock()

	notify(listeners, s)
}

// settle counts one op as completed, successful or not.
func (t *Tracker) settle() {
	t.mu.Lock()
	if t.completed < t.total {
		t.completed++
	}
	s, listeners := t.stateLocked(), t.listeners
	t.mu.Unlock()

	if !s.Busy {
		t.logger.Debug("progress: batch settled",
			slog.String("stream", t.name),
			slog.Int("total", s.Total),
		)
	}

	notify(listeners, s)
}

// dispatch runs ops through a bounded errgroup. Op errors are collected
// instead of returned to the group so that no sibling is canceled.
func (t *Tracker) dispatch(ctx context.Context, ops []Op) error {
	if len(ops) == 0 {
		return nil
	}

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs error
	)

	g.SetLimit(t.limit)

	for _, op := range ops {
		g.Go(func() error {
			err := op(ctx)

			if err != nil {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}

			t.settle()

			return nil
		})
	}

	_ = g.Wait()

	if errs != nil {
		t.logger.Warn("progress: batch finished with failures",
			slog.String("stream", t.name),
			slog.Int("failed", len(multierr.Errors(errs))),
			slog.Int("total", len(ops)),
		)
	}

	return errs
}

func (t *Tracker) stateLocked() State {
	return State{
		Total:     t.total,
		Completed: t.completed,
		Busy:      t.total != t.completed,
	}
}

func notify(listeners []func(State), s State) {
	for _, fn := range listeners {
		fn(s)
	}
}
