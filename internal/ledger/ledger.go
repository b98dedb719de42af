// Package ledger is the audit trail of roster synchronization. It records
// every fetch run with a checksum of the roster it produced, and every
// membership update with its outcome, in a local SQLite database.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	// Pure-Go SQLite driver (no CGO).
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("ledger: not found")

// Outcome of a fetch run or a mutation.
type Outcome string

// Outcomes. Fetch runs use ok, partial and failed; mutations use ok,
// conflict and failed.
const (
	OutcomeOK       Outcome = "ok"
	OutcomePartial  Outcome = "partial"
	OutcomeFailed   Outcome = "failed"
	OutcomeConflict Outcome = "conflict"
)

// SQL statements.
const (
	sqlInsertFetchRun = `INSERT INTO fetch_runs
		(id, started_at, finished_at, records, total, pages, failed_pages, checksum, outcome, message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	sqlSelectFetchRuns = `SELECT id, started_at, finished_at, records, total, pages,
		failed_pages, checksum, outcome, message
		FROM fetch_runs ORDER BY started_at DESC, rowid DESC LIMIT ?`

	sqlInsertBatch = `INSERT INTO batches (id, bucket, target, size, started_at)
		VALUES (?, ?, ?, ?, ?)`

	sqlFinishBatch = `UPDATE batches SET finished_at = ?, failed = ? WHERE id = ?`

	sqlSelectBatches = `SELECT id, bucket, target, size, started_at, finished_at, failed
		FROM batches ORDER BY started_at DESC, rowid DESC LIMIT ?`

	sqlInsertMutation = `INSERT INTO mutations
		(run_id, record_id, record_key, from_state, to_state, etag_before, etag_after, outcome, error, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	sqlSelectMutations = `SELECT id, run_id, record_id, record_key, from_state, to_state,
		etag_before, etag_after, outcome, error, at
		FROM mutations ORDER BY at DESC, id DESC LIMIT ?`
)

// FetchRun is one full resynchronization of the roster.
type FetchRun struct {
	ID          string    `json:"id" yaml:"id"`
	StartedAt   time.Time `json:"started_at" yaml:"started_at"`
	FinishedAt  time.Time `json:"finished_at" yaml:"finished_at"`
	Records     int       `json:"records" yaml:"records"`
	Total       int       `json:"total" yaml:"total"` // server-reported
	Pages       int       `json:"pages" yaml:"pages"`
	FailedPages int       `json:"failed_pages" yaml:"failed_pages"`
	Checksum    uint32    `json:"checksum" yaml:"checksum"`
	Outcome     Outcome   `json:"outcome" yaml:"outcome"`
	Message     string    `json:"message,omitempty" yaml:"message,omitempty"`
}

// Batch is one applied bucket.
type Batch struct {
	ID         string    `json:"id" yaml:"id"`
	Bucket     string    `json:"bucket" yaml:"bucket"`
	Target     string    `json:"target" yaml:"target"`
	Size       int       `json:"size" yaml:"size"`
	StartedAt  time.Time `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitzero" yaml:"finished_at,omitempty"`
	Failed     int       `json:"failed" yaml:"failed"`
}

// Mutation is the outcome of one membership update.
type Mutation struct {
	ID         int64     `json:"id" yaml:"id"`
	RunID      string    `json:"run_id" yaml:"run_id"`
	RecordID   string    `json:"record_id" yaml:"record_id"`
	RecordKey  string    `json:"record_key" yaml:"record_key"`
	From       string    `json:"from" yaml:"from"`
	To         string    `json:"to" yaml:"to"`
	EtagBefore string    `json:"etag_before,omitempty" yaml:"etag_before,omitempty"`
	EtagAfter  string    `json:"etag_after,omitempty" yaml:"etag_after,omitempty"`
	Outcome    Outcome   `json:"outcome" yaml:"outcome"`
	Error      string    `json:"error,omitempty" yaml:"error,omitempty"`
	At         time.Time `json:"at" yaml:"at"`
}

// Store is the SQLite-backed ledger. It is safe for concurrent use; writes
// are serialized through a single connection.
type Store struct {
	db     *sql.DB
	clock  clock.Clock
	logger *slog.Logger
	schema int64
}

// Open opens (creating if needed) the ledger database at path and applies
// pending migrations. clk may be nil for the wall clock.
func Open(ctx context.Context, path string, clk clock.Clock, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if clk == nil {
		clk = clock.New()
	}

	// DSN parameters ensure pragmas apply to every connection from the pool.
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"+
			"&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)",
		path,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: opening database %s: %w", path, err)
	}

	// Sole-writer pattern: only one connection writes at a time.
	db.SetMaxOpenConns(1)

	schema, err := migrate(ctx, db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	logger.Debug("ledger opened", slog.String("db_path", path), slog.Int64("schema", schema))

	return &Store{db: db, clock: clk, logger: logger, schema: schema}, nil
}

// SchemaVersion returns the schema version the database was migrated to.
func (s *Store) SchemaVersion() int64 {
	return s.schema
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Now returns the ledger's current time.
func (s *Store) Now() time.Time {
	return s.clock.Now()
}

// RecordFetch stores a finished fetch run. An empty ID is filled with a new
// UUID and a zero FinishedAt with the current time. Returns the stored run.
func (s *Store) RecordFetch(ctx context.Context, run FetchRun) (FetchRun, error) {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}

	if run.FinishedAt.IsZero() {
		run.FinishedAt = s.clock.Now()
	}

	if run.StartedAt.IsZero() {
		run.StartedAt = run.FinishedAt
	}

	_, err := s.db.ExecContext(ctx, sqlInsertFetchRun,
		run.ID, run.StartedAt.UnixNano(), run.FinishedAt.UnixNano(),
		run.Records, run.Total, run.Pages, run.FailedPages, int64(run.Checksum),
		string(run.Outcome), nullString(run.Message),
	)
	if err != nil {
		return FetchRun{}, fmt.Errorf("ledger: recording fetch run: %w", err)
	}

	s.logger.Debug("recorded fetch run",
		slog.String("run", run.ID),
		slog.String("outcome", string(run.Outcome)),
		slog.Int("records", run.Records),
	)

	return run, nil
}

// FetchRuns returns the most recent fetch runs, newest first.
func (s *Store) FetchRuns(ctx context.Context, limit int) ([]FetchRun, error) {
	rows, err := s.db.QueryContext(ctx, sqlSelectFetchRuns, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("ledger: querying fetch runs: %w", err)
	}
	defer rows.Close()

	var out []FetchRun

	for rows.Next() {
		var (
			r                 FetchRun
			started, finished int64
			checksum          int64
			outcome           string
			message           sql.NullString
		)

		if err := rows.Scan(&r.ID, &started, &finished, &r.Records, &r.Total, &r.Pages,
			&r.FailedPages, &checksum, &outcome, &message); err != nil {
			return nil, fmt.Errorf("ledger: scanning fetch run: %w", err)
		}

		r.StartedAt = time.Unix(0, started).UTC()
		r.FinishedAt = time.Unix(0, finished).UTC()
		r.Checksum = uint32(checksum) //nolint:gosec // stored from a uint32
		r.Outcome = Outcome(outcome)
		r.Message = message.String
		out = append(out, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: iterating fetch runs: %w", err)
	}

	return out, nil
}

// LastFetch returns the most recent fetch run, or ErrNotFound.
func (s *Store) LastFetch(ctx context.Context) (FetchRun, error) {
	runs, err := s.FetchRuns(ctx, 1)
	if err != nil {
		return FetchRun{}, err
	}

	if len(runs) == 0 {
		return FetchRun{}, ErrNotFound
	}

	return runs[0], nil
}

// BeginBatch records the start of a bucket application and returns its ID.
func (s *Store) BeginBatch(ctx context.Context, bucket, target string, size int) (string, error) {
	id := uuid.NewString()

	if _, err := s.db.ExecContext(ctx, sqlInsertBatch, id, bucket, target, size, s.clock.Now().UnixNano()); err != nil {
		return "", fmt.Errorf("ledger: beginning batch: %w", err)
	}

	return id, nil
}

// FinishBatch marks a batch as settled with failed unsuccessful updates.
func (s *Store) FinishBatch(ctx context.Context, id string, failed int) error {
	res, err := s.db.ExecContext(ctx, sqlFinishBatch, s.clock.Now().UnixNano(), failed, id)
	if err != nil {
		return fmt.Errorf("ledger: finishing batch %s: %w", id, err)
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("ledger: finishing batch %s: %w", id, ErrNotFound)
	}

	return nil
}

// Batches returns the most recent batches, newest first.
func (s *Store) Batches(ctx context.Context, limit int) ([]Batch, error) {
	rows, err := s.db.QueryContext(ctx, sqlSelectBatches, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("ledger: querying batches: %w", err)
	}
	defer rows.Close()

	var out []Batch

	for rows.Next() {
		var (
			b        Batch
			started  int64
			finished sql.NullInt64
		)

		if err := rows.Scan(&b.ID, &b.Bucket, &b.Target, &b.Size, &started, &finished, &b.Failed); err != nil {
			return nil, fmt.Errorf("ledger: scanning batch: %w", err)
		}

		b.StartedAt = time.Unix(0, started).UTC()
		if finished.Valid {
			b.FinishedAt = time.Unix(0, finished.Int64).UTC()
		}

		out = append(out, b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: iterating batches: %w", err)
	}

	return out, nil
}

// RecordMutation stores the outcome of one update. A zero At is filled with
// the current time.
func (s *Store) RecordMutation(ctx context.Context, m Mutation) error {
	if m.At.IsZero() {
		m.At = s.clock.Now()
	}

	_, err := s.db.ExecContext(ctx, sqlInsertMutation,
		m.RunID, m.RecordID, m.RecordKey, m.From, m.To,
		nullString(m.EtagBefore), nullString(m.EtagAfter),
		string(m.Outcome), nullString(m.Error), m.At.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("ledger: recording mutation of %s: %w", m.RecordID, err)
	}

	return nil
}

// Mutations returns the most recent mutations, newest first.
func (s *Store) Mutations(ctx context.Context, limit int) ([]Mutation, error) {
	rows, err := s.db.QueryContext(ctx, sqlSelectMutations, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("ledger: querying mutations: %w", err)
	}
	defer rows.Close()

	var out []Mutation

	for rows.Next() {
		var (
			m                    Mutation
			before, after, errMs sql.NullString
			outcome              string
			at                   int64
		)

		if err := rows.Scan(&m.ID, &m.RunID, &m.RecordID, &m.RecordKey, &m.From, &m.To,
			&before, &after, &outcome, &errMs, &at); err != nil {
			return nil, fmt.Errorf("ledger: scanning mutation: %w", err)
		}

		m.EtagBefore = before.String
		m.EtagAfter = after.String
		m.Outcome = Outcome(outcome)
		m.Error = errMs.String
		m.At = time.Unix(0, at).UTC()
		out = append(out, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: iterating mutations: %w", err)
	}

	return out, nil
}

// defaultLimit applies when a query is given a non-positive limit.
const defaultLimit = 20

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultLimit
	}

	return limit
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
