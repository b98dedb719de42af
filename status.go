package main

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/amiv-eth/bouncer/internal/ledger"
	"github.com/amiv-eth/bouncer/internal/session"
)

// Session state constants for status reporting.
const (
	sessionStateMissing = "missing"
	sessionStateStored  = "unconfirmed"
	sessionStateValid   = "valid"
)

// statusBatchLimit is the number of recent batches shown by status.
const statusBatchLimit = 5

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show session state and the latest fetch and batches",
		Long: `Display the stored session and a summary of the audit ledger.

Reads local state only and makes no requests to the API.`,
		RunE: runStatus,
	}
}

// statusOutput is the JSON schema for `status --json`.
type statusOutput struct {
	APIURL    string           `json:"api_url"`
	Session   statusSession    `json:"session"`
	LastFetch *ledger.FetchRun `json:"last_fetch,omitempty"`
	Batches   []ledger.Batch   `json:"batches"`
}

type statusSession struct {
	State  string    `json:"state"`
	User   string    `json:"user,omitempty"`
	Expiry time.Time `json:"expiry,omitzero"`
	Path   string    `json:"path"`
}

func runStatus(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cc := mustCLIContext(ctx)

	store, err := cc.openSession()
	if err != nil {
		return err
	}

	led, err := cc.openLedger(ctx)
	if err != nil {
		return err
	}
	defer led.Close()

	out := statusOutput{
		APIURL:  cc.Cfg.APIURL,
		Session: sessionStatus(store),
	}

	last, err := led.LastFetch(ctx)
	switch {
	case err == nil:
		out.LastFetch = &last
	case !errors.Is(err, ledger.ErrNotFound):
		return err
	}

	out.Batches, err = led.Batches(ctx, statusBatchLimit)
	if err != nil {
		return err
	}

	if cc.Flags.JSON {
		return writeStructured(cc.Out, formatJSON, out)
	}

	printStatusText(cc.Out, &out)

	return nil
}

func sessionStatus(store *session.Store) statusSession {
	snap := store.Snapshot()
	s := statusSession{User: snap.User, Expiry: snap.Expiry, Path: store.Path()}

	switch {
	case !snap.LoggedIn:
		s.State = sessionStateMissing
	case snap.Valid:
		s.State = sessionStateValid
	default:
		s.State = sessionStateStored
	}

	return s
}

func printStatusText(w io.Writer, out *statusOutput) {
	fmt.Fprintf(w, "API:     %s\n", out.APIURL)
	fmt.Fprintf(w, "Session: %s", out.Session.State)

	if out.Session.User != "" {
		fmt.Fprintf(w, " (%s)", out.Session.User)
	}

	fmt.Fprintln(w)

	if out.LastFetch == nil {
		fmt.Fprintln(w, "Last fetch: never")
	} else {
		f := out.LastFetch
		fmt.Fprintf(w, "Last fetch: %s, %s, %d records in %d pages",
			formatTime(f.StartedAt), f.Outcome, f.Records, f.Pages)

		if f.FailedPages > 0 {
			fmt.Fprintf(w, ", %d failed", f.FailedPages)
		}

		fmt.Fprintln(w)
	}

	if len(out.Batches) == 0 {
		fmt.Fprintln(w, "No batches applied.")
		return
	}

	fmt.Fprintln(w)
	printBatches(w, out.Batches)
}

// printBatches renders batches as a table.
func printBatches(w io.Writer, batches []ledger.Batch) {
	rows := make([][]string, 0, len(batches))
	for _, b := range batches {
		rows = append(rows, []string{
			formatTime(b.StartedAt),
			b.Bucket,
			b.Target,
			fmt.Sprint(b.Size),
			fmt.Sprint(b.Failed),
			b.ID,
		})
	}

	printTable(w, []string{"STARTED", "BUCKET", "TARGET", "SIZE", "FAILED", "ID"}, rows)
}
