package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/amiv-eth/bouncer/internal/ledger"
)

// defaultHistoryLimit is the number of rows shown without --limit.
const defaultHistoryLimit = 20

func newHistoryCmd() *cobra.Command {
	var (
		limit     int
		mutations bool
		format    string
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded fetch runs and applied batches",
		Long: `List the audit ledger, newest first.

Without flags the recent fetch runs and batches are shown. --mutations lists the
individual membership updates instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runHistory(cmd, limit, mutations, format)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", defaultHistoryLimit, "maximum number of rows per table")
	cmd.Flags().BoolVar(&mutations, "mutations", false, "list individual membership updates")
	cmd.Flags().StringVar(&format, "format", "", "output format: text, json or yaml")

	return cmd
}

// historyOutput is the structured result of history.
type historyOutput struct {
	Fetches   []ledger.FetchRun `json:"fetches,omitempty" yaml:"fetches,omitempty"`
	Batches   []ledger.Batch    `json:"batches,omitempty" yaml:"batches,omitempty"`
	Mutations []ledger.Mutation `json:"mutations,omitempty" yaml:"mutations,omitempty"`
}

func runHistory(cmd *cobra.Command, limit int, mutations bool, format string) error {
	ctx := cmd.Context()
	cc := mustCLIContext(ctx)

	format, err := outputFormat(format, cc.Flags.JSON)
	if err != nil {
		return err
	}

	if limit <= 0 {
		return fmt.Errorf("--limit must be positive, got %d", limit)
	}

	led, err := cc.openLedger(ctx)
	if err != nil {
		return err
	}
	defer led.Close()

	var out historyOutput

	if mutations {
		if out.Mutations, err = led.Mutations(ctx, limit); err != nil {
			return err
		}
	} else {
		if out.Fetches, err = led.FetchRuns(ctx, limit); err != nil {
			return err
		}

		if out.Batches, err = led.Batches(ctx, limit); err != nil {
			return err
		}
	}

	if format != formatText {
		return writeStructured(cc.Out, format, out)
	}

	if mutations {
		printMutations(cc.Out, out.Mutations)
		return nil
	}

	printFetchRuns(cc.Out, out.Fetches)
	fmt.Fprintln(cc.Out)

	if len(out.Batches) == 0 {
		fmt.Fprintln(cc.Out, "No batches applied.")
		return nil
	}

	printBatches(cc.Out, out.Batches)

	return nil
}

func printFetchRuns(w io.Writer, runs []ledger.FetchRun) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No fetch runs recorded.")
		return
	}

	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		rows = append(rows, []string{
			formatTime(r.StartedAt),
			string(r.Outcome),
			fmt.Sprint(r.Records),
			fmt.Sprintf("%d/%d", r.Pages-r.FailedPages, r.Pages),
			fmt.Sprintf("%08x", r.Checksum),
		})
	}

	printTable(w, []string{"STARTED", "OUTCOME", "RECORDS", "PAGES", "CHECKSUM"}, rows)
}

func printMutations(w io.Writer, muts []ledger.Mutation) {
	if len(muts) == 0 {
		fmt.Fprintln(w, "No membership updates recorded.")
		return
	}

	rows := make([][]string, 0, len(muts))
	for _, m := range muts {
		rows = append(rows, []string{
			formatTime(m.At),
			m.RecordKey,
			m.From + " -> " + m.To,
			string(m.Outcome),
			m.Error,
		})
	}

	printTable(w, []string{"AT", "USER", "CHANGE", "OUTCOME", "ERROR"}, rows)
}
