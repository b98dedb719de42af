package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/amiv-eth/bouncer/internal/bouncer"
	"github.com/amiv-eth/bouncer/internal/idfile"
	"github.com/amiv-eth/bouncer/internal/roster"
)

// listAll selects every bucket for --list.
const listAll = "all"

func newCompareCmd() *cobra.Command {
	var (
		watch  bool
		list   string
		format string
	)

	cmd := &cobra.Command{
		Use:   "compare FILE",
		Short: "Compare the API roster against an identifier file",
		Long: `Fetch the full roster from the API and classify every member against the
identifiers in FILE.

FILE is a delimited text export; identifiers are read from the column named by
id_column. With --watch the file is classified again on every save, reusing the
fetched roster.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompare(cmd, args[0], compareOpts{watch: watch, list: list, format: format})
		},
	}

	cmd.Flags().BoolVar(&watch, "watch", false, "classify again whenever FILE changes")
	cmd.Flags().StringVar(&list, "list", "", "list the entries of a bucket (ok, upgrade, downgrade, change, missing or all)")
	cmd.Flags().StringVar(&format, "format", "", "output format: text, json or yaml")

	return cmd
}

type compareOpts struct {
	watch  bool
	list   string
	format string
}

// compareOutput is the structured result of compare.
type compareOutput struct {
	Fetch       fetchSummary    `json:"fetch" yaml:"fetch"`
	File        string          `json:"file" yaml:"file"`
	Identifiers int             `json:"identifiers" yaml:"identifiers"`
	Buckets     []bucketSummary `json:"buckets" yaml:"buckets"`
}

type fetchSummary struct {
	RunID       string `json:"run_id,omitempty" yaml:"run_id,omitempty"`
	Records     int    `json:"records" yaml:"records"`
	Total       int    `json:"total" yaml:"total"`
	Pages       int    `json:"pages" yaml:"pages"`
	FailedPages int    `json:"failed_pages" yaml:"failed_pages"`
}

type bucketSummary struct {
	Bucket      string      `json:"bucket" yaml:"bucket"`
	Title       string      `json:"title" yaml:"title"`
	Description string      `json:"description" yaml:"description"`
	Count       int         `json:"count" yaml:"count"`
	Records     []recordRow `json:"records,omitempty" yaml:"records,omitempty"`
	Missing     []string    `json:"missing,omitempty" yaml:"missing,omitempty"`
}

type recordRow struct {
	ID         string `json:"id" yaml:"id"`
	Nethz      string `json:"nethz" yaml:"nethz"`
	Name       string `json:"name" yaml:"name"`
	Membership string `json:"membership" yaml:"membership"`
}

// parseListFlag resolves --list to the buckets whose entries are shown.
func parseListFlag(list string) (map[roster.Bucket]bool, error) {
	selected := make(map[roster.Bucket]bool)

	switch list {
	case "":
	case listAll:
		for _, b := range roster.AllBuckets {
			selected[b] = true
		}
	default:
		b, err := roster.ParseBucket(list)
		if err != nil {
			return nil, err
		}

		selected[b] = true
	}

	return selected, nil
}

func runCompare(cmd *cobra.Command, file string, opts compareOpts) error {
	ctx := cmd.Context()
	cc := mustCLIContext(ctx)

	format, err := outputFormat(opts.format, cc.Flags.JSON)
	if err != nil {
		return err
	}

	selected, err := parseListFlag(opts.list)
	if err != nil {
		return err
	}

	// Fail on an unreadable file before spending a full fetch on it.
	ids, err := loadIdentifiers(file, cc.Cfg.IDColumn)
	if err != nil {
		return err
	}

	app, deps, err := cc.newApp(ctx, true)
	if err != nil {
		return err
	}
	defer deps.Close()

	if err := requireLogin(deps.store); err != nil {
		return err
	}

	// Canceled on return so the signal handler is released.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ctx = shutdownContext(ctx, app.Busy, cc.Logger)

	res, fetchErr := fetchRoster(ctx, cc, app)
	if fetchErr != nil && !errors.Is(fetchErr, bouncer.ErrPartialFailure) {
		return fetchErr
	}

	buckets := app.Classify(ids)
	if err := renderCompare(cc.Out, format, newCompareOutput(res, file, ids, &buckets, selected)); err != nil {
		return err
	}

	if !opts.watch {
		return fetchErr
	}

	if fetchErr != nil {
		cc.Logger.Warn("roster is incomplete, watching anyway", slog.String("error", fetchErr.Error()))
	}

	cc.Statusf("Watching %s, press Ctrl-C to stop.\n", file)

	return idfile.Watch(ctx, file, idfile.DefaultDebounce, cc.Logger, func() {
		ids, err := loadIdentifiers(file, cc.Cfg.IDColumn)
		if err != nil {
			cc.Logger.Warn("reading identifier file failed", slog.String("error", err.Error()))
			return
		}

		buckets := app.Classify(ids)
		if err := renderCompare(cc.Out, format, newCompareOutput(res, file, ids, &buckets, selected)); err != nil {
			cc.Logger.Warn("rendering comparison failed", slog.String("error", err.Error()))
		}
	})
}

// loadIdentifiers reads the identifier column of file.
func loadIdentifiers(file, column string) (roster.IdentifierSet, error) {
	raw, err := idfile.ParseFile(file, column)
	if err != nil {
		return roster.IdentifierSet{}, err
	}

	return roster.NewIdentifierSet(raw), nil
}

// fetchRoster fetches the full roster, drawing progress and status lines on
// stderr while it runs.
func fetchRoster(ctx context.Context, cc *CLIContext, app *bouncer.App) (bouncer.FetchResult, error) {
	bar := newProgressBar(cc.Err, cc.Flags.Quiet)
	app.OnProgress(bar.update)
	app.OnStatus(func(msg string) {
		bar.clear()
		cc.Statusf("%s\n", msg)
	})

	return app.FetchAll(ctx)
}

func newCompareOutput(
	res bouncer.FetchResult, file string, ids roster.IdentifierSet,
	b *roster.Buckets, selected map[roster.Bucket]bool,
) compareOutput {
	out := compareOutput{
		Fetch: fetchSummary{
			RunID:       res.RunID,
			Records:     res.Records,
			Total:       res.Total,
			Pages:       res.Pages,
			FailedPages: res.FailedPages,
		},
		File:        file,
		Identifiers: ids.Len(),
	}

	for _, bucket := range roster.AllBuckets {
		s := bucketSummary{
			Bucket:      string(bucket),
			Title:       bucket.Title(),
			Description: bucket.Description(),
			Count:       b.Count(bucket),
		}

		if selected[bucket] {
			if bucket == roster.BucketMissing {
				s.Missing = b.Missing
			} else {
				s.Records = recordRows(b.Records(bucket))
			}
		}

		out.Buckets = append(out.Buckets, s)
	}

	return out
}

func recordRows(records []roster.Record) []recordRow {
	rows := make([]recordRow, 0, len(records))
	for _, r := range records {
		rows = append(rows, recordRow{
			ID:         r.ID,
			Nethz:      r.Nethz,
			Name:       r.DisplayName(),
			Membership: string(r.Membership),
		})
	}

	return rows
}

func renderCompare(w io.Writer, format string, out compareOutput) error {
	if format != formatText {
		return writeStructured(w, format, out)
	}

	fmt.Fprintf(w, "%d users in API, %d identifiers in %s\n\n", out.Fetch.Records, out.Identifiers, out.File)

	rows := make([][]string, 0, len(out.Buckets))
	for _, b := range out.Buckets {
		rows = append(rows, []string{b.Title, fmt.Sprint(b.Count), b.Description})
	}

	printTable(w, []string{"BUCKET", "COUNT", "DESCRIPTION"}, rows)

	for _, b := range out.Buckets {
		switch {
		case len(b.Records) > 0:
			fmt.Fprintf(w, "\n%s:\n", b.Title)
			printRecordRows(w, b.Records)
		case len(b.Missing) > 0:
			fmt.Fprintf(w, "\n%s:\n", b.Title)

			for _, id := range b.Missing {
				fmt.Fprintf(w, "  %s\n", id)
			}
		}
	}

	return nil
}

func printRecordRows(w io.Writer, records []recordRow) {
	rows := make([][]string, 0, len(records))
	for _, r := range records {
		rows = append(rows, []string{r.Nethz, r.Name, r.Membership, r.ID})
	}

	printTable(w, []string{"NETHZ", "NAME", "MEMBERSHIP", "ID"}, rows)
}
