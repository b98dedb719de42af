package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/amiv-eth/bouncer/internal/bouncer"
	"github.com/amiv-eth/bouncer/internal/roster"
)

func newApplyCmd() *cobra.Command {
	var opts applyOpts

	cmd := &cobra.Command{
		Use:   "apply FILE",
		Short: "Apply the action of one bucket",
		Long: `Fetch the roster, classify it against FILE and set the membership of every
user in the chosen bucket.

upgrade and change set membership to regular, downgrade sets it to none; --to
overrides the target. Each update is conditional on the version fetched just
before, so users edited in the meantime fail with a conflict instead of being
overwritten. Only one apply runs at a time per data directory.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApply(cmd, args[0], opts)
		},
	}

	cmd.Flags().StringVar(&opts.bucket, "bucket", "", "bucket to apply: upgrade, downgrade or change")
	cmd.Flags().StringVar(&opts.to, "to", "", "target membership (none, regular, extraordinary, honorary)")
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "list the affected users without changing anything")
	cmd.Flags().BoolVarP(&opts.yes, "yes", "y", false, "do not ask for confirmation")
	cmd.Flags().StringVar(&opts.format, "format", "", "output format: text, json or yaml")

	if err := cmd.MarkFlagRequired("bucket"); err != nil {
		panic(err)
	}

	return cmd
}

type applyOpts struct {
	bucket string
	to     string
	dryRun bool
	yes    bool
	format string
}

// applyOutput is the structured result of apply.
type applyOutput struct {
	Bucket    string      `json:"bucket" yaml:"bucket"`
	Target    string      `json:"target" yaml:"target"`
	DryRun    bool        `json:"dry_run" yaml:"dry_run"`
	BatchID   string      `json:"batch_id,omitempty" yaml:"batch_id,omitempty"`
	Requested int         `json:"requested" yaml:"requested"`
	Succeeded int         `json:"succeeded" yaml:"succeeded"`
	Failed    int         `json:"failed" yaml:"failed"`
	Records   []recordRow `json:"records,omitempty" yaml:"records,omitempty"`
}

// applyTarget resolves the bucket and its target membership.
func applyTarget(bucketName, to string) (roster.Bucket, roster.Membership, error) {
	bucket, err := roster.ParseBucket(bucketName)
	if err != nil {
		return "", "", err
	}

	target, ok := bucket.Target()
	if !ok {
		return "", "", fmt.Errorf("bucket %q has no action, choose upgrade, downgrade or change", bucket)
	}

	if to != "" {
		target, err = roster.ParseMembership(to)
		if err != nil {
			return "", "", err
		}
	}

	return bucket, target, nil
}

func runApply(cmd *cobra.Command, file string, opts applyOpts) error {
	ctx := cmd.Context()
	cc := mustCLIContext(ctx)

	format, err := outputFormat(opts.format, cc.Flags.JSON)
	if err != nil {
		return err
	}

	bucket, target, err := applyTarget(opts.bucket, opts.to)
	if err != nil {
		return err
	}

	ids, err := loadIdentifiers(file, cc.Cfg.IDColumn)
	if err != nil {
		return err
	}

	app, deps, err := cc.newApp(ctx, !opts.dryRun)
	if err != nil {
		return err
	}
	defer deps.Close()

	if err := requireLogin(deps.store); err != nil {
		return err
	}

	if !opts.dryRun {
		release, err := acquireApplyLock(cc.Cfg.LockPath)
		if err != nil {
			return err
		}
		defer release()
	}

	// Canceled on return so the signal handler is released.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ctx = shutdownContext(ctx, app.Busy, cc.Logger)

	if _, err := fetchRoster(ctx, cc, app); err != nil {
		if errors.Is(err, bouncer.ErrPartialFailure) {
			cc.Statusf("Roster is incomplete, nothing was applied.\n")
		}

		return err
	}

	buckets := app.Classify(ids)
	records := buckets.Records(bucket)

	out := applyOutput{
		Bucket:    string(bucket),
		Target:    string(target),
		DryRun:    opts.dryRun,
		Requested: len(records),
	}

	if len(records) == 0 {
		cc.Statusf("Nothing to apply: bucket %s is empty.\n", bucket)
		return renderApply(cc.Out, format, out)
	}

	if opts.dryRun {
		out.Records = recordRows(records)
		return renderApply(cc.Out, format, out)
	}

	if !opts.yes {
		ok, err := confirm(cmd.InOrStdin(), cc.Err,
			fmt.Sprintf("Set membership of %d users to '%s'?", len(records), target))
		if err != nil {
			return err
		}

		if !ok {
			cc.Statusf("Aborted.\n")
			return nil
		}
	}

	res, applyErr := app.Apply(ctx, &buckets, bucket, target)
	out.BatchID = res.BatchID
	out.Requested = res.Requested
	out.Succeeded = res.Succeeded
	out.Failed = res.Failed

	if err := renderApply(cc.Out, format, out); err != nil {
		return err
	}

	return applyErr
}

// confirm asks a yes/no question on w and reads the answer from r.
func confirm(r io.Reader, w io.Writer, question string) (bool, error) {
	fmt.Fprintf(w, "%s [y/N] ", question)

	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, fmt.Errorf("reading confirmation: %w", err)
	}

	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}

func renderApply(w io.Writer, format string, out applyOutput) error {
	if format != formatText {
		return writeStructured(w, format, out)
	}

	switch {
	case out.Requested == 0:
		return nil
	case out.DryRun:
		fmt.Fprintf(w, "Would set membership of %d users to '%s':\n\n", out.Requested, out.Target)
		printRecordRows(w, out.Records)
	default:
		fmt.Fprintf(w, "Set membership of %d of %d users to '%s'", out.Succeeded, out.Requested, out.Target)

		if out.Failed > 0 {
			fmt.Fprintf(w, ", %d failed", out.Failed)
		}

		if out.BatchID != "" {
			fmt.Fprintf(w, " (batch %s)", out.BatchID)
		}

		fmt.Fprintln(w, ".")
	}

	return nil
}
