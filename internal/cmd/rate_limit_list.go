package cmd

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/ascii"
	"github.com/spf13/cobra"

	errwrap "github.com/shardline/shardline/internal/errors"
	"github.com/shardline/shardline/internal/output"
	"github.com/shardline/shardline/internal/ratelimit"
)

var (
	rateLimitListOut    string
	rateLimitListOutDir string
	rateLimitListRoute  string
	rateLimitListSince  string
	rateLimitListLimit  int
)

var rateLimitListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded 429 incidents, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		format, err := output.ParseFormat(outputFormat)
		if err != nil {
			return errwrap.WrapInvalidInput(ctx, err, "invalid output format")
		}
		since, err := parseSince(rateLimitListSince, time.Now())
		if err != nil {
			return errwrap.WrapInvalidInput(ctx, err, "--since must be a duration or an RFC3339 time")
		}
		if rateLimitListLimit < 0 {
			return errwrap.NewInvalidInputError("--limit must not be negative")
		}

		db, err := openIncidentStore(ctx)
		if err != nil {
			return errwrap.WrapDatabaseError(ctx, err, "open incident store")
		}
		defer db.Close() // nolint:errcheck // best-effort cleanup

		incidents, err := db.ListIncidents(ctx, ratelimit.IncidentQuery{
			Route: strings.TrimSpace(rateLimitListRoute),
			Since: since,
			Limit: rateLimitListLimit,
		})
		if err != nil {
			return errwrap.WrapDatabaseError(ctx, err, "list incidents")
		}

		outPath := strings.TrimSpace(rateLimitListOut)
		outDir := strings.TrimSpace(rateLimitListOutDir)
		if outPath != "" && outDir != "" {
			return fmt.Errorf("--out and --out-dir are mutually exclusive")
		}
		if outDir != "" {
			outDir, err = ensureOutDir(outDir)
			if err != nil {
				return err
			}
			outPath = filepath.Join(outDir, fmt.Sprintf("rate-limit.list.%s", outputExtension(format)))
		}

		sink, err := openSink(outPath)
		if err != nil {
			return err
		}
		defer func() { _ = sink.close() }()

		if len(incidents) == 0 && format == output.FormatTable {
			_, _ = fmt.Fprint(sink.writer, ascii.DrawBox("Rate Limit Incidents\n\n(no recorded incidents)", 0))
			return nil
		}
		rendered, err := output.NewFormatter(format).FormatIncidents(incidents)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(sink.writer, rendered)
		return err
	},
}

func init() {
	rateLimitListCmd.Flags().StringVar(&rateLimitListOut, "out", "", "Write output to a file (default stdout)")
	rateLimitListCmd.Flags().StringVar(&rateLimitListOutDir, "out-dir", "", "Write output to a directory")
	rateLimitListCmd.Flags().StringVar(&rateLimitListRoute, "route", "", "Only incidents of this route group (e.g. \"POST /channels/:id/messages\")")
	rateLimitListCmd.Flags().StringVar(&rateLimitListSince, "since", "", "Only incidents after this time or within this duration (e.g. 1h)")
	rateLimitListCmd.Flags().IntVar(&rateLimitListLimit, "limit", 100, "Maximum incidents to list (0 for all)")
}
