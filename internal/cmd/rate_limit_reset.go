package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	errwrap "github.com/shardline/shardline/internal/errors"
	"github.com/shardline/shardline/internal/output"
	"github.com/shardline/shardline/internal/ratelimit"
)

var (
	rateLimitResetAll    bool
	rateLimitResetRoute  string
	rateLimitResetYes    bool
	rateLimitResetDryRun bool
	rateLimitResetOut    string
)

var rateLimitResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete recorded rate limit incidents",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		format, err := output.ParseFormat(outputFormat)
		if err != nil {
			return errwrap.WrapInvalidInput(ctx, err, "invalid output format")
		}

		route := strings.TrimSpace(rateLimitResetRoute)
		switch {
		case route == "" && !rateLimitResetAll:
			return errors.New("one of --route or --all is required")
		case route != "" && rateLimitResetAll:
			return errors.New("--route and --all are mutually exclusive")
		case rateLimitResetAll && !rateLimitResetYes && !rateLimitResetDryRun:
			return errors.New("--all requires --yes (or use --dry-run)")
		}

		db, err := openIncidentStore(ctx)
		if err != nil {
			return errwrap.WrapDatabaseError(ctx, err, "open incident store")
		}
		defer db.Close() // nolint:errcheck // best-effort cleanup

		matched, err := db.CountIncidents(ctx, ratelimit.IncidentQuery{Route: route})
		if err != nil {
			return errwrap.WrapDatabaseError(ctx, err, "count incidents")
		}

		sink, err := openSink(rateLimitResetOut)
		if err != nil {
			return err
		}
		defer func() { _ = sink.close() }()

		if rateLimitResetDryRun {
			return writeRateLimitResetResult(format, sink.writer, matched, 0, true)
		}

		deleted, err := db.ResetIncidents(ctx, route)
		if err != nil {
			return errwrap.WrapDatabaseError(ctx, err, "reset incidents")
		}
		return writeRateLimitResetResult(format, sink.writer, matched, deleted, false)
	},
}

func writeRateLimitResetResult(format output.Format, w io.Writer, matched int, deleted int64, dryRun bool) error {
	result := map[string]any{
		"matched": matched,
		"deleted": deleted,
		"dry_run": dryRun,
	}

	if format == output.FormatJSON {
		payload, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(payload))
		return err
	}

	if dryRun {
		_, err := fmt.Fprintf(w, "Would delete %d incident(s)\n", matched)
		return err
	}
	_, err := fmt.Fprintf(w, "Deleted %d/%d incident(s)\n", deleted, matched)
	return err
}

func init() {
	rateLimitResetCmd.Flags().BoolVar(&rateLimitResetAll, "all", false, "Delete every incident")
	rateLimitResetCmd.Flags().StringVar(&rateLimitResetRoute, "route", "", "Delete the incidents of one route group (exact match)")
	rateLimitResetCmd.Flags().BoolVar(&rateLimitResetYes, "yes", false, "Confirm destructive reset")
	rateLimitResetCmd.Flags().BoolVar(&rateLimitResetDryRun, "dry-run", false, "Show what would be deleted")
	rateLimitResetCmd.Flags().StringVar(&rateLimitResetOut, "out", "", "Write output to a file (default stdout)")
}
