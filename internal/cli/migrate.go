package cli

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/roach88/corpus/internal/migrate"
)

// MigrateResult wraps a migration report for output.
type MigrateResult struct {
	migrate.Report
}

// Text implements Texter.
func (r MigrateResult) Text(w io.Writer) {
	fmt.Fprintf(w, "Migrated %s -> %s in %s\n", r.Source, r.Destination, r.Duration.Round(1e6))
	fmt.Fprintf(w, "  copied %d, skipped %d\n", r.Copied, r.Skipped)

	names := make([]string, 0, len(r.PerCollection))
	for name := range r.PerCollection {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		c := r.PerCollection[name]
		fmt.Fprintf(w, "  %-12s copied %d, skipped %d\n", name, c.Copied, c.Skipped)
	}
	for _, s := range r.Skips {
		fmt.Fprintf(w, "  skip %s %s: %s", s.Collection, s.Key, s.Reason)
		if s.Error != "" {
			fmt.Fprintf(w, " (%s)", s.Error)
		}
		fmt.Fprintln(w)
	}
}

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	var overwrite bool

	cmd := &cobra.Command{
		Use:   "migrate <src> <dst>",
		Short: "Copy a container, skipping corrupt records",
		Long: `Copy every readable record of <src> into a fresh container at <dst>.

Records that fail their checksum or decode, and children of skipped
parents, are skipped and listed in the report. <dst> only appears once
the copy is complete. An existing <dst> is refused unless --overwrite is
given, and is never replaced while a writer holds it.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, rootOpts, func(ctx context.Context, e *env) error {
				if _, err := e.openAudit(); err != nil {
					return e.formatter.Fail(ExitFailure, err, nil)
				}
				report, err := migrate.Migrate(ctx, args[0], args[1], migrate.Options{
					Overwrite: overwrite,
					Auditor:   e.auditor,
					Metrics:   e.metrics,
				})
				if err != nil {
					return e.formatter.Fail(ExitFailure, err, report)
				}
				return e.formatter.Success(MigrateResult{Report: report})
			})
		},
	}

	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "replace an existing destination")

	return cmd
}
