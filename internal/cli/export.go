package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/corpus/internal/export"
	"github.com/roach88/corpus/internal/manifest"
)

// ExportOptions holds flags for the export command.
type ExportOptions struct {
	*RootOptions
	Purpose       string
	Format        string
	By            string
	Out           string
	RetentionDays int
}

// ExportResult reports a completed export written to disk.
type ExportResult struct {
	DataPath     string            `json:"data_path"`
	ManifestPath string            `json:"manifest_path"`
	Bytes        int               `json:"bytes"`
	Manifest     manifest.Manifest `json:"manifest"`
}

// Text implements Texter.
func (r ExportResult) Text(w io.Writer) {
	fmt.Fprintf(w, "Exported %s as %s (%d bytes)\n", r.Manifest.DataSource, r.Manifest.Format, r.Bytes)
	fmt.Fprintf(w, "  export id: %s\n", r.Manifest.ExportID)
	fmt.Fprintf(w, "  data:      %s\n", r.DataPath)
	fmt.Fprintf(w, "  manifest:  %s\n", r.ManifestPath)
	fmt.Fprintf(w, "  data hash: %s\n", r.Manifest.DataHash)
	if r.Manifest.Signature != "" {
		fmt.Fprintln(w, "  signed:    yes")
	} else {
		fmt.Fprintln(w, "  signed:    no")
	}
}

// NewExportCommand creates the export command.
func NewExportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ExportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "export <path>",
		Short: "Export a dataset with a signed manifest",
		Long: `Render a dataset path and sign it.

<path> is one of sessions, sessions/<id>, sessions/<id>/chunks[/<kind>],
sessions/<id>/jobs, sessions/<id>/embeddings or jobs/<id>.

With --out the data is written there and the manifest next to it as
<out>.manifest.json. Without --out the data goes to stdout and the manifest
to stderr.

The export is recorded in the audit log before anything is written; an
export that cannot be audited fails.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, rootOpts, func(ctx context.Context, e *env) error {
				return runExport(ctx, cmd, e, opts, args[0])
			})
		},
	}

	cmd.Flags().StringVar(&opts.Purpose, "purpose", "", "why the data is leaving the system")
	cmd.Flags().StringVar(&opts.Format, "export-format", string(manifest.FormatJSON), "markdown|json|csv|hdf5-native")
	cmd.Flags().StringVar(&opts.By, "by", "", "exporting user (default: the configured operator)")
	cmd.Flags().StringVarP(&opts.Out, "out", "o", "", "data output file")
	cmd.Flags().IntVar(&opts.RetentionDays, "retention-days", 0, "retention period (default: from config)")
	_ = cmd.MarkFlagRequired("purpose")

	return cmd
}

func runExport(ctx context.Context, cmd *cobra.Command, e *env, opts *ExportOptions, path string) error {
	format := manifest.Format(opts.Format)
	if !format.Valid() {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid export format %q", opts.Format))
	}
	if _, err := e.openAudit(); err != nil {
		return e.formatter.Fail(ExitFailure, err, nil)
	}
	s, err := e.openReader(ctx)
	if err != nil {
		return e.formatter.Fail(ExitFailure, err, nil)
	}

	by := opts.By
	if by == "" {
		by = e.operator()
	}
	retention := e.opts.Config.RetentionDays()
	if opts.RetentionDays > 0 {
		retention = &opts.RetentionDays
	}

	signer := manifest.New(e.auditor, manifest.WithKey(e.opts.Config.SigningKey()))
	m, data, err := export.New(s, signer).Export(ctx, export.Request{
		DataSource:    path,
		Purpose:       opts.Purpose,
		Format:        format,
		ExportedBy:    by,
		RetentionDays: retention,
	})
	if err != nil {
		return e.formatter.Fail(ExitFailure, err, nil)
	}

	manifestJSON, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return e.formatter.Fail(ExitFailure, err, nil)
	}

	if opts.Out == "" {
		if _, err := cmd.OutOrStdout().Write(data); err != nil {
			return WrapExitError(ExitFailure, "write export", err)
		}
		fmt.Fprintln(cmd.ErrOrStderr(), string(manifestJSON))
		return nil
	}

	manifestPath := opts.Out + ".manifest.json"
	if err := os.WriteFile(opts.Out, data, 0o600); err != nil {
		return e.formatter.Fail(ExitFailure, err, nil)
	}
	if err := os.WriteFile(manifestPath, append(manifestJSON, '\n'), 0o600); err != nil {
		return e.formatter.Fail(ExitFailure, err, nil)
	}
	return e.formatter.Success(ExportResult{
		DataPath:     opts.Out,
		ManifestPath: manifestPath,
		Bytes:        len(data),
		Manifest:     m,
	})
}
