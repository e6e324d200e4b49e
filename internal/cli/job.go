package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/corpus/internal/engine"
)

// JobView is the CLI form of a job's status.
type JobView struct {
	engine.JobStatusView
	Warning string `json:"warning,omitempty"`
}

// Text implements Texter.
func (v JobView) Text(w io.Writer) {
	fmt.Fprintf(w, "Job %s (%s, session %s)\n", v.JobID, v.Kind, v.SessionID)
	fmt.Fprintf(w, "  status:     %s\n", v.Status)
	fmt.Fprintf(w, "  processed:  %d", v.ProcessedChunks)
	if v.TotalChunks > 0 {
		fmt.Fprintf(w, " of %d", v.TotalChunks)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  next chunk: %d\n", v.NextChunk)
	if v.StoppedAtChunk != nil {
		fmt.Fprintf(w, "  stopped at: %d\n", *v.StoppedAtChunk)
	}
	if v.Error != "" {
		fmt.Fprintf(w, "  error:      %s\n", v.Error)
	}
	fmt.Fprintf(w, "  updated:    %s\n", v.UpdatedAt.Format(time.RFC3339))
	if v.Warning != "" {
		fmt.Fprintf(w, "Warning: %s\n", v.Warning)
	}
}

// RecoverResult lists the resume point of every processing job.
type RecoverResult struct {
	Points []engine.RecoveryPoint `json:"points"`
}

// Text implements Texter.
func (r RecoverResult) Text(w io.Writer) {
	if len(r.Points) == 0 {
		fmt.Fprintln(w, "No processing jobs.")
		return
	}
	for _, p := range r.Points {
		line := fmt.Sprintf("%s session=%s processed=%d resume_from=%d", p.JobID, p.SessionID, p.ProcessedChunks, p.ResumeFrom)
		if p.Realigned {
			line += " (cursor realigned)"
		}
		fmt.Fprintln(w, line)
	}
}

// NewResumeCommand creates the resume command.
func NewResumeCommand(rootOpts *RootOptions) *cobra.Command {
	var from int64

	cmd := &cobra.Command{
		Use:   "resume <job-id>",
		Short: "Resume a failed job from a chunk",
		Long: `Move a failed job back to processing with its cursor at --from.

The resume point is not checked against committed output. Rewinding over
committed chunks is allowed; a point past the next uncommitted chunk is
accepted with a warning because the job can never reach it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, rootOpts, func(ctx context.Context, e *env) error {
				s, err := e.openWriter(ctx)
				if err != nil {
					return e.formatter.Fail(ExitFailure, err, nil)
				}
				eng := engine.New(s, engine.WithAuditor(e.auditor), engine.WithMetrics(e.metrics))
				res, err := eng.Resume(ctx, args[0], from)
				if err != nil {
					return e.formatter.Fail(ExitFailure, err, nil)
				}
				return e.formatter.Success(JobView{JobStatusView: res.JobStatusView, Warning: res.Warning})
			})
		},
	}

	cmd.Flags().Int64Var(&from, "from", 0, "chunk number to resume from")
	_ = cmd.MarkFlagRequired("from")

	return cmd
}

// NewRecoverCommand creates the recover command.
func NewRecoverCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Report and realign interrupted jobs",
		Long: `Report the resume point of every processing job.

A job whose cursor disagrees with its committed output stream is moved to
the first uncommitted chunk.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, rootOpts, func(ctx context.Context, e *env) error {
				s, err := e.openWriter(ctx)
				if err != nil {
					return e.formatter.Fail(ExitFailure, err, nil)
				}
				eng := engine.New(s, engine.WithAuditor(e.auditor), engine.WithMetrics(e.metrics))
				points, err := eng.Recover(ctx)
				if err != nil {
					return e.formatter.Fail(ExitFailure, err, nil)
				}
				return e.formatter.Success(RecoverResult{Points: points})
			})
		},
	}
}

// NewJobCommand creates the job command group.
func NewJobCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Inspect jobs",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show <job-id>",
		Short: "Show a job's status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, rootOpts, func(ctx context.Context, e *env) error {
				s, err := e.openReader(ctx)
				if err != nil {
					return e.formatter.Fail(ExitFailure, err, nil)
				}
				view, err := engine.New(s).Status(ctx, args[0])
				if err != nil {
					return e.formatter.Fail(ExitFailure, err, nil)
				}
				return e.formatter.Success(JobView{JobStatusView: view})
			})
		},
	})
	return cmd
}
