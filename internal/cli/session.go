package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/corpus/internal/store"
)

// SessionSummary is one row of the session list.
type SessionSummary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// SessionList is the result of session list.
type SessionList struct {
	Sessions []SessionSummary `json:"sessions"`
}

// Text implements Texter.
func (l SessionList) Text(w io.Writer) {
	if len(l.Sessions) == 0 {
		fmt.Fprintln(w, "No sessions.")
		return
	}
	for _, s := range l.Sessions {
		fmt.Fprintf(w, "%s  %s  %s\n", s.ID, s.CreatedAt.Format(time.RFC3339), s.Title)
	}
}

// StreamSummary describes one chunk stream of a session.
type StreamSummary struct {
	Kind   store.ChunkKind `json:"kind"`
	Chunks int             `json:"chunks"`
	Last   *int64          `json:"last,omitempty"`
}

// JobSummary is one job of a session.
type JobSummary struct {
	ID        string          `json:"id"`
	Kind      store.JobKind   `json:"kind"`
	Status    store.JobStatus `json:"status"`
	Processed int64           `json:"processed_chunks"`
}

// SessionDetail is the result of session show.
type SessionDetail struct {
	SessionSummary
	Streams    []StreamSummary `json:"streams"`
	Jobs       []JobSummary    `json:"jobs"`
	Embeddings int             `json:"embeddings"`
}

// Text implements Texter.
func (d SessionDetail) Text(w io.Writer) {
	fmt.Fprintf(w, "Session %s\n", d.ID)
	if d.Title != "" {
		fmt.Fprintf(w, "  title:   %s\n", d.Title)
	}
	fmt.Fprintf(w, "  created: %s\n", d.CreatedAt.Format(time.RFC3339))
	for _, s := range d.Streams {
		if s.Last != nil {
			fmt.Fprintf(w, "  %-13s %d chunks (last %d)\n", s.Kind, s.Chunks, *s.Last)
		} else {
			fmt.Fprintf(w, "  %-13s %d chunks\n", s.Kind, s.Chunks)
		}
	}
	fmt.Fprintf(w, "  embeddings: %d\n", d.Embeddings)
	for _, j := range d.Jobs {
		fmt.Fprintf(w, "  job %s %s %s processed=%d\n", j.ID, j.Kind, j.Status, j.Processed)
	}
}

var streamKinds = []store.ChunkKind{store.ChunkAudio, store.ChunkTranscription, store.ChunkDiarization}

// NewSessionCommand creates the session command group.
func NewSessionCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect sessions",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, rootOpts, func(ctx context.Context, e *env) error {
				s, err := e.openReader(ctx)
				if err != nil {
					return e.formatter.Fail(ExitFailure, err, nil)
				}
				sessions, err := s.ListSessions(ctx)
				if err != nil {
					return e.formatter.Fail(ExitFailure, err, nil)
				}
				list := SessionList{Sessions: make([]SessionSummary, 0, len(sessions))}
				for _, sess := range sessions {
					list.Sessions = append(list.Sessions, summarize(sess))
				}
				return e.formatter.Success(list)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show <session-id>",
		Short: "Show a session's streams and jobs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, rootOpts, func(ctx context.Context, e *env) error {
				s, err := e.openReader(ctx)
				if err != nil {
					return e.formatter.Fail(ExitFailure, err, nil)
				}
				detail, err := describeSession(ctx, s, args[0])
				if err != nil {
					return e.formatter.Fail(ExitFailure, err, nil)
				}
				return e.formatter.Success(detail)
			})
		},
	})

	return cmd
}

func summarize(sess store.Session) SessionSummary {
	return SessionSummary{ID: sess.ID, Title: sess.Title, CreatedAt: sess.CreatedAt}
}

func describeSession(ctx context.Context, s *store.Store, id string) (SessionDetail, error) {
	sess, err := s.ReadSession(ctx, id)
	if err != nil {
		return SessionDetail{}, err
	}
	detail := SessionDetail{SessionSummary: summarize(sess), Jobs: []JobSummary{}}

	for _, kind := range streamKinds {
		chunks, err := s.ListChunks(ctx, id, kind)
		if err != nil {
			return SessionDetail{}, err
		}
		summary := StreamSummary{Kind: kind, Chunks: len(chunks)}
		if len(chunks) > 0 {
			last := chunks[len(chunks)-1].Number
			summary.Last = &last
		}
		detail.Streams = append(detail.Streams, summary)
	}

	jobs, err := s.ListJobs(ctx, store.JobFilter{SessionID: id})
	if err != nil {
		return SessionDetail{}, err
	}
	for _, j := range jobs {
		detail.Jobs = append(detail.Jobs, JobSummary{ID: j.ID, Kind: j.Kind, Status: j.Status, Processed: j.ProcessedChunks})
	}

	embeddings, err := s.ReadEmbeddings(ctx, id)
	if err != nil {
		return SessionDetail{}, err
	}
	detail.Embeddings = len(embeddings)
	return detail, nil
}
