package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/corpus/internal/ir"
	"github.com/roach88/corpus/internal/store"
)

// RecoveryPoint is where an interrupted job continues.
type RecoveryPoint struct {
	JobID           string `json:"job_id"`
	SessionID       string `json:"session_id"`
	ProcessedChunks int64  `json:"processed_chunks"`
	ResumeFrom      int64  `json:"resume_from"`
	Realigned       bool   `json:"realigned,omitempty"`
}

// Recover reports the resume point of every processing job after a
// restart.
//
// A crash can only interrupt a job between whole-chunk commits, so the
// resume point is the first uncommitted chunk of the job's output stream.
// Partial chunks are never replayed. A job whose cursor disagrees with the
// committed stream (after an operator rewind, for example) has its cursor
// moved to the resume point.
func (e *Engine) Recover(ctx context.Context) ([]RecoveryPoint, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	jobs, err := e.store.ListJobs(ctx, store.JobFilter{Status: store.StatusProcessing})
	if err != nil {
		return nil, fmt.Errorf("recover: %w", err)
	}

	points := make([]RecoveryPoint, 0, len(jobs))
	for _, job := range jobs {
		next, err := e.committedNext(ctx, job.SessionID, job.Kind)
		if err != nil {
			return nil, fmt.Errorf("recover job %s: %w", job.ID, err)
		}

		point := RecoveryPoint{
			JobID:           job.ID,
			SessionID:       job.SessionID,
			ProcessedChunks: job.ProcessedChunks,
			ResumeFrom:      next,
		}
		if job.NextChunk != next {
			slog.Warn("job cursor realigned to committed stream",
				"job_id", job.ID, "cursor", job.NextChunk, "resume_from", next)
			job.NextChunk = next
			point.Realigned = true
			if err := e.save(ctx, &job, "recover", ir.Obj(ir.O("resume_from", ir.Int(next)))); err != nil {
				return nil, err
			}
		} else {
			e.record(ctx, job, "recover", nil, ir.Obj(ir.O("resume_from", ir.Int(next))))
		}
		points = append(points, point)
	}

	slog.Info("job recovery complete", "jobs", len(points))
	return points, nil
}
