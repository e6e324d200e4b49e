package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/corpus/internal/auditlog"
	"github.com/roach88/corpus/internal/ids"
	"github.com/roach88/corpus/internal/ir"
	"github.com/roach88/corpus/internal/metrics"
	"github.com/roach88/corpus/internal/store"
)

// Engine drives job state over a writer store.
//
// Thread-safety model:
//   - every mutating call takes e.mu, so transitions on all jobs form one
//     total order
//   - Status reads the store directly and never blocks on a transition
type Engine struct {
	mu      sync.Mutex
	store   *store.Store
	auditor auditlog.Auditor
	metrics *metrics.Metrics
	ids     ids.Generator
	clock   ids.Clock
}

// Option configures an Engine.
type Option func(*Engine)

// WithAuditor sets where transition events go. Default: auditlog.Discard.
func WithAuditor(a auditlog.Auditor) Option {
	return func(e *Engine) {
		if a != nil {
			e.auditor = a
		}
	}
}

// WithMetrics records transitions in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithIDs sets the job id source. Default: UUIDv7.
func WithIDs(gen ids.Generator) Option {
	return func(e *Engine) {
		e.ids = gen
	}
}

// WithClock sets the updated_at source.
func WithClock(clock ids.Clock) Option {
	return func(e *Engine) {
		e.clock = clock
	}
}

// New creates an Engine over a writer store. The store is owned by the
// caller and must outlive the engine.
func New(s *store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:   s,
		auditor: auditlog.Discard,
		ids:     ids.UUIDv7Generator{},
		clock:   ids.SystemClock,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ChunkResult is the outcome of processing one chunk. A non-nil Err is
// fatal: the job fails and stops at Number.
type ChunkResult struct {
	Number   int64
	Payload  []byte
	Duration time.Duration
	Err      error
}

// JobStatusView is the read model returned to pollers.
type JobStatusView struct {
	JobID           string          `json:"job_id"`
	SessionID       string          `json:"session_id"`
	Kind            store.JobKind   `json:"kind"`
	Status          store.JobStatus `json:"status"`
	ProcessedChunks int64           `json:"processed_chunks"`
	TotalChunks     int64           `json:"total_chunks"`
	NextChunk       int64           `json:"next_chunk"`
	StoppedAtChunk  *int64          `json:"stopped_at_chunk,omitempty"`
	Error           string          `json:"error,omitempty"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

func viewOf(j store.Job) JobStatusView {
	return JobStatusView{
		JobID:           j.ID,
		SessionID:       j.SessionID,
		Kind:            j.Kind,
		Status:          j.Status,
		ProcessedChunks: j.ProcessedChunks,
		TotalChunks:     j.TotalChunks,
		NextChunk:       j.NextChunk,
		StoppedAtChunk:  j.StoppedAtChunk,
		Error:           j.Error,
		UpdatedAt:       j.UpdatedAt,
	}
}

// Submit creates a queued job for a session.
//
// Returns *store.JobConflictError when the session already has a queued or
// processing job. A job whose output stream already holds chunks from an
// earlier job starts counting after them: committed chunks are never
// produced twice.
func (e *Engine) Submit(ctx context.Context, sessionID string, kind store.JobKind) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !kind.Valid() {
		return "", fmt.Errorf("submit: invalid job kind %q", kind)
	}

	next, err := e.committedNext(ctx, sessionID, kind)
	if err != nil {
		return "", fmt.Errorf("submit: %w", err)
	}

	now := e.clock()
	job := store.Job{
		ID:              e.ids.Generate(),
		SessionID:       sessionID,
		Kind:            kind,
		Status:          store.StatusQueued,
		ProcessedChunks: next,
		NextChunk:       next,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := e.store.UpsertJob(ctx, job); err != nil {
		e.record(ctx, job, "submit", err, nil)
		return "", fmt.Errorf("submit: %w", err)
	}
	e.record(ctx, job, "submit", nil, nil)
	e.metrics.JobTransitioned(string(store.StatusQueued))
	return job.ID, nil
}

// Start moves a queued job to processing.
func (e *Engine) Start(ctx context.Context, jobID string) (JobStatusView, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	job, err := e.load(ctx, jobID)
	if err != nil {
		return JobStatusView{}, err
	}
	if job.Status != store.StatusQueued {
		return viewOf(job), invalidState(job, "start")
	}
	job, err = e.start(ctx, job)
	return viewOf(job), err
}

func (e *Engine) start(ctx context.Context, job store.Job) (store.Job, error) {
	prev := job
	job.Status = store.StatusProcessing
	if err := e.save(ctx, &job, "start", nil); err != nil {
		return prev, err
	}
	return e.completeIfDone(ctx, job)
}

// Advance records the result of processing one chunk.
//
// A queued job is started first. A fatal result fails the job and records
// the stopping chunk. A successful result commits the output chunk and the
// new progress together; the job completes once every expected chunk is
// processed. Store errors such as *store.OutOfOrderChunkError are returned
// unchanged and leave the job as it was.
func (e *Engine) Advance(ctx context.Context, jobID string, res ChunkResult) (JobStatusView, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	job, err := e.load(ctx, jobID)
	if err != nil {
		return JobStatusView{}, err
	}
	switch job.Status {
	case store.StatusQueued:
		if job, err = e.start(ctx, job); err != nil {
			return viewOf(job), err
		}
		if job.Status != store.StatusProcessing {
			return viewOf(job), invalidState(job, "advance")
		}
	case store.StatusProcessing:
	default:
		return viewOf(job), invalidState(job, "advance")
	}

	if res.Err != nil {
		stopped := res.Number
		job.Status = store.StatusFailed
		job.StoppedAtChunk = &stopped
		job.Error = res.Err.Error()
		err := e.save(ctx, &job, "fail", ir.Obj(ir.O("chunk_number", ir.Int(res.Number))))
		return viewOf(job), err
	}

	if job.TotalChunks > 0 && res.Number >= job.TotalChunks {
		return viewOf(job), &TransitionError{
			Code:    ErrCodeChunkOutOfRange,
			JobID:   job.ID,
			Op:      "advance",
			From:    job.Status,
			Message: fmt.Sprintf("chunk %d with total %d", res.Number, job.TotalChunks),
		}
	}

	prev := job
	job.ProcessedChunks++
	job.NextChunk = res.Number + 1
	job.UpdatedAt = e.clock()
	chunk := store.Chunk{
		SessionID: job.SessionID,
		Kind:      job.Kind.OutputKind(),
		Number:    res.Number,
		Payload:   res.Payload,
		Duration:  res.Duration,
	}
	if err := e.store.CommitJobChunk(ctx, chunk, job); err != nil {
		e.record(ctx, prev, "advance", err, ir.Obj(ir.O("chunk_number", ir.Int(res.Number))))
		return viewOf(prev), fmt.Errorf("advance job %s: %w", job.ID, err)
	}
	e.record(ctx, job, "advance", nil, ir.Obj(ir.O("chunk_number", ir.Int(res.Number))))

	job, err = e.completeIfDone(ctx, job)
	return viewOf(job), err
}

// ResumeResult is a resumed job plus any warning about its resume point.
type ResumeResult struct {
	JobStatusView
	Warning string `json:"warning,omitempty"`
}

// Resume moves a failed job back to processing with its cursor at from.
//
// from is not validated against the job's progress: rewinding over
// committed chunks is allowed, and those chunks are rejected as out of
// order when re-submitted. A resume point past the next uncommitted chunk
// can never be reached; it is accepted with a warning that is logged and
// recorded in the audit event.
func (e *Engine) Resume(ctx context.Context, jobID string, from int64) (ResumeResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	job, err := e.load(ctx, jobID)
	if err != nil {
		return ResumeResult{}, err
	}
	if job.Status != store.StatusFailed {
		return ResumeResult{JobStatusView: viewOf(job)}, invalidState(job, "resume")
	}
	if from < 0 {
		return ResumeResult{JobStatusView: viewOf(job)}, &TransitionError{
			Code: ErrCodeChunkOutOfRange, JobID: job.ID, Op: "resume", From: job.Status,
			Message: fmt.Sprintf("from chunk %d", from),
		}
	}

	next, err := e.committedNext(ctx, job.SessionID, job.Kind)
	if err != nil {
		return ResumeResult{JobStatusView: viewOf(job)}, fmt.Errorf("resume: %w", err)
	}

	details := ir.Obj(
		ir.O("from_chunk", ir.Int(from)),
		ir.O("committed_next", ir.Int(next)),
	)
	var warning string
	switch {
	case from > next || from > job.ProcessedChunks:
		warning = fmt.Sprintf("resume point %d is past the next uncommitted chunk %d and cannot be reached", from, next)
		details["warning"] = ir.String(warning)
		slog.Warn("resume point unreachable", "job_id", job.ID, "from_chunk", from, "committed_next", next)
	case from < next:
		slog.Info("resume rewinds over committed chunks", "job_id", job.ID, "from_chunk", from, "committed_next", next)
	}

	prev := job
	job.Status = store.StatusProcessing
	job.NextChunk = from
	job.StoppedAtChunk = nil
	job.Error = ""
	if err := e.save(ctx, &job, "resume", details); err != nil {
		return ResumeResult{JobStatusView: viewOf(prev)}, err
	}
	return ResumeResult{JobStatusView: viewOf(job), Warning: warning}, nil
}

// Cancel stops a queued or processing job. Cancellation is terminal.
func (e *Engine) Cancel(ctx context.Context, jobID string) (JobStatusView, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	job, err := e.load(ctx, jobID)
	if err != nil {
		return JobStatusView{}, err
	}
	if !job.Status.Active() {
		return viewOf(job), invalidState(job, "cancel")
	}
	prev := job
	job.Status = store.StatusCancelled
	if err := e.save(ctx, &job, "cancel", nil); err != nil {
		return viewOf(prev), err
	}
	return viewOf(job), nil
}

// SetTotalChunks records how many chunks the job will produce once the
// input stream is complete. A processing job that already reached the
// total completes immediately. A total of 0 completes a queued or
// processing job at once: its stream ended without chunks.
func (e *Engine) SetTotalChunks(ctx context.Context, jobID string, total int64) (JobStatusView, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	job, err := e.load(ctx, jobID)
	if err != nil {
		return JobStatusView{}, err
	}
	if job.Status == store.StatusCompleted || job.Status == store.StatusCancelled {
		return viewOf(job), invalidState(job, "set total")
	}
	if total < 0 || total < job.ProcessedChunks {
		return viewOf(job), &TransitionError{
			Code: ErrCodeInvalidTotal, JobID: job.ID, Op: "set total", From: job.Status,
			Message: fmt.Sprintf("%d below processed %d", total, job.ProcessedChunks),
		}
	}
	if total == 0 {
		return e.completeEmpty(ctx, job)
	}
	if job.TotalChunks == total {
		return viewOf(job), nil
	}

	prev := job
	job.TotalChunks = total
	if err := e.save(ctx, &job, "total", ir.Obj(ir.O("total_chunks", ir.Int(total)))); err != nil {
		return viewOf(prev), err
	}
	job, err = e.completeIfDone(ctx, job)
	return viewOf(job), err
}

// Status returns the current view of a job.
func (e *Engine) Status(ctx context.Context, jobID string) (JobStatusView, error) {
	job, err := e.store.ReadJob(ctx, jobID)
	if err != nil {
		return JobStatusView{}, err
	}
	return viewOf(job), nil
}

// ActiveJob returns the queued or processing job of a session, if any.
func (e *Engine) ActiveJob(ctx context.Context, sessionID string) (JobStatusView, bool, error) {
	job, ok, err := e.store.ActiveJob(ctx, sessionID)
	if err != nil || !ok {
		return JobStatusView{}, ok, err
	}
	return viewOf(job), true, nil
}

func (e *Engine) completeIfDone(ctx context.Context, job store.Job) (store.Job, error) {
	if job.Status != store.StatusProcessing || job.TotalChunks == 0 || job.ProcessedChunks < job.TotalChunks {
		return job, nil
	}
	prev := job
	job.Status = store.StatusCompleted
	if err := e.save(ctx, &job, "complete", nil); err != nil {
		return prev, err
	}
	return job, nil
}

// completeEmpty finishes a job whose stream has no chunks. TotalChunks
// stays 0, which on an unfinished job means the total is not yet known.
func (e *Engine) completeEmpty(ctx context.Context, job store.Job) (JobStatusView, error) {
	var err error
	if job.Status == store.StatusQueued {
		if job, err = e.start(ctx, job); err != nil {
			return viewOf(job), err
		}
	}
	if job.Status != store.StatusProcessing {
		return viewOf(job), nil
	}
	prev := job
	job.Status = store.StatusCompleted
	if err := e.save(ctx, &job, "complete", ir.Obj(ir.O("total_chunks", ir.Int(0)))); err != nil {
		return viewOf(prev), err
	}
	return viewOf(job), nil
}

// committedNext is the first chunk number not yet committed on the job
// kind's output stream.
func (e *Engine) committedNext(ctx context.Context, sessionID string, kind store.JobKind) (int64, error) {
	last, _, err := e.store.LastChunkNumber(ctx, sessionID, kind.OutputKind())
	if err != nil {
		return 0, err
	}
	return last + 1, nil
}

func (e *Engine) load(ctx context.Context, jobID string) (store.Job, error) {
	job, err := e.store.ReadJob(ctx, jobID)
	if err != nil {
		return store.Job{}, err
	}
	return job, nil
}

// save persists a transition, audits it and counts it.
func (e *Engine) save(ctx context.Context, job *store.Job, action string, details ir.Object) error {
	job.UpdatedAt = e.clock()
	if err := e.store.UpsertJob(ctx, *job); err != nil {
		e.record(ctx, *job, action, err, details)
		return fmt.Errorf("%s job %s: %w", action, job.ID, err)
	}
	e.record(ctx, *job, action, nil, details)
	e.metrics.JobTransitioned(string(job.Status))
	slog.Debug("job transition", "job_id", job.ID, "session_id", job.SessionID, "action", action, "status", job.Status)
	return nil
}

func (e *Engine) record(ctx context.Context, job store.Job, action string, err error, extra ir.Object) {
	details := ir.Obj(
		ir.O("job_id", ir.String(job.ID)),
		ir.O("kind", ir.String(job.Kind)),
		ir.O("status", ir.String(job.Status)),
		ir.O("processed_chunks", ir.Int(job.ProcessedChunks)),
		ir.O("total_chunks", ir.Int(job.TotalChunks)),
	)
	for k, v := range extra {
		details[k] = v
	}

	level := auditlog.LevelInfo
	switch action {
	case "fail":
		level = auditlog.LevelError
	case "resume", "cancel":
		level = auditlog.LevelAudit
	}
	if err != nil {
		level = auditlog.LevelWarn
		details["error"] = ir.String(store.ErrorKind(err))
		details["message"] = ir.String(err.Error())
	} else if _, ok := details["warning"]; ok {
		level = auditlog.LevelWarn
	}

	_, aerr := e.auditor.Emit(ctx, auditlog.Entry{
		Service:   auditlog.ServiceServer,
		Level:     level,
		Action:    "job." + action,
		OK:        err == nil,
		SessionID: job.SessionID,
		Ref:       job.ID,
		Details:   details,
	})
	if aerr != nil {
		slog.Error("job audit failed", "job_id", job.ID, "action", action, "error", aerr)
	}
}
