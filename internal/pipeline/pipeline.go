package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/roach88/corpus/internal/engine"
	"github.com/roach88/corpus/internal/metrics"
	"github.com/roach88/corpus/internal/store"
)

const (
	// DefaultMaxChunkAttempts is how many times a chunk is offered to a
	// processor before the job fails.
	DefaultMaxChunkAttempts = 3

	// DefaultRetryInitialInterval is the first backoff between attempts.
	DefaultRetryInitialInterval = 200 * time.Millisecond
)

// ErrStopped is returned to callers whose request cannot be served
// because the pipeline is shutting down.
var ErrStopped = errors.New("pipeline stopped")

// Processor turns one audio chunk into the output chunk of a job
// (a transcript or a diarization segment). Implementations call external
// providers; errors are retried unless wrapped with Fatal.
type Processor interface {
	Process(ctx context.Context, job engine.JobStatusView, audio store.Chunk) ([]byte, error)
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, job engine.JobStatusView, audio store.Chunk) ([]byte, error)

func (f ProcessorFunc) Process(ctx context.Context, job engine.JobStatusView, audio store.Chunk) ([]byte, error) {
	return f(ctx, job, audio)
}

type fatalError struct{ err error }

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// Fatal marks a processor error as not worth retrying.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// IsFatal reports whether err was marked with Fatal.
func IsFatal(err error) bool {
	var fe *fatalError
	return errors.As(err, &fe)
}

// ChunkAccepted acknowledges a committed audio chunk.
type ChunkAccepted struct {
	SessionID   string `json:"session_id"`
	ChunkNumber int64  `json:"chunk_number"`
	Bytes       int    `json:"bytes"`
}

// Pipeline is the single background writer.
//
// Requests from any goroutine are queued and applied by Run in FIFO order.
// Between requests Run drives active jobs one chunk at a time, so a queued
// cancel lands at the next chunk boundary.
//
// Thread-safety model:
//   - SubmitChunk, RequestJob, FinishStream, CancelJob, ResumeJob: safe
//     from any goroutine, block until Run has applied the request
//   - PollJob: safe from any goroutine, reads without queueing
//   - Run: must be called from exactly ONE goroutine
type Pipeline struct {
	store      *store.Store
	engine     *engine.Engine
	processors map[store.JobKind]Processor
	metrics    *metrics.Metrics

	maxAttempts     int
	initialInterval time.Duration

	queue *requestQueue

	// Owned by the Run goroutine.
	pending  map[string]bool  // sessions that may have runnable work
	finished map[string]int64 // session -> final audio chunk count
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithProcessor registers the processor for a job kind.
func WithProcessor(kind store.JobKind, p Processor) Option {
	return func(pl *Pipeline) {
		pl.processors[kind] = p
	}
}

// WithRetry sets the attempt budget and first backoff interval per chunk.
func WithRetry(maxAttempts int, initial time.Duration) Option {
	return func(pl *Pipeline) {
		if maxAttempts > 0 {
			pl.maxAttempts = maxAttempts
		}
		if initial > 0 {
			pl.initialInterval = initial
		}
	}
}

// WithMetrics records processor attempts in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(pl *Pipeline) {
		pl.metrics = m
	}
}

// New creates a Pipeline writing through s and e. Both must belong to the
// same writer store.
func New(s *store.Store, e *engine.Engine, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:           s,
		engine:          e,
		processors:      make(map[store.JobKind]Processor),
		maxAttempts:     DefaultMaxChunkAttempts,
		initialInterval: DefaultRetryInitialInterval,
		queue:           newRequestQueue(),
		pending:         make(map[string]bool),
		finished:        make(map[string]int64),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SubmitChunk commits the next audio chunk of a session. Returns
// *store.OutOfOrderChunkError on a gap or duplicate.
func (p *Pipeline) SubmitChunk(ctx context.Context, sessionID string, n int64, payload []byte, duration time.Duration) (ChunkAccepted, error) {
	v, err := p.call(ctx, request{
		Type:      requestSubmitChunk,
		SessionID: sessionID,
		Chunk:     store.Chunk{SessionID: sessionID, Kind: store.ChunkAudio, Number: n, Payload: payload, Duration: duration},
	})
	if err != nil {
		return ChunkAccepted{}, err
	}
	return v.(ChunkAccepted), nil
}

// RequestJob queues a processing job for a session. Returns
// *store.JobConflictError when one is already queued or processing.
func (p *Pipeline) RequestJob(ctx context.Context, sessionID string, kind store.JobKind) (string, error) {
	if _, ok := p.processors[kind]; !ok {
		return "", fmt.Errorf("request job: no processor for %q", kind)
	}
	v, err := p.call(ctx, request{Type: requestJob, SessionID: sessionID, JobKind: kind})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// PollJob returns the current status of a job without queueing.
func (p *Pipeline) PollJob(ctx context.Context, jobID string) (engine.JobStatusView, error) {
	return p.engine.Status(ctx, jobID)
}

// FinishStream declares that a session's audio stream is complete with
// total chunks. total must equal the number of committed audio chunks.
func (p *Pipeline) FinishStream(ctx context.Context, sessionID string, total int64) error {
	_, err := p.call(ctx, request{Type: requestFinishStream, SessionID: sessionID, Total: total})
	return err
}

// CancelJob cancels a job at the next chunk boundary.
func (p *Pipeline) CancelJob(ctx context.Context, jobID string) (engine.JobStatusView, error) {
	v, err := p.call(ctx, request{Type: requestCancelJob, JobID: jobID})
	if err != nil {
		return engine.JobStatusView{}, err
	}
	return v.(engine.JobStatusView), nil
}

// ResumeJob resumes a failed job from a chunk number.
func (p *Pipeline) ResumeJob(ctx context.Context, jobID string, from int64) (engine.ResumeResult, error) {
	v, err := p.call(ctx, request{Type: requestResumeJob, JobID: jobID, From: from})
	if err != nil {
		return engine.ResumeResult{}, err
	}
	return v.(engine.ResumeResult), nil
}

func (p *Pipeline) call(ctx context.Context, req request) (any, error) {
	req.ctx = ctx
	req.reply = make(chan reply, 1)
	if !p.queue.Enqueue(req) {
		return nil, ErrStopped
	}
	select {
	case r := <-req.reply:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Run starts the single-writer loop. It first recovers interrupted jobs,
// then blocks until ctx is cancelled or Stop is called.
//
// CRITICAL: Must be called from exactly ONE goroutine.
func (p *Pipeline) Run(ctx context.Context) error {
	slog.Info("pipeline starting")

	if err := p.recover(ctx); err != nil {
		p.queue.Close()
		p.rejectQueued()
		return err
	}

	for {
		if req, ok := p.queue.TryDequeue(); ok {
			p.handle(req)
			continue
		}

		if p.step(ctx) {
			continue
		}

		select {
		case <-ctx.Done():
			slog.Info("pipeline stopping: context cancelled")
			p.queue.Close()
			p.rejectQueued()
			return ctx.Err()

		case <-p.queue.Wait():
			// The signal channel is closed by Stop.
			if p.queue.Len() == 0 && p.queue.Closed() {
				slog.Info("pipeline stopping: queue closed")
				return nil
			}
		}
	}
}

// Stop closes the queue. Run drains queued requests, then returns.
func (p *Pipeline) Stop() {
	p.queue.Close()
}

func (p *Pipeline) rejectQueued() {
	for {
		req, ok := p.queue.TryDequeue()
		if !ok {
			return
		}
		req.reply <- reply{err: ErrStopped}
	}
}

// recover puts processing and queued jobs back on the work set.
func (p *Pipeline) recover(ctx context.Context) error {
	points, err := p.engine.Recover(ctx)
	if err != nil {
		return fmt.Errorf("pipeline recover: %w", err)
	}
	for _, pt := range points {
		p.pending[pt.SessionID] = true
	}
	queued, err := p.store.ListJobs(ctx, store.JobFilter{Status: store.StatusQueued})
	if err != nil {
		return fmt.Errorf("pipeline recover: %w", err)
	}
	for _, j := range queued {
		p.pending[j.SessionID] = true
	}
	return nil
}

// handle applies one request. CRITICAL: Run goroutine only.
func (p *Pipeline) handle(req request) {
	// Keep the caller's actor and trace for audit, but not its deadline:
	// an accepted request is applied even if the caller stops waiting.
	rctx := context.WithoutCancel(req.ctx)

	var r reply
	switch req.Type {
	case requestSubmitChunk:
		err := p.store.AppendChunk(rctx, req.Chunk)
		if err == nil {
			r.value = ChunkAccepted{SessionID: req.SessionID, ChunkNumber: req.Chunk.Number, Bytes: len(req.Chunk.Payload)}
			p.pending[req.SessionID] = true
		}
		r.err = err

	case requestJob:
		jobID, err := p.engine.Submit(rctx, req.SessionID, req.JobKind)
		if err == nil {
			if total, ok := p.finished[req.SessionID]; ok {
				if _, terr := p.engine.SetTotalChunks(rctx, jobID, total); terr != nil {
					slog.Error("set total on new job failed", "job_id", jobID, "total", total, "error", terr)
				}
			}
			p.pending[req.SessionID] = true
		}
		r.value, r.err = jobID, err

	case requestFinishStream:
		r.err = p.finishStream(rctx, req.SessionID, req.Total)

	case requestCancelJob:
		r.value, r.err = p.engine.Cancel(rctx, req.JobID)

	case requestResumeJob:
		res, err := p.engine.Resume(rctx, req.JobID, req.From)
		if err == nil {
			p.pending[res.SessionID] = true
		}
		r.value, r.err = res, err

	default:
		r.err = fmt.Errorf("unknown request type: %d", req.Type)
	}

	if r.err != nil {
		slog.Debug("pipeline request rejected", "type", req.Type.String(), "session_id", req.SessionID, "job_id", req.JobID, "error", r.err)
	}
	req.reply <- r
}

func (p *Pipeline) finishStream(ctx context.Context, sessionID string, total int64) error {
	last, _, err := p.store.LastChunkNumber(ctx, sessionID, store.ChunkAudio)
	if err != nil {
		return fmt.Errorf("finish stream: %w", err)
	}
	if total != last+1 {
		return fmt.Errorf("finish stream %s: total %d but %d audio chunks committed", sessionID, total, last+1)
	}
	p.finished[sessionID] = total

	job, ok, err := p.engine.ActiveJob(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("finish stream: %w", err)
	}
	if ok {
		if _, err := p.engine.SetTotalChunks(ctx, job.JobID, total); err != nil {
			return fmt.Errorf("finish stream: %w", err)
		}
	}
	p.pending[sessionID] = true
	return nil
}

// step processes at most one chunk for the first runnable session.
// Reports whether any work was done.
func (p *Pipeline) step(ctx context.Context) bool {
	if len(p.pending) == 0 {
		return false
	}
	sessions := make([]string, 0, len(p.pending))
	for s := range p.pending {
		sessions = append(sessions, s)
	}
	sort.Strings(sessions)

	for _, sessionID := range sessions {
		progressed, err := p.driveOne(ctx, sessionID)
		if err != nil {
			slog.Error("job step failed", "session_id", sessionID, "error", err)
			delete(p.pending, sessionID)
			continue
		}
		if progressed {
			return true
		}
		delete(p.pending, sessionID)
	}
	return false
}

// driveOne offers the next chunk of a session's active job to its
// processor. progressed is false when the job is waiting for input or
// there is no active job.
func (p *Pipeline) driveOne(ctx context.Context, sessionID string) (progressed bool, err error) {
	job, ok, err := p.engine.ActiveJob(ctx, sessionID)
	if err != nil || !ok {
		return false, err
	}
	if job.Status == store.StatusQueued {
		if job, err = p.engine.Start(ctx, job.JobID); err != nil {
			return false, err
		}
		if job.Status != store.StatusProcessing {
			return true, nil
		}
	}

	// The committed output stream decides what comes next. An operator
	// rewind past committed chunks is skipped rather than rejected forever.
	last, _, err := p.store.LastChunkNumber(ctx, sessionID, job.Kind.OutputKind())
	if err != nil {
		return false, err
	}
	next := last + 1
	if job.NextChunk != next {
		slog.Warn("job cursor differs from committed output, continuing from committed",
			"job_id", job.JobID, "cursor", job.NextChunk, "next", next)
	}

	audio, err := p.store.ReadChunk(ctx, sessionID, store.ChunkAudio, next)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	out, perr := p.process(ctx, job, audio)
	if ctx.Err() != nil {
		// Shutting down: leave the chunk for recovery.
		return false, nil
	}

	res := engine.ChunkResult{Number: next, Payload: out, Duration: audio.Duration, Err: perr}
	view, err := p.engine.Advance(ctx, job.JobID, res)
	if err != nil {
		return false, err
	}
	slog.Debug("job advanced", "job_id", view.JobID, "chunk_number", next, "status", view.Status)
	return true, nil
}

// process calls the job's processor with retry. A nil error means out is
// the output chunk; any error is final for this chunk.
func (p *Pipeline) process(ctx context.Context, job engine.JobStatusView, audio store.Chunk) ([]byte, error) {
	proc, ok := p.processors[job.Kind]
	if !ok {
		return nil, fmt.Errorf("no processor for %q", job.Kind)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.initialInterval
	b.MaxElapsedTime = 0

	var out []byte
	attempt := 0
	op := func() error {
		attempt++
		res, err := proc.Process(ctx, job, audio)
		switch {
		case err == nil:
			out = res
			p.metrics.ProcessorAttempt(string(job.Kind), "ok")
			return nil
		case IsFatal(err):
			p.metrics.ProcessorAttempt(string(job.Kind), "fatal")
			return backoff.Permanent(err)
		default:
			p.metrics.ProcessorAttempt(string(job.Kind), "retry")
			return err
		}
	}
	notify := func(err error, wait time.Duration) {
		slog.Warn("chunk processing failed, retrying",
			"job_id", job.JobID, "chunk_number", audio.Number, "attempt", attempt, "wait", wait, "error", err)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.maxAttempts-1)), ctx)
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return nil, fmt.Errorf("chunk %d after %d attempts: %w", audio.Number, attempt, err)
	}
	return out, nil
}
