package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/corpus/internal/auditlog"
	"github.com/roach88/corpus/internal/ids"
	"github.com/roach88/corpus/internal/metrics"
	"github.com/roach88/corpus/internal/store"
	"github.com/roach88/corpus/internal/testutil"
)

// recordingAuditor captures entries in memory.
type recordingAuditor struct {
	mu      sync.Mutex
	entries []auditlog.Entry
}

func (a *recordingAuditor) Emit(_ context.Context, e auditlog.Entry) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
	return "hash", nil
}

// serverActions returns the actions emitted on the server channel.
func (a *recordingAuditor) serverActions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for _, e := range a.entries {
		if e.Service == auditlog.ServiceServer {
			out = append(out, e.Action)
		}
	}
	return out
}

func (a *recordingAuditor) lastServer() auditlog.Entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := len(a.entries) - 1; i >= 0; i-- {
		if a.entries[i].Service == auditlog.ServiceServer {
			return a.entries[i]
		}
	}
	return auditlog.Entry{}
}

type fixture struct {
	store   *store.Store
	engine  *Engine
	auditor *recordingAuditor
	reg     *prometheus.Registry
	metrics *metrics.Metrics
}

func setupEngine(t *testing.T) *fixture {
	t.Helper()
	clock := testutil.NewDeterministicClock()
	auditor := &recordingAuditor{}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg, "test")

	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "corpus.db"), store.ModeWriter,
		store.WithClock(clock.Now), store.WithAuditor(auditor))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	e := New(s,
		WithAuditor(auditor),
		WithMetrics(m),
		WithIDs(ids.NewSequenceGenerator("job")),
		WithClock(clock.Now),
	)
	return &fixture{store: s, engine: e, auditor: auditor, reg: reg, metrics: m}
}

func chunkOK(n int64) ChunkResult {
	return ChunkResult{Number: n, Payload: []byte{'t', byte('0' + n)}}
}

func TestEngine_EndToEnd(t *testing.T) {
	ctx := context.Background()
	f := setupEngine(t)
	const total = 4

	jobID, err := f.engine.Submit(ctx, "s1", store.JobTranscription)
	require.NoError(t, err)
	assert.Equal(t, "job-1", jobID)

	view, err := f.engine.Status(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusQueued, view.Status)

	view, err = f.engine.Advance(ctx, jobID, chunkOK(0))
	require.NoError(t, err)
	assert.Equal(t, store.StatusProcessing, view.Status)
	assert.Equal(t, int64(1), view.ProcessedChunks)

	view, err = f.engine.Advance(ctx, jobID, ChunkResult{Number: 1, Err: errors.New("provider 500")})
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, view.Status)
	require.NotNil(t, view.StoppedAtChunk)
	assert.Equal(t, int64(1), *view.StoppedAtChunk)
	assert.Equal(t, "provider 500", view.Error)
	assert.Equal(t, int64(1), view.ProcessedChunks)

	res, err := f.engine.Resume(ctx, jobID, 1)
	require.NoError(t, err)
	assert.Empty(t, res.Warning)
	assert.Equal(t, store.StatusProcessing, res.Status)
	assert.Nil(t, res.StoppedAtChunk)
	assert.Equal(t, int64(1), res.NextChunk)

	_, err = f.engine.SetTotalChunks(ctx, jobID, total)
	require.NoError(t, err)

	for n := int64(1); n < total; n++ {
		view, err = f.engine.Advance(ctx, jobID, chunkOK(n))
		require.NoError(t, err)
	}
	assert.Equal(t, store.StatusCompleted, view.Status)
	assert.Equal(t, int64(total), view.ProcessedChunks)
	assert.Equal(t, view.TotalChunks, view.ProcessedChunks)

	chunks, err := f.store.ListChunks(ctx, "s1", store.ChunkTranscription)
	require.NoError(t, err)
	assert.Len(t, chunks, total)

	assert.Equal(t, []string{
		"job.submit",
		"job.start", "job.advance",
		"job.fail",
		"job.resume",
		"job.total",
		"job.advance", "job.advance", "job.advance", "job.complete",
	}, f.auditor.serverActions())

	assert.Equal(t, float64(1), promtest.ToFloat64(f.metrics.JobTransitions.WithLabelValues("completed")))
	assert.Equal(t, float64(1), promtest.ToFloat64(f.metrics.JobTransitions.WithLabelValues("failed")))
}

func TestEngine_SubmitConflict(t *testing.T) {
	ctx := context.Background()
	f := setupEngine(t)

	first, err := f.engine.Submit(ctx, "s1", store.JobTranscription)
	require.NoError(t, err)

	_, err = f.engine.Submit(ctx, "s1", store.JobDiarization)
	require.Error(t, err)
	assert.True(t, store.IsJobConflict(err))
	var je *store.JobConflictError
	require.ErrorAs(t, err, &je)
	assert.Equal(t, first, je.ExistingJobID)

	last := f.auditor.lastServer()
	assert.Equal(t, "job.submit", last.Action)
	assert.False(t, last.OK)

	// Other sessions are independent.
	_, err = f.engine.Submit(ctx, "s2", store.JobTranscription)
	assert.NoError(t, err)
}

func TestEngine_ResumeRewindIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := setupEngine(t)

	jobID, err := f.engine.Submit(ctx, "s1", store.JobTranscription)
	require.NoError(t, err)
	for n := int64(0); n < 2; n++ {
		_, err = f.engine.Advance(ctx, jobID, chunkOK(n))
		require.NoError(t, err)
	}
	_, err = f.engine.Advance(ctx, jobID, ChunkResult{Number: 2, Err: errors.New("bad audio")})
	require.NoError(t, err)

	res, err := f.engine.Resume(ctx, jobID, 0)
	require.NoError(t, err)
	assert.Empty(t, res.Warning)
	assert.Equal(t, int64(0), res.NextChunk)

	before, err := f.store.ReadChunk(ctx, "s1", store.ChunkTranscription, 0)
	require.NoError(t, err)

	view, err := f.engine.Advance(ctx, jobID, ChunkResult{Number: 0, Payload: []byte("replacement")})
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrOutOfOrderChunk)
	assert.Equal(t, store.StatusProcessing, view.Status)
	assert.Equal(t, int64(2), view.ProcessedChunks)

	after, err := f.store.ReadChunk(ctx, "s1", store.ChunkTranscription, 0)
	require.NoError(t, err)
	assert.Equal(t, before.Payload, after.Payload)

	view, err = f.engine.Advance(ctx, jobID, chunkOK(2))
	require.NoError(t, err)
	assert.Equal(t, int64(3), view.ProcessedChunks)
}

func TestEngine_ResumeUnreachableWarns(t *testing.T) {
	ctx := context.Background()
	f := setupEngine(t)

	jobID, err := f.engine.Submit(ctx, "s1", store.JobTranscription)
	require.NoError(t, err)
	_, err = f.engine.Advance(ctx, jobID, chunkOK(0))
	require.NoError(t, err)
	_, err = f.engine.Advance(ctx, jobID, ChunkResult{Number: 1, Err: errors.New("boom")})
	require.NoError(t, err)

	res, err := f.engine.Resume(ctx, jobID, 7)
	require.NoError(t, err)
	assert.Contains(t, res.Warning, "cannot be reached")
	assert.Equal(t, store.StatusProcessing, res.Status)
	assert.Equal(t, int64(7), res.NextChunk)

	last := f.auditor.lastServer()
	assert.Equal(t, "job.resume", last.Action)
	assert.Equal(t, auditlog.LevelWarn, last.Level)
	assert.Contains(t, last.Details, "warning")
}

func TestEngine_InvalidTransitions(t *testing.T) {
	ctx := context.Background()
	f := setupEngine(t)

	jobID, err := f.engine.Submit(ctx, "s1", store.JobTranscription)
	require.NoError(t, err)

	_, err = f.engine.Resume(ctx, jobID, 0)
	assert.True(t, IsInvalidTransition(err), "resume of queued job")

	_, err = f.engine.Start(ctx, jobID)
	require.NoError(t, err)
	_, err = f.engine.Start(ctx, jobID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = f.engine.Cancel(ctx, jobID)
	require.NoError(t, err)

	tests := []struct {
		name string
		call func() error
	}{
		{"advance", func() error { _, err := f.engine.Advance(ctx, jobID, chunkOK(0)); return err }},
		{"cancel", func() error { _, err := f.engine.Cancel(ctx, jobID); return err }},
		{"resume", func() error { _, err := f.engine.Resume(ctx, jobID, 0); return err }},
		{"start", func() error { _, err := f.engine.Start(ctx, jobID); return err }},
		{"total", func() error { _, err := f.engine.SetTotalChunks(ctx, jobID, 3); return err }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			require.Error(t, err)
			var te *TransitionError
			require.ErrorAs(t, err, &te)
			assert.Equal(t, store.StatusCancelled, te.From)
			assert.Equal(t, "invalid_transition", store.ErrorKind(err))
		})
	}
}

func TestEngine_CancelFromQueued(t *testing.T) {
	ctx := context.Background()
	f := setupEngine(t)

	jobID, err := f.engine.Submit(ctx, "s1", store.JobDiarization)
	require.NoError(t, err)

	view, err := f.engine.Cancel(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCancelled, view.Status)
	assert.Equal(t, auditlog.LevelAudit, f.auditor.lastServer().Level)

	// The session is free for a new job.
	_, err = f.engine.Submit(ctx, "s1", store.JobDiarization)
	assert.NoError(t, err)
}

func TestEngine_SetTotalChunks(t *testing.T) {
	ctx := context.Background()
	f := setupEngine(t)

	jobID, err := f.engine.Submit(ctx, "s1", store.JobTranscription)
	require.NoError(t, err)
	for n := int64(0); n < 2; n++ {
		_, err = f.engine.Advance(ctx, jobID, chunkOK(n))
		require.NoError(t, err)
	}

	_, err = f.engine.SetTotalChunks(ctx, jobID, 1)
	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, ErrCodeInvalidTotal, te.Code)

	view, err := f.engine.SetTotalChunks(ctx, jobID, 2)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, view.Status)
}

func TestEngine_EmptyStreamCompletes(t *testing.T) {
	ctx := context.Background()

	t.Run("queued", func(t *testing.T) {
		f := setupEngine(t)
		jobID, err := f.engine.Submit(ctx, "s1", store.JobTranscription)
		require.NoError(t, err)

		view, err := f.engine.SetTotalChunks(ctx, jobID, 0)
		require.NoError(t, err)
		assert.Equal(t, store.StatusCompleted, view.Status)
		assert.Equal(t, int64(0), view.ProcessedChunks)
		assert.Equal(t, []string{"job.submit", "job.start", "job.complete"}, f.auditor.serverActions())
	})

	t.Run("processing", func(t *testing.T) {
		f := setupEngine(t)
		jobID, err := f.engine.Submit(ctx, "s1", store.JobDiarization)
		require.NoError(t, err)
		_, err = f.engine.Start(ctx, jobID)
		require.NoError(t, err)

		view, err := f.engine.SetTotalChunks(ctx, jobID, 0)
		require.NoError(t, err)
		assert.Equal(t, store.StatusCompleted, view.Status)

		_, ok, err := f.engine.ActiveJob(ctx, "s1")
		require.NoError(t, err)
		assert.False(t, ok, "a completed job no longer blocks the session")
	})

	t.Run("processed chunks", func(t *testing.T) {
		f := setupEngine(t)
		jobID, err := f.engine.Submit(ctx, "s1", store.JobTranscription)
		require.NoError(t, err)
		_, err = f.engine.Advance(ctx, jobID, chunkOK(0))
		require.NoError(t, err)

		_, err = f.engine.SetTotalChunks(ctx, jobID, 0)
		var te *TransitionError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, ErrCodeInvalidTotal, te.Code)
	})
}

func TestEngine_AdvanceBeyondTotal(t *testing.T) {
	ctx := context.Background()
	f := setupEngine(t)

	jobID, err := f.engine.Submit(ctx, "s1", store.JobTranscription)
	require.NoError(t, err)
	_, err = f.engine.SetTotalChunks(ctx, jobID, 2)
	require.NoError(t, err)

	_, err = f.engine.Advance(ctx, jobID, chunkOK(2))
	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, ErrCodeChunkOutOfRange, te.Code)
}

func TestEngine_GapReturnedToCaller(t *testing.T) {
	ctx := context.Background()
	f := setupEngine(t)

	jobID, err := f.engine.Submit(ctx, "s1", store.JobTranscription)
	require.NoError(t, err)

	view, err := f.engine.Advance(ctx, jobID, chunkOK(3))
	require.Error(t, err)
	var oe *store.OutOfOrderChunkError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, int64(0), oe.Want)
	assert.Equal(t, int64(0), view.ProcessedChunks)

	stored, err := f.engine.Status(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stored.ProcessedChunks)
}

func TestEngine_SecondJobStartsAfterCommittedOutput(t *testing.T) {
	ctx := context.Background()
	f := setupEngine(t)

	first, err := f.engine.Submit(ctx, "s1", store.JobTranscription)
	require.NoError(t, err)
	_, err = f.engine.Advance(ctx, first, chunkOK(0))
	require.NoError(t, err)
	_, err = f.engine.Cancel(ctx, first)
	require.NoError(t, err)

	second, err := f.engine.Submit(ctx, "s1", store.JobTranscription)
	require.NoError(t, err)
	view, err := f.engine.Status(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), view.ProcessedChunks)
	assert.Equal(t, int64(1), view.NextChunk)

	// A diarization job has its own stream.
	_, err = f.engine.Cancel(ctx, second)
	require.NoError(t, err)
	third, err := f.engine.Submit(ctx, "s1", store.JobDiarization)
	require.NoError(t, err)
	view, err = f.engine.Status(ctx, third)
	require.NoError(t, err)
	assert.Equal(t, int64(0), view.NextChunk)
}

func TestEngine_CancelBetweenChunks(t *testing.T) {
	ctx := context.Background()
	f := setupEngine(t)

	jobID, err := f.engine.Submit(ctx, "s1", store.JobTranscription)
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for n := int64(0); n < 20; n++ {
			if _, err := f.engine.Advance(ctx, jobID, chunkOK(n%10)); err != nil {
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		f.engine.Cancel(ctx, jobID)
	}()
	wg.Wait()

	view, err := f.engine.Status(ctx, jobID)
	require.NoError(t, err)
	chunks, err := f.store.ListChunks(ctx, "s1", store.ChunkTranscription)
	require.NoError(t, err)
	assert.Equal(t, int64(len(chunks)), view.ProcessedChunks, "progress must match committed chunks")
}

func TestEngine_Recover(t *testing.T) {
	ctx := context.Background()
	f := setupEngine(t)

	a, err := f.engine.Submit(ctx, "s1", store.JobTranscription)
	require.NoError(t, err)
	for n := int64(0); n < 3; n++ {
		_, err = f.engine.Advance(ctx, a, chunkOK(n))
		require.NoError(t, err)
	}

	b, err := f.engine.Submit(ctx, "s2", store.JobTranscription)
	require.NoError(t, err)
	_, err = f.engine.Advance(ctx, b, chunkOK(0))
	require.NoError(t, err)
	_, err = f.engine.Advance(ctx, b, ChunkResult{Number: 1, Err: errors.New("x")})
	require.NoError(t, err)
	_, err = f.engine.Resume(ctx, b, 0)
	require.NoError(t, err)

	// A queued job is not interrupted work.
	_, err = f.engine.Submit(ctx, "s3", store.JobTranscription)
	require.NoError(t, err)

	points, err := f.engine.Recover(ctx)
	require.NoError(t, err)
	require.Len(t, points, 2)

	byJob := map[string]RecoveryPoint{}
	for _, p := range points {
		byJob[p.JobID] = p
	}
	assert.Equal(t, int64(3), byJob[a].ResumeFrom)
	assert.False(t, byJob[a].Realigned)
	assert.Equal(t, int64(1), byJob[b].ResumeFrom)
	assert.True(t, byJob[b].Realigned)

	view, err := f.engine.Status(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, int64(1), view.NextChunk)
}
