package pipeline

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/corpus/internal/engine"
	"github.com/roach88/corpus/internal/ids"
	"github.com/roach88/corpus/internal/metrics"
	"github.com/roach88/corpus/internal/store"
)

var upper = ProcessorFunc(func(_ context.Context, _ engine.JobStatusView, audio store.Chunk) ([]byte, error) {
	return bytes.ToUpper(audio.Payload), nil
})

type fixture struct {
	store    *store.Store
	engine   *engine.Engine
	pipeline *Pipeline
	metrics  *metrics.Metrics
}

func setup(t *testing.T, proc Processor, opts ...Option) *fixture {
	t.Helper()
	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "corpus.db"), store.ModeWriter)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	m := metrics.New(prometheus.NewRegistry(), "test")
	e := engine.New(s, engine.WithIDs(ids.NewSequenceGenerator("job")), engine.WithMetrics(m))
	opts = append([]Option{
		WithProcessor(store.JobTranscription, proc),
		WithRetry(3, time.Millisecond),
		WithMetrics(m),
	}, opts...)
	return &fixture{store: s, engine: e, pipeline: New(s, e, opts...), metrics: m}
}

func (f *fixture) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.pipeline.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

// submitAudio submits audio chunks [from, to).
func (f *fixture) submitAudio(t *testing.T, sessionID string, from, to int) {
	t.Helper()
	for i := from; i < to; i++ {
		_, err := f.pipeline.SubmitChunk(context.Background(), sessionID, int64(i), []byte{'a' + byte(i)}, time.Second)
		require.NoError(t, err)
	}
}

func (f *fixture) waitStatus(t *testing.T, jobID string, want store.JobStatus) engine.JobStatusView {
	t.Helper()
	var view engine.JobStatusView
	require.Eventually(t, func() bool {
		v, err := f.pipeline.PollJob(context.Background(), jobID)
		if err != nil {
			return false
		}
		view = v
		return v.Status == want
	}, 5*time.Second, 5*time.Millisecond, "job %s never reached %s", jobID, want)
	return view
}

func TestPipeline_TranscribesStream(t *testing.T) {
	ctx := context.Background()
	f := setup(t, upper)
	f.run(t)

	f.submitAudio(t, "s1", 0, 2)
	jobID, err := f.pipeline.RequestJob(ctx, "s1", store.JobTranscription)
	require.NoError(t, err)
	f.submitAudio(t, "s1", 2, 3)
	require.NoError(t, f.pipeline.FinishStream(ctx, "s1", 3))

	view := f.waitStatus(t, jobID, store.StatusCompleted)
	assert.Equal(t, int64(3), view.ProcessedChunks)
	assert.Equal(t, int64(3), view.TotalChunks)

	out, err := f.store.ListChunks(ctx, "s1", store.ChunkTranscription)
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, []byte("A"), out[0].Payload)
	assert.Equal(t, []byte("C"), out[2].Payload)
	assert.Equal(t, time.Second, out[2].Duration)
}

func TestPipeline_SubmitChunkOutOfOrder(t *testing.T) {
	ctx := context.Background()
	f := setup(t, upper)
	f.run(t)

	accepted, err := f.pipeline.SubmitChunk(ctx, "s1", 0, []byte("x"), 0)
	require.NoError(t, err)
	assert.Equal(t, ChunkAccepted{SessionID: "s1", ChunkNumber: 0, Bytes: 1}, accepted)

	_, err = f.pipeline.SubmitChunk(ctx, "s1", 2, []byte("x"), 0)
	assert.True(t, store.IsOutOfOrderChunk(err))
	_, err = f.pipeline.SubmitChunk(ctx, "s1", 0, []byte("x"), 0)
	assert.True(t, store.IsOutOfOrderChunk(err))
}

func TestPipeline_RequestJobConflict(t *testing.T) {
	ctx := context.Background()
	f := setup(t, upper)
	f.run(t)

	_, err := f.pipeline.RequestJob(ctx, "s1", store.JobTranscription)
	require.NoError(t, err)
	_, err = f.pipeline.RequestJob(ctx, "s1", store.JobTranscription)
	assert.True(t, store.IsJobConflict(err))

	_, err = f.pipeline.RequestJob(ctx, "s1", store.JobDiarization)
	assert.Error(t, err, "no diarization processor registered")
}

func TestPipeline_EmptyStreamCompletes(t *testing.T) {
	ctx := context.Background()
	f := setup(t, upper)
	f.run(t)

	require.NoError(t, f.pipeline.FinishStream(ctx, "s1", 0))
	jobID, err := f.pipeline.RequestJob(ctx, "s1", store.JobTranscription)
	require.NoError(t, err)

	view := f.waitStatus(t, jobID, store.StatusCompleted)
	assert.Equal(t, int64(0), view.ProcessedChunks)
	assert.Equal(t, int64(0), view.TotalChunks)
}

func TestPipeline_FinishStreamMismatch(t *testing.T) {
	ctx := context.Background()
	f := setup(t, upper)
	f.run(t)

	f.submitAudio(t, "s1", 0, 2)
	assert.Error(t, f.pipeline.FinishStream(ctx, "s1", 5))
}

func TestPipeline_RetriesTransientErrors(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int32
	flaky := ProcessorFunc(func(ctx context.Context, job engine.JobStatusView, audio store.Chunk) ([]byte, error) {
		if audio.Number == 1 && calls.Add(1) <= 2 {
			return nil, errors.New("503")
		}
		return upper(ctx, job, audio)
	})
	f := setup(t, flaky)
	f.run(t)

	f.submitAudio(t, "s1", 0, 3)
	require.NoError(t, f.pipeline.FinishStream(ctx, "s1", 3))
	jobID, err := f.pipeline.RequestJob(ctx, "s1", store.JobTranscription)
	require.NoError(t, err)

	f.waitStatus(t, jobID, store.StatusCompleted)
	assert.Equal(t, float64(2), promtest.ToFloat64(f.metrics.ChunkAttempts.WithLabelValues("transcription", "retry")))
	assert.Equal(t, float64(3), promtest.ToFloat64(f.metrics.ChunkAttempts.WithLabelValues("transcription", "ok")))
}

func TestPipeline_ExhaustedRetriesFailThenResume(t *testing.T) {
	ctx := context.Background()
	var broken atomic.Bool
	broken.Store(true)
	proc := ProcessorFunc(func(ctx context.Context, job engine.JobStatusView, audio store.Chunk) ([]byte, error) {
		if audio.Number == 1 && broken.Load() {
			return nil, errors.New("provider down")
		}
		return upper(ctx, job, audio)
	})
	f := setup(t, proc)
	f.run(t)

	f.submitAudio(t, "s1", 0, 3)
	require.NoError(t, f.pipeline.FinishStream(ctx, "s1", 3))
	jobID, err := f.pipeline.RequestJob(ctx, "s1", store.JobTranscription)
	require.NoError(t, err)

	view := f.waitStatus(t, jobID, store.StatusFailed)
	require.NotNil(t, view.StoppedAtChunk)
	assert.Equal(t, int64(1), *view.StoppedAtChunk)
	assert.Equal(t, int64(1), view.ProcessedChunks)
	assert.Contains(t, view.Error, "provider down")
	assert.Equal(t, float64(3), promtest.ToFloat64(f.metrics.ChunkAttempts.WithLabelValues("transcription", "retry")))

	broken.Store(false)
	res, err := f.pipeline.ResumeJob(ctx, jobID, 1)
	require.NoError(t, err)
	assert.Empty(t, res.Warning)

	view = f.waitStatus(t, jobID, store.StatusCompleted)
	assert.Equal(t, int64(3), view.ProcessedChunks)
}

func TestPipeline_FatalErrorNotRetried(t *testing.T) {
	ctx := context.Background()
	proc := ProcessorFunc(func(context.Context, engine.JobStatusView, store.Chunk) ([]byte, error) {
		return nil, Fatal(errors.New("unsupported codec"))
	})
	f := setup(t, proc)
	f.run(t)

	f.submitAudio(t, "s1", 0, 1)
	jobID, err := f.pipeline.RequestJob(ctx, "s1", store.JobTranscription)
	require.NoError(t, err)

	view := f.waitStatus(t, jobID, store.StatusFailed)
	assert.Equal(t, int64(0), *view.StoppedAtChunk)
	assert.Equal(t, float64(1), promtest.ToFloat64(f.metrics.ChunkAttempts.WithLabelValues("transcription", "fatal")))
	assert.Equal(t, float64(0), promtest.ToFloat64(f.metrics.ChunkAttempts.WithLabelValues("transcription", "retry")))
}

func TestPipeline_CancelLandsBetweenChunks(t *testing.T) {
	ctx := context.Background()
	entered := make(chan struct{})
	release := make(chan struct{})
	proc := ProcessorFunc(func(ctx context.Context, job engine.JobStatusView, audio store.Chunk) ([]byte, error) {
		if audio.Number == 1 {
			close(entered)
			<-release
		}
		return upper(ctx, job, audio)
	})
	f := setup(t, proc)
	f.run(t)

	f.submitAudio(t, "s1", 0, 3)
	jobID, err := f.pipeline.RequestJob(ctx, "s1", store.JobTranscription)
	require.NoError(t, err)

	<-entered
	cancelled := make(chan engine.JobStatusView, 1)
	go func() {
		view, err := f.pipeline.CancelJob(ctx, jobID)
		assert.NoError(t, err)
		cancelled <- view
	}()
	require.Eventually(t, func() bool { return f.pipeline.queue.Len() == 1 }, time.Second, time.Millisecond)
	close(release)

	view := <-cancelled
	assert.Equal(t, store.StatusCancelled, view.Status)
	assert.Equal(t, int64(2), view.ProcessedChunks, "in-flight chunk completes before cancel")

	out, err := f.store.ListChunks(ctx, "s1", store.ChunkTranscription)
	require.NoError(t, err)
	assert.Len(t, out, 2)
}

func TestPipeline_RecoversProcessingJobs(t *testing.T) {
	ctx := context.Background()
	f := setup(t, upper)

	// State left behind by a previous process.
	for n := int64(0); n < 3; n++ {
		require.NoError(t, f.store.AppendChunk(ctx, store.Chunk{SessionID: "s1", Kind: store.ChunkAudio, Number: n, Payload: []byte("x")}))
	}
	jobID, err := f.engine.Submit(ctx, "s1", store.JobTranscription)
	require.NoError(t, err)
	_, err = f.engine.SetTotalChunks(ctx, jobID, 3)
	require.NoError(t, err)
	_, err = f.engine.Advance(ctx, jobID, engine.ChunkResult{Number: 0, Payload: []byte("X")})
	require.NoError(t, err)

	f.run(t)

	view := f.waitStatus(t, jobID, store.StatusCompleted)
	assert.Equal(t, int64(3), view.ProcessedChunks)
}

func TestPipeline_StopRejectsNewRequests(t *testing.T) {
	f := setup(t, upper)
	f.run(t)

	f.pipeline.Stop()
	_, err := f.pipeline.SubmitChunk(context.Background(), "s1", 0, nil, 0)
	assert.ErrorIs(t, err, ErrStopped)
}
