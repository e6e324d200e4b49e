package store

import (
	"context"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/corpus/internal/ir"
)

func TestListSessions_EmptyNotNil(t *testing.T) {
	s := createTestStore(t)

	sessions, err := s.ListSessions(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, sessions)
	assert.Empty(t, sessions)
}

func TestListSessions_CreationOrder(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	for _, id := range []string{"c", "a", "b"} {
		_, err := s.CreateSession(ctx, Session{ID: id})
		require.NoError(t, err)
	}

	sessions, err := s.ListSessions(ctx)
	require.NoError(t, err)
	ids := make([]string, len(sessions))
	for i, sess := range sessions {
		ids[i] = sess.ID
	}
	assert.Equal(t, []string{"c", "a", "b"}, ids)
}

func TestReadSession_NotFound(t *testing.T) {
	s := createTestStore(t)

	_, err := s.ReadSession(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, "not_found", ErrorKind(err))
}

func TestListJobs_Filter(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	require.NoError(t, s.UpsertJob(ctx, Job{ID: "j1", SessionID: "s1", Kind: JobTranscription, Status: StatusCompleted}))
	require.NoError(t, s.UpsertJob(ctx, Job{ID: "j2", SessionID: "s1", Kind: JobDiarization, Status: StatusProcessing}))
	require.NoError(t, s.UpsertJob(ctx, Job{ID: "j3", SessionID: "s2", Kind: JobTranscription, Status: StatusProcessing}))

	tests := []struct {
		name   string
		filter JobFilter
		want   []string
	}{
		{"all", JobFilter{}, []string{"j1", "j2", "j3"}},
		{"session", JobFilter{SessionID: "s1"}, []string{"j1", "j2"}},
		{"status", JobFilter{Status: StatusProcessing}, []string{"j2", "j3"}},
		{"both", JobFilter{SessionID: "s2", Status: StatusProcessing}, []string{"j3"}},
		{"none", JobFilter{Status: StatusCancelled}, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jobs, err := s.ListJobs(ctx, tt.filter)
			require.NoError(t, err)
			got := make([]string, len(jobs))
			for i, j := range jobs {
				got[i] = j.ID
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestActiveJob_None(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	require.NoError(t, s.UpsertJob(ctx, Job{ID: "j1", SessionID: "s1", Kind: JobTranscription, Status: StatusCancelled}))

	_, ok, err := s.ActiveJob(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLastChunkNumber_EmptyStream(t *testing.T) {
	s := createTestStore(t)

	n, ok, err := s.LastChunkNumber(context.Background(), "s1", ChunkAudio)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(-1), n)
}

func TestCommitJobChunk_AtomicProgress(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	require.NoError(t, s.UpsertJob(ctx, Job{ID: "j1", SessionID: "s1", Kind: JobTranscription, Status: StatusProcessing}))

	job, err := s.ReadJob(ctx, "j1")
	require.NoError(t, err)
	job.ProcessedChunks, job.NextChunk = 1, 1
	require.NoError(t, s.CommitJobChunk(ctx, Chunk{SessionID: "s1", Kind: ChunkTranscription, Number: 0, Payload: []byte("one")}, job))

	// A duplicate leaves both the stream and the job untouched.
	dup := job
	dup.ProcessedChunks, dup.NextChunk = 2, 2
	err = s.CommitJobChunk(ctx, Chunk{SessionID: "s1", Kind: ChunkTranscription, Number: 0, Payload: []byte("again")}, dup)
	require.ErrorIs(t, err, ErrOutOfOrderChunk)

	stored, err := s.ReadJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.ProcessedChunks)

	c, err := s.ReadChunk(ctx, "s1", ChunkTranscription, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), c.Payload)
}

func TestExportPath(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	seedStore(t, s)

	t.Run("sessions", func(t *testing.T) {
		ds, err := s.ExportPath(ctx, "/sessions")
		require.NoError(t, err)
		assert.Equal(t, "sessions", ds.Kind)
		require.Len(t, ds.Records, 1)
		rec := ds.Records[0]
		assert.Equal(t, ir.Int(3), rec["audio_chunks"])
		assert.Equal(t, ir.Int(1), rec["transcription_chunks"])
		assert.Equal(t, ir.Int(0), rec["diarization_chunks"])
		assert.Equal(t, ir.Int(1), rec["jobs"])
	})

	t.Run("session chunks", func(t *testing.T) {
		ds, err := s.ExportPath(ctx, "/sessions/s1/chunks")
		require.NoError(t, err)
		assert.Len(t, ds.Records, 4)
		for _, rec := range ds.Records {
			for _, col := range ds.Columns {
				assert.Contains(t, rec, col)
			}
		}
	})

	t.Run("typed chunks", func(t *testing.T) {
		ds, err := s.ExportPath(ctx, "/sessions/s1/chunks/transcription")
		require.NoError(t, err)
		require.Len(t, ds.Records, 1)
		assert.Equal(t, ir.String("hi"), ds.Records[0]["text"])
		assert.Equal(t, ir.Null{}, ds.Records[0]["payload_base64"])

		ds, err = s.ExportPath(ctx, "/sessions/s1/chunks/audio")
		require.NoError(t, err)
		require.Len(t, ds.Records, 3)
		want := base64.StdEncoding.EncodeToString(audioChunk("s1", 0).Payload)
		assert.Equal(t, ir.String(want), ds.Records[0]["payload_base64"])
	})

	t.Run("jobs", func(t *testing.T) {
		ds, err := s.ExportPath(ctx, "/jobs/job-1")
		require.NoError(t, err)
		require.Len(t, ds.Records, 1)
		assert.Equal(t, ir.String("failed"), ds.Records[0]["status"])
		assert.Equal(t, ir.Int(1), ds.Records[0]["stopped_at_chunk"])
	})

	t.Run("embeddings", func(t *testing.T) {
		ds, err := s.ExportPath(ctx, "/sessions/s1/embeddings")
		require.NoError(t, err)
		require.Len(t, ds.Records, 1)
		assert.Equal(t, ir.Int(2), ds.Records[0]["dims"])
	})

	t.Run("errors", func(t *testing.T) {
		_, err := s.ExportPath(ctx, "/sessions/missing")
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = s.ExportPath(ctx, "/bogus")
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = s.ExportPath(ctx, "/sessions/s1/chunks/video")
		assert.Error(t, err)
	})
}
