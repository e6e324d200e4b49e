package store

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/corpus/internal/ir"
)

func TestAppendChunk_Contiguous(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	for n := int64(0); n < 3; n++ {
		require.NoError(t, s.AppendChunk(ctx, audioChunk("s1", n)))
	}

	last, ok, err := s.LastChunkNumber(ctx, "s1", ChunkAudio)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(2), last)

	sess, err := s.ReadSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", sess.ID)
}

func TestAppendChunk_RejectsGapAndDuplicate(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	require.NoError(t, s.AppendChunk(ctx, audioChunk("s1", 0)))
	require.NoError(t, s.AppendChunk(ctx, audioChunk("s1", 1)))

	tests := []struct {
		name   string
		number int64
	}{
		{"gap", 3},
		{"duplicate", 1},
		{"restart", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.AppendChunk(ctx, audioChunk("s1", tt.number))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrOutOfOrderChunk)

			var oe *OutOfOrderChunkError
			require.ErrorAs(t, err, &oe)
			assert.Equal(t, tt.number, oe.Got)
			assert.Equal(t, int64(2), oe.Want)
		})
	}

	chunks, err := s.ListChunks(ctx, "s1", ChunkAudio)
	require.NoError(t, err)
	assert.Len(t, chunks, 2)
}

func TestAppendChunk_FirstChunkMustBeZero(t *testing.T) {
	s := createTestStore(t)

	err := s.AppendChunk(context.Background(), audioChunk("s1", 1))
	assert.True(t, IsOutOfOrderChunk(err))
}

func TestAppendChunk_KindsAreIndependent(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	require.NoError(t, s.AppendChunk(ctx, audioChunk("s1", 0)))
	require.NoError(t, s.AppendChunk(ctx, audioChunk("s1", 1)))
	require.NoError(t, s.AppendChunk(ctx, Chunk{SessionID: "s1", Kind: ChunkTranscription, Number: 0, Payload: []byte("hello")}))

	last, ok, err := s.LastChunkNumber(ctx, "s1", ChunkTranscription)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(0), last)

	_, ok, err = s.LastChunkNumber(ctx, "s1", ChunkDiarization)
	require.NoError(t, err)
	assert.False(t, ok)
}

// Random submission order: the committed stream is always a contiguous
// prefix and every rejection is reported as out of order.
func TestAppendChunk_RandomOrderProperty(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	rng := rand.New(rand.NewSource(42))

	const total = 40
	next := int64(0)
	for attempt := 0; attempt < 400 && next < total; attempt++ {
		n := int64(rng.Intn(total))
		err := s.AppendChunk(ctx, audioChunk("prop", n))
		if n == next {
			require.NoError(t, err, "chunk %d", n)
			next++
			continue
		}
		require.ErrorIs(t, err, ErrOutOfOrderChunk, "chunk %d with next %d", n, next)
	}

	chunks, err := s.ListChunks(ctx, "prop", ChunkAudio)
	require.NoError(t, err)
	require.Len(t, chunks, int(next))
	for i, c := range chunks {
		assert.Equal(t, int64(i), c.Number)
	}
}

func TestAppendChunk_PersistsFields(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	created := time.Date(2026, 3, 4, 5, 6, 7, 8000, time.UTC)
	require.NoError(t, s.AppendChunk(ctx, Chunk{
		SessionID: "s1",
		Kind:      ChunkAudio,
		Number:    0,
		Payload:   []byte{0, 1, 2, 3},
		Duration:  2500 * time.Millisecond,
		CreatedAt: created,
	}))

	c, err := s.ReadChunk(ctx, "s1", ChunkAudio, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 1, 2, 3}, c.Payload)
	assert.Equal(t, 2500*time.Millisecond, c.Duration)
	assert.True(t, created.Equal(c.CreatedAt))

	_, err = s.ReadChunk(ctx, "s1", ChunkAudio, 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAppendChunk_Duration(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	err := s.AppendChunk(ctx, Chunk{SessionID: "s1", Kind: ChunkAudio, Number: 0, Duration: -5 * time.Second})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "negative duration")

	_, err = s.ReadChunk(ctx, "s1", ChunkAudio, 0)
	assert.ErrorIs(t, err, ErrNotFound, "rejected chunk must not be stored")

	// Millisecond resolution: the remainder is dropped.
	require.NoError(t, s.AppendChunk(ctx, Chunk{SessionID: "s1", Kind: ChunkAudio, Number: 0, Duration: 1500 * time.Microsecond}))
	c, err := s.ReadChunk(ctx, "s1", ChunkAudio, 0)
	require.NoError(t, err)
	assert.Equal(t, time.Millisecond, c.Duration)

	require.NoError(t, s.AppendChunk(ctx, Chunk{SessionID: "s1", Kind: ChunkAudio, Number: 1}))

	_, err = s.db.ExecContext(ctx, `UPDATE chunks SET duration_ms = -1 WHERE session_id = 's1' AND chunk_number = 1`)
	assert.Error(t, err, "schema rejects negative durations")
}

func TestCommitJobChunk_RejectsNegativeDuration(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	require.NoError(t, s.UpsertJob(ctx, Job{ID: "j1", SessionID: "s1", Kind: JobTranscription, Status: StatusProcessing}))

	job, err := s.ReadJob(ctx, "j1")
	require.NoError(t, err)
	job.ProcessedChunks, job.NextChunk = 1, 1
	err = s.CommitJobChunk(ctx, Chunk{SessionID: "s1", Kind: ChunkTranscription, Number: 0, Duration: -time.Millisecond}, job)
	require.Error(t, err)

	got, err := s.ReadJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.ProcessedChunks, "progress is rolled back with the chunk")
}

func TestAppendChunk_Audited(t *testing.T) {
	ctx := context.Background()
	auditor := &recordingAuditor{}
	s := createTestStore(t, WithAuditor(auditor))

	require.NoError(t, s.AppendChunk(ctx, audioChunk("s1", 0)))
	require.Error(t, s.AppendChunk(ctx, audioChunk("s1", 5)))

	entries := auditor.entries[1:] // skip store.open
	require.Len(t, entries, 2)
	assert.Equal(t, "chunk.append", entries[0].Action)
	assert.True(t, entries[0].OK)
	assert.Equal(t, "s1", entries[0].SessionID)
	assert.False(t, entries[1].OK)
	assert.Equal(t, ir.String("out_of_order_chunk"), entries[1].Details["error"])
	assert.Equal(t, ir.Int(5), entries[1].Details["chunk_number"])
}

func TestCreateSession_Idempotent(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	created, err := s.CreateSession(ctx, Session{ID: "s1", Title: "Standup", Metadata: ir.Obj(ir.O("lang", ir.String("en")))})
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.CreateSession(ctx, Session{ID: "s1", Title: "Other"})
	require.NoError(t, err)
	assert.False(t, created)

	sess, err := s.ReadSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "Standup", sess.Title)
	assert.Equal(t, ir.String("en"), sess.Metadata["lang"])
}

func TestUpsertJob_CreateAndUpdate(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	job := Job{ID: "job-1", SessionID: "s1", Kind: JobTranscription, Status: StatusQueued}
	require.NoError(t, s.UpsertJob(ctx, job))

	stored, err := s.ReadJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, stored.Status)
	createdAt := stored.CreatedAt

	stopped := int64(4)
	stored.Status = StatusFailed
	stored.ProcessedChunks = 4
	stored.NextChunk = 4
	stored.StoppedAtChunk = &stopped
	stored.Error = "provider timeout"
	stored.UpdatedAt = time.Time{}
	require.NoError(t, s.UpsertJob(ctx, stored))

	updated, err := s.ReadJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, updated.Status)
	require.NotNil(t, updated.StoppedAtChunk)
	assert.Equal(t, int64(4), *updated.StoppedAtChunk)
	assert.Equal(t, "provider timeout", updated.Error)
	assert.True(t, createdAt.Equal(updated.CreatedAt))
	assert.True(t, updated.UpdatedAt.After(createdAt))
}

func TestUpsertJob_CreatedAtPreservedWhenOmitted(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	require.NoError(t, s.UpsertJob(ctx, Job{ID: "job-1", SessionID: "s1", Kind: JobTranscription, Status: StatusQueued}))
	first, err := s.ReadJob(ctx, "job-1")
	require.NoError(t, err)

	require.NoError(t, s.UpsertJob(ctx, Job{ID: "job-1", SessionID: "s1", Kind: JobTranscription, Status: StatusProcessing}))
	second, err := s.ReadJob(ctx, "job-1")
	require.NoError(t, err)

	assert.True(t, first.CreatedAt.Equal(second.CreatedAt))
	assert.Equal(t, StatusProcessing, second.Status)
}

func TestUpsertJob_OneActiveJobPerSession(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	require.NoError(t, s.UpsertJob(ctx, Job{ID: "job-1", SessionID: "s1", Kind: JobTranscription, Status: StatusProcessing}))

	err := s.UpsertJob(ctx, Job{ID: "job-2", SessionID: "s1", Kind: JobDiarization, Status: StatusQueued})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrJobConflict)
	var je *JobConflictError
	require.ErrorAs(t, err, &je)
	assert.Equal(t, "job-1", je.ExistingJobID)

	// Another session is unaffected.
	require.NoError(t, s.UpsertJob(ctx, Job{ID: "job-3", SessionID: "s2", Kind: JobTranscription, Status: StatusProcessing}))

	// Once the first job is terminal a new one may start.
	require.NoError(t, s.UpsertJob(ctx, Job{ID: "job-1", SessionID: "s1", Kind: JobTranscription, Status: StatusCompleted}))
	require.NoError(t, s.UpsertJob(ctx, Job{ID: "job-2", SessionID: "s1", Kind: JobDiarization, Status: StatusQueued}))

	active, ok, err := s.ActiveJob(ctx, "s1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "job-2", active.ID)
}

func TestUpsertJob_UniqueIndexBacksCheck(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	require.NoError(t, s.UpsertJob(ctx, Job{ID: "job-1", SessionID: "s1", Kind: JobTranscription, Status: StatusProcessing}))

	// Bypass the in-transaction check: the partial unique index still refuses.
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, session_id, kind, status, created_at, updated_at, checksum)
		VALUES ('job-x', 's1', 'transcription', 'queued', 't', 't', 'c')
	`)
	require.Error(t, err)
	assert.True(t, isUniqueViolation(err))
}

func TestPutEmbedding_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	require.NoError(t, s.AppendChunk(ctx, audioChunk("s1", 0)))

	vec := []float32{0.25, -1.5, 3}
	require.NoError(t, s.PutEmbedding(ctx, Embedding{SessionID: "s1", ChunkNumber: 0, Model: "m1", Vector: vec}))
	// Append-only: a second put is ignored.
	require.NoError(t, s.PutEmbedding(ctx, Embedding{SessionID: "s1", ChunkNumber: 0, Model: "m1", Vector: []float32{9}}))

	got, err := s.ReadEmbeddings(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, vec, got[0].Vector)
	assert.Equal(t, "m1", got[0].Model)
}

func TestPutEmbedding_RequiresSession(t *testing.T) {
	s := createTestStore(t)

	err := s.PutEmbedding(context.Background(), Embedding{SessionID: "missing", Model: "m1", Vector: []float32{1}})
	require.Error(t, err)
	assert.True(t, IsForeignKeyViolation(err))
}
