package store

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReader_SnapshotPinnedUntilRefresh(t *testing.T) {
	ctx := context.Background()
	w := createTestStore(t)
	require.NoError(t, w.AppendChunk(ctx, audioChunk("s1", 0)))

	r := openTestReader(t, w)
	require.NoError(t, w.AppendChunk(ctx, audioChunk("s1", 1)))

	last, _, err := r.LastChunkNumber(ctx, "s1", ChunkAudio)
	require.NoError(t, err)
	assert.Equal(t, int64(0), last, "reader must not see writes after its snapshot")

	require.NoError(t, r.Refresh(ctx))
	last, _, err = r.LastChunkNumber(ctx, "s1", ChunkAudio)
	require.NoError(t, err)
	assert.Equal(t, int64(1), last)
}

// One writer appends 100 chunks while five readers refresh and read in a
// loop. Every observation must be a contiguous, fully written prefix.
func TestSWMR_ConcurrentReadersSeeContiguousPrefix(t *testing.T) {
	ctx := context.Background()
	w := createTestStore(t)
	require.NoError(t, w.AppendChunk(ctx, audioChunk("s1", 0)))

	const (
		readers = 5
		total   = 100
	)

	stop := make(chan struct{})
	errs := make(chan error, readers)
	observed := make([]int, readers)

	var wg sync.WaitGroup
	for i := 0; i < readers; i++ {
		r := openTestReader(t, w)
		wg.Add(1)
		go func(i int, r *Store) {
			defer wg.Done()
			prev := 0
			for {
				select {
				case <-stop:
					observed[i] = prev
					return
				default:
				}
				if err := r.Refresh(ctx); err != nil {
					errs <- fmt.Errorf("reader %d refresh: %w", i, err)
					return
				}
				chunks, err := r.ListChunks(ctx, "s1", ChunkAudio)
				if err != nil {
					errs <- fmt.Errorf("reader %d list: %w", i, err)
					return
				}
				for n, c := range chunks {
					if c.Number != int64(n) {
						errs <- fmt.Errorf("reader %d: gap at %d (got %d)", i, n, c.Number)
						return
					}
					if string(c.Payload) != string(audioChunk("s1", int64(n)).Payload) {
						errs <- fmt.Errorf("reader %d: chunk %d payload mismatch", i, n)
						return
					}
				}
				if len(chunks) < prev {
					errs <- fmt.Errorf("reader %d: went backwards from %d to %d", i, prev, len(chunks))
					return
				}
				prev = len(chunks)
			}
		}(i, r)
	}

	for n := int64(1); n < total; n++ {
		require.NoError(t, w.AppendChunk(ctx, audioChunk("s1", n)))
	}
	close(stop)
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}

	final := openTestReader(t, w)
	chunks, err := final.ListChunks(ctx, "s1", ChunkAudio)
	require.NoError(t, err)
	assert.Len(t, chunks, total)
	for _, n := range observed {
		assert.LessOrEqual(t, n, total)
	}
}

func TestReader_CorruptRecordReported(t *testing.T) {
	ctx := context.Background()
	w := createTestStore(t)
	require.NoError(t, w.AppendChunk(ctx, audioChunk("s1", 0)))
	require.NoError(t, w.AppendChunk(ctx, audioChunk("s1", 1)))

	_, err := w.db.ExecContext(ctx, `UPDATE chunks SET payload = X'00' WHERE chunk_number = 1`)
	require.NoError(t, err)

	_, err = w.ReadChunk(ctx, "s1", ChunkAudio, 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCorruptRecord)

	var ce *CorruptRecordError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "chunks", ce.Collection)
	assert.Equal(t, "s1/audio/1", ce.Key)

	_, err = w.ReadChunk(ctx, "s1", ChunkAudio, 0)
	assert.NoError(t, err)
}
