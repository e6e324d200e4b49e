package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/roach88/corpus/internal/auditlog"
	"github.com/roach88/corpus/internal/testutil"
)

// createTestStore creates a writer on a fresh container for testing.
func createTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "corpus.db")
	opts = append([]Option{WithClock(testutil.NewDeterministicClock().Now)}, opts...)
	s, err := Open(context.Background(), path, ModeWriter, opts...)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// openTestReader opens a reader on the writer's container.
func openTestReader(t *testing.T, w *Store) *Store {
	t.Helper()
	r, err := Open(context.Background(), w.Path(), ModeReader)
	if err != nil {
		t.Fatalf("Open(reader) failed: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func audioChunk(sessionID string, n int64) Chunk {
	return Chunk{
		SessionID: sessionID,
		Kind:      ChunkAudio,
		Number:    n,
		Payload:   []byte{byte(n), byte(n >> 8), 0xFF},
	}
}

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

func (a *recordingAuditor) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.entries))
	for i, e := range a.entries {
		out[i] = e.Action
	}
	return out
}

func (a *recordingAuditor) last() auditlog.Entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.entries[len(a.entries)-1]
}
