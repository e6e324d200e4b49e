package auditlog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/corpus/internal/ids"
	"github.com/roach88/corpus/internal/ir"
	"github.com/roach88/corpus/internal/testutil"
)

func newTestEmitter(t *testing.T) *Emitter {
	t.Helper()
	l := openTestLog(t, t.TempDir())
	clock := testutil.NewDeterministicClock()
	return NewEmitter(l,
		WithHost("node-1"),
		WithClock(clock.Now),
		WithIDs(ids.NewSequenceGenerator("id")),
	)
}

func TestEmitter_FillsAmbientFields(t *testing.T) {
	e := newTestEmitter(t)

	hash, err := e.Emit(context.Background(), Entry{
		Service:   ServiceStorage,
		Level:     LevelInfo,
		Action:    "chunk.append",
		OK:        true,
		SessionID: "sess-1",
		Latency:   1500 * time.Millisecond,
		Details:   ir.Obj(ir.O("chunk_number", ir.Int(0))),
	})
	require.NoError(t, err)
	require.NotEmpty(t, hash)

	records, err := e.Log().Entries(0, 0)
	require.NoError(t, err)
	ev, err := records[0].Decode()
	require.NoError(t, err)

	assert.Equal(t, testutil.Epoch, ev.Timestamp.UTC())
	assert.Equal(t, "node-1", ev.Host)
	assert.Equal(t, "id-1", ev.TraceID)
	assert.Equal(t, "id-2", ev.SpanID)
	assert.Equal(t, SystemUser, ev.User)
	assert.Equal(t, RoleSystem, ev.Role)
	assert.Equal(t, "sess-1", ev.SessionID)
	require.NotNil(t, ev.LatencyMS)
	assert.Equal(t, int64(1500), *ev.LatencyMS)
	assert.False(t, ev.PII)
}

func TestEmitter_ActorAndTraceFromContext(t *testing.T) {
	e := newTestEmitter(t)

	ctx := WithTrace(WithActor(context.Background(), "alice@example.org", RoleAnalyst), "trace-42")
	_, err := e.Emit(ctx, Entry{Service: ServiceAccess, Level: LevelAudit, Action: "export", OK: true, Ref: "exp-1"})
	require.NoError(t, err)
	_, err = e.Emit(ctx, Entry{Service: ServiceAccess, Level: LevelAudit, Action: "export", OK: true, Ref: "exp-2"})
	require.NoError(t, err)

	records, err := e.Log().Entries(0, 1)
	require.NoError(t, err)
	first, err := records[0].Decode()
	require.NoError(t, err)
	second, err := records[1].Decode()
	require.NoError(t, err)

	assert.Equal(t, HashUser("alice@example.org"), first.User)
	assert.NotContains(t, first.User, "alice")
	assert.Equal(t, RoleAnalyst, first.Role)
	assert.Equal(t, "trace-42", first.TraceID)
	assert.Equal(t, first.TraceID, second.TraceID)
	assert.NotEqual(t, first.SpanID, second.SpanID)
	assert.Equal(t, "exp-1", first.Ref)
}

func TestEmitter_InvalidEntryNotAppended(t *testing.T) {
	e := newTestEmitter(t)

	_, err := e.Emit(context.Background(), Entry{Service: "billing", Level: LevelInfo, Action: "x"})
	require.Error(t, err)
	assert.Equal(t, int64(0), e.Log().Len())
}

func TestHashUser_Stable(t *testing.T) {
	assert.Equal(t, HashUser("bob"), HashUser("bob"))
	assert.NotEqual(t, HashUser("bob"), HashUser("carol"))
	assert.Len(t, HashUser("bob"), 18)
}

func TestDiscard(t *testing.T) {
	hash, err := Discard.Emit(context.Background(), Entry{Action: "anything"})
	require.NoError(t, err)
	assert.Empty(t, hash)
}
