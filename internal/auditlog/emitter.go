package auditlog

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/corpus/internal/ids"
	"github.com/roach88/corpus/internal/ir"
)

// Entry is what components hand to an Auditor. The Emitter fills in the
// ambient fields (time, host, trace, actor).
type Entry struct {
	Service   Service
	Level     Level
	Action    string
	OK        bool
	SessionID string
	Ref       string
	Latency   time.Duration // zero omits latency_ms
	Details   ir.Object
}

// Auditor records audit entries. Implemented by *Emitter and Discard.
type Auditor interface {
	Emit(ctx context.Context, e Entry) (string, error)
}

// Discard drops every entry. Used by tools that must not write audit records.
var Discard Auditor = discard{}

type discard struct{}

func (discard) Emit(context.Context, Entry) (string, error) { return "", nil }

// Emitter turns entries into events, appends them to a Log and mirrors
// them to slog.
type Emitter struct {
	log   *Log
	host  string
	clock ids.Clock
	ids   func() string
}

// EmitterOption configures an Emitter.
type EmitterOption func(*Emitter)

// WithHost overrides the host recorded on events.
func WithHost(host string) EmitterOption {
	return func(e *Emitter) {
		if host != "" {
			e.host = host
		}
	}
}

// WithClock sets the timestamp source.
func WithClock(clock ids.Clock) EmitterOption {
	return func(e *Emitter) {
		e.clock = clock
	}
}

// WithIDs sets the trace/span id source.
func WithIDs(gen ids.Generator) EmitterOption {
	return func(e *Emitter) {
		e.ids = gen.Generate
	}
}

// NewEmitter creates an Emitter writing to log.
func NewEmitter(log *Log, opts ...EmitterOption) *Emitter {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	e := &Emitter{
		log:   log,
		host:  host,
		clock: ids.SystemClock,
		ids:   randomID,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Log returns the underlying log.
func (e *Emitter) Log() *Log {
	return e.log
}

// Emit appends the entry and returns the event's content hash.
func (e *Emitter) Emit(ctx context.Context, entry Entry) (string, error) {
	user, role := actorFrom(ctx)
	traceID, ok := ctx.Value(traceKey{}).(string)
	if !ok || traceID == "" {
		traceID = e.ids()
	}

	ev := Event{
		Timestamp: e.clock(),
		Host:      e.host,
		Service:   entry.Service,
		Level:     entry.Level,
		TraceID:   traceID,
		SpanID:    e.ids(),
		SessionID: entry.SessionID,
		User:      user,
		Role:      role,
		Action:    entry.Action,
		OK:        entry.OK,
		Ref:       entry.Ref,
		Details:   entry.Details,
	}
	if entry.Latency > 0 {
		ms := entry.Latency.Milliseconds()
		ev.LatencyMS = &ms
	}

	hash, err := e.log.Append(ctx, ev)
	if err != nil {
		slog.Error("audit append failed", "action", entry.Action, "error", err)
		return "", err
	}

	slog.Log(ctx, slogLevel(entry.Level), "audit: "+entry.Action, mirrorAttrs(ev, hash)...)
	return hash, nil
}

func mirrorAttrs(ev Event, hash string) []any {
	attrs := []any{
		"service", string(ev.Service),
		"ok", ev.OK,
		"trace_id", ev.TraceID,
		"content_hash", hash,
	}
	if ev.Level == LevelAudit {
		attrs = append(attrs, "audit", true)
	}
	if ev.SessionID != "" {
		attrs = append(attrs, "session_id", ev.SessionID)
	}
	if ev.Ref != "" {
		attrs = append(attrs, "ref", ev.Ref)
	}
	for _, k := range ev.Details.SortedKeys() {
		if s, ok := ev.Details[k].(ir.String); ok {
			attrs = append(attrs, k, string(s))
		}
	}
	return attrs
}

func slogLevel(l Level) slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func randomID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

type actorKey struct{}
type traceKey struct{}

type actor struct {
	user string
	role Role
}

// WithActor attaches the acting user to ctx. The raw id is hashed before
// it reaches any event.
func WithActor(ctx context.Context, userID string, role Role) context.Context {
	return context.WithValue(ctx, actorKey{}, actor{user: HashUser(userID), role: role})
}

// WithTrace attaches a trace id to ctx so related events share it.
func WithTrace(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// HashUser returns the pseudonymous user reference recorded on events.
func HashUser(userID string) string {
	return "u_" + ir.HashWithDomain(ir.DomainUser, []byte(userID))[:16]
}

func actorFrom(ctx context.Context) (string, Role) {
	if a, ok := ctx.Value(actorKey{}).(actor); ok {
		return a.user, a.role
	}
	return SystemUser, RoleSystem
}
