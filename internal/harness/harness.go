package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/roach88/corpus/internal/auditlog"
	"github.com/roach88/corpus/internal/engine"
	"github.com/roach88/corpus/internal/ids"
	"github.com/roach88/corpus/internal/ir"
	"github.com/roach88/corpus/internal/store"
	"github.com/roach88/corpus/internal/testutil"
)

// Harness executes one scenario against a fresh container.
type Harness struct {
	store    *store.Store
	engine   *engine.Engine
	recorder *recorder
	logger   *slog.Logger
	seq      int64
}

// recorder keeps the audit tags emitted by the store and the engine.
type recorder struct {
	mu   sync.Mutex
	tags []string
}

func (r *recorder) Emit(_ context.Context, e auditlog.Entry) (string, error) {
	tag := e.Action
	if !e.OK {
		kind := "error"
		if s, ok := e.Details["error"].(ir.String); ok {
			kind = string(s)
		}
		tag += ":" + kind
	}
	r.mu.Lock()
	r.tags = append(r.tags, tag)
	r.mu.Unlock()
	return "", nil
}

// since returns the tags recorded after the first n.
func (r *recorder) since(n int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.tags)-n)
	copy(out, r.tags[n:])
	return out
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tags)
}

// Run executes a scenario and returns its trace.
//
// Execution flow:
//  1. Create a container in a fresh temporary directory
//  2. Run every step synchronously through the engine and the store
//  3. Check each step's expect clause
//  4. Evaluate assertions against the trace and the final state
//
// Job ids, timestamps and audit tags are deterministic, so the same
// scenario always produces the same trace. Returned errors are
// infrastructure failures; expectation failures land in Result.Errors.
func Run(scenario *Scenario) (*Result, error) {
	dir, err := os.MkdirTemp("", "corpus-scenario-")
	if err != nil {
		return nil, fmt.Errorf("failed to create scenario directory: %w", err)
	}
	defer os.RemoveAll(dir)

	ctx := context.Background()
	clock := testutil.NewDeterministicClock()
	rec := &recorder{}

	st, err := store.Open(ctx, filepath.Join(dir, "corpus.db"), store.ModeWriter,
		store.WithAuditor(rec), store.WithClock(clock.Now))
	if err != nil {
		return nil, fmt.Errorf("failed to open scenario store: %w", err)
	}
	defer st.Close()

	h := &Harness{
		store: st,
		engine: engine.New(st,
			engine.WithAuditor(rec),
			engine.WithIDs(ids.NewSequenceGenerator("job")),
			engine.WithClock(clock.Now),
		),
		recorder: rec,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	result := NewResult()
	for i, step := range scenario.Steps {
		ev := h.execute(ctx, step)
		result.AddTrace(ev)
		if step.Expect != nil {
			if msg := checkExpect(step.Expect, ev); msg != "" {
				result.AddError(fmt.Sprintf("step %d (%s): %s", i, step.Op, msg))
			}
		}
		h.logger.Info("scenario step", "step", i, "op", step.Op, "outcome", ev.Outcome)
	}

	actx := &AssertionContext{Ctx: ctx, Store: st, Engine: h.engine}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

func (h *Harness) execute(ctx context.Context, step Step) TraceEvent {
	h.seq++
	mark := h.recorder.len()

	res, err := h.dispatch(ctx, step)

	ev := TraceEvent{
		Seq:     h.seq,
		Op:      step.Op,
		Args:    stepArgs(step),
		Outcome: OutcomeOK,
		Audit:   h.recorder.since(mark),
	}
	if err != nil {
		ev.Outcome = store.ErrorKind(err)
		h.logger.Debug("step rejected", "op", step.Op, "error", err)
		return ev
	}
	ev.Result = res
	return ev
}

func (h *Harness) dispatch(ctx context.Context, step Step) (ir.Object, error) {
	switch step.Op {
	case OpSubmitChunk:
		kind := store.ChunkAudio
		if step.Kind != "" {
			kind = store.ChunkKind(step.Kind)
		}
		payload := []byte(step.Payload)
		if step.Payload == "" {
			payload = []byte(fmt.Sprintf("%s-%d", kind, *step.Chunk))
		}
		err := h.store.AppendChunk(ctx, store.Chunk{
			SessionID: step.Session, Kind: kind, Number: *step.Chunk, Payload: payload,
		})
		if err != nil {
			return nil, err
		}
		return ir.Obj(ir.O("chunk_number", ir.Int(*step.Chunk))), nil

	case OpRequestJob:
		kind := store.JobTranscription
		if step.Kind != "" {
			kind = store.JobKind(step.Kind)
		}
		id, err := h.engine.Submit(ctx, step.Session, kind)
		if err != nil {
			return nil, err
		}
		return h.jobView(h.engine.Status(ctx, id))

	case OpStart:
		return h.jobView(h.engine.Start(ctx, step.Job))

	case OpAdvance:
		output := []byte(step.Output)
		if step.Output == "" {
			output = []byte(fmt.Sprintf("out-%d", *step.Chunk))
		}
		return h.jobView(h.engine.Advance(ctx, step.Job, engine.ChunkResult{Number: *step.Chunk, Payload: output}))

	case OpFail:
		return h.jobView(h.engine.Advance(ctx, step.Job, engine.ChunkResult{Number: *step.Chunk, Err: errors.New(step.Error)}))

	case OpResume:
		rr, err := h.engine.Resume(ctx, step.Job, *step.From)
		if err != nil {
			return nil, err
		}
		obj := jobResult(rr.JobStatusView)
		if rr.Warning != "" {
			obj["warning"] = ir.String(rr.Warning)
		}
		return obj, nil

	case OpCancel:
		return h.jobView(h.engine.Cancel(ctx, step.Job))

	case OpFinish:
		return h.jobView(h.engine.SetTotalChunks(ctx, step.Job, *step.Total))

	case OpRecover:
		points, err := h.engine.Recover(ctx)
		if err != nil {
			return nil, err
		}
		arr := make(ir.Array, len(points))
		for i, p := range points {
			arr[i] = ir.Obj(
				ir.O("job_id", ir.String(p.JobID)),
				ir.O("realigned", ir.Bool(p.Realigned)),
				ir.O("resume_from", ir.Int(p.ResumeFrom)),
			)
		}
		return ir.Obj(ir.O("points", arr)), nil
	}
	return nil, fmt.Errorf("unknown op %q", step.Op)
}

func (h *Harness) jobView(v engine.JobStatusView, err error) (ir.Object, error) {
	if err != nil {
		return nil, err
	}
	return jobResult(v), nil
}

// jobResult is the deterministic part of a job view.
func jobResult(v engine.JobStatusView) ir.Object {
	obj := ir.Obj(
		ir.O("job_id", ir.String(v.JobID)),
		ir.O("status", ir.String(v.Status)),
		ir.O("processed_chunks", ir.Int(v.ProcessedChunks)),
		ir.O("total_chunks", ir.Int(v.TotalChunks)),
		ir.O("next_chunk", ir.Int(v.NextChunk)),
	)
	if v.StoppedAtChunk != nil {
		obj["stopped_at_chunk"] = ir.Int(*v.StoppedAtChunk)
	}
	if v.Error != "" {
		obj["error"] = ir.String(v.Error)
	}
	return obj
}

func stepArgs(step Step) ir.Object {
	args := ir.Object{}
	set := func(key, val string) {
		if val != "" {
			args[key] = ir.String(val)
		}
	}
	setInt := func(key string, val *int64) {
		if val != nil {
			args[key] = ir.Int(*val)
		}
	}
	set("session", step.Session)
	set("job", step.Job)
	set("kind", step.Kind)
	set("payload", step.Payload)
	set("output", step.Output)
	set("error", step.Error)
	setInt("chunk", step.Chunk)
	setInt("from", step.From)
	setInt("total", step.Total)
	return args
}

// checkExpect returns a description of the first mismatch, or "".
func checkExpect(exp *Expect, ev TraceEvent) string {
	want := exp.Error
	if want == "" {
		want = OutcomeOK
	}
	if ev.Outcome != want {
		return fmt.Sprintf("expected outcome %q, got %q", want, ev.Outcome)
	}
	if ev.Result == nil {
		return ""
	}

	if exp.Status != "" && ev.Result["status"] != ir.String(exp.Status) {
		return fmt.Sprintf("expected status %s, got %v", exp.Status, ev.Result["status"])
	}
	if exp.Processed != nil && ev.Result["processed_chunks"] != ir.Int(*exp.Processed) {
		return fmt.Sprintf("expected processed_chunks %d, got %v", *exp.Processed, ev.Result["processed_chunks"])
	}
	if exp.Next != nil && ev.Result["next_chunk"] != ir.Int(*exp.Next) {
		return fmt.Sprintf("expected next_chunk %d, got %v", *exp.Next, ev.Result["next_chunk"])
	}
	if exp.StoppedAt != nil && ev.Result["stopped_at_chunk"] != ir.Int(*exp.StoppedAt) {
		return fmt.Sprintf("expected stopped_at_chunk %d, got %v", *exp.StoppedAt, ev.Result["stopped_at_chunk"])
	}
	if exp.Warning != nil {
		_, has := ev.Result["warning"]
		if has != *exp.Warning {
			return fmt.Sprintf("expected warning=%t", *exp.Warning)
		}
	}
	return ""
}
