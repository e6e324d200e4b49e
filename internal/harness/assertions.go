package harness

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/roach88/corpus/internal/engine"
	"github.com/roach88/corpus/internal/ir"
	"github.com/roach88/corpus/internal/store"
)

// AssertionError is returned when an assertion fails.
// It includes the trace to help debug the failure.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	fmt.Fprintf(&buf, "\nFull trace:\n")
	for _, event := range e.Trace {
		fmt.Fprintf(&buf, "  [%d] %s %s -> %s %v\n", event.Seq, event.Op, ir.MustMarshalCanonical(event.Args), event.Outcome, event.Audit)
	}
	return buf.String()
}

// AssertionContext gives final_state and chunk_count access to the
// scenario's container.
type AssertionContext struct {
	Ctx    context.Context
	Store  *store.Store
	Engine *engine.Engine
}

// auditActions flattens the audit tags of every step in order.
func auditActions(trace []TraceEvent) []string {
	var out []string
	for _, ev := range trace {
		out = append(out, ev.Audit...)
	}
	return out
}

func assertTraceContains(trace []TraceEvent, assertion Assertion) error {
	for _, action := range auditActions(trace) {
		if action == assertion.Action {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("audit action %s", assertion.Action),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks that actions first occur in the given order.
// Intervening actions are allowed.
func assertTraceOrder(trace []TraceEvent, assertion Assertion) error {
	positions := make(map[string]int)
	for i, action := range auditActions(trace) {
		if _, seen := positions[action]; !seen {
			positions[action] = i + 1
		}
	}

	for _, action := range assertion.Actions {
		if positions[action] == 0 {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("all actions present: %v", assertion.Actions),
				Actual:   fmt.Sprintf("missing action: %s", action),
				Trace:    trace,
			}
		}
	}

	for i := 1; i < len(assertion.Actions); i++ {
		prev := assertion.Actions[i-1]
		curr := assertion.Actions[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("actions in order: %v", assertion.Actions),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}
	return nil
}

func assertTraceCount(trace []TraceEvent, assertion Assertion) error {
	count := 0
	for _, action := range auditActions(trace) {
		if action == assertion.Action {
			count++
		}
	}
	if count != assertion.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", assertion.Count, assertion.Action),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertFinalState compares the job's current view against the expected
// fields. Fields not listed are ignored.
func assertFinalState(actx *AssertionContext, trace []TraceEvent, assertion Assertion) error {
	view, err := actx.Engine.Status(actx.Ctx, assertion.Job)
	if err != nil {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("job %s", assertion.Job),
			Actual:   err.Error(),
			Trace:    trace,
		}
	}
	actual := jobResult(view)

	for key, want := range assertion.Expect {
		got, ok := actual[key]
		if !ok {
			got = ir.Null{}
		}
		if !valuesEqual(got, want) {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("job %s %s = %v", assertion.Job, key, want),
				Actual:   fmt.Sprintf("%s = %s", key, ir.MustMarshalCanonical(got)),
				Trace:    trace,
			}
		}
	}
	return nil
}

func assertChunkCount(actx *AssertionContext, trace []TraceEvent, assertion Assertion) error {
	chunks, err := actx.Store.ListChunks(actx.Ctx, assertion.Session, store.ChunkKind(assertion.Kind))
	if err != nil {
		return fmt.Errorf("chunk_count: %w", err)
	}
	if len(chunks) != assertion.Count {
		return &AssertionError{
			Type:     AssertChunkCount,
			Expected: fmt.Sprintf("%d %s chunks in session %s", assertion.Count, assertion.Kind, assertion.Session),
			Actual:   fmt.Sprintf("%d chunks", len(chunks)),
			Trace:    trace,
		}
	}
	return nil
}

// valuesEqual compares an ir value with a YAML-decoded one by their
// canonical encodings.
func valuesEqual(actual ir.Value, expected any) bool {
	want, err := ir.MarshalCanonical(expected)
	if err != nil {
		return false
	}
	got, err := ir.MarshalCanonical(actual)
	if err != nil {
		return false
	}
	return bytes.Equal(got, want)
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errs []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, assertion)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, assertion)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, assertion)
		case AssertFinalState, AssertChunkCount:
			if actx == nil || actx.Store == nil || actx.Engine == nil {
				err = fmt.Errorf("assertion[%d]: %s requires a container", i, assertion.Type)
			} else if assertion.Type == AssertFinalState {
				err = assertFinalState(actx, result.Trace, assertion)
			} else {
				err = assertChunkCount(actx, result.Trace, assertion)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errs = append(errs, err.Error())
		}
	}
	return errs
}
