package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/corpus/internal/ir"
)

// TraceSnapshot is the golden form of a scenario run.
type TraceSnapshot struct {
	Scenario string       `json:"scenario"`
	Trace    []TraceEvent `json:"trace"`
}

// Canonical returns the snapshot as canonical JSON.
func (s *TraceSnapshot) Canonical() ([]byte, error) {
	trace := make(ir.Array, len(s.Trace))
	for i, ev := range s.Trace {
		audit := make(ir.Array, len(ev.Audit))
		for j, tag := range ev.Audit {
			audit[j] = ir.String(tag)
		}
		args := ev.Args
		if args == nil {
			args = ir.Object{}
		}
		obj := ir.Obj(
			ir.O("seq", ir.Int(ev.Seq)),
			ir.O("op", ir.String(ev.Op)),
			ir.O("args", args),
			ir.O("outcome", ir.String(ev.Outcome)),
			ir.O("audit", audit),
		)
		if ev.Result != nil {
			obj["result"] = ev.Result
		}
		trace[i] = obj
	}
	return ir.MarshalCanonical(ir.Obj(
		ir.O("scenario", ir.String(s.Scenario)),
		ir.O("trace", trace),
	))
}

// RunWithGolden executes a scenario and compares its trace against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns the result so callers can also check Pass.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares an existing result's trace against a golden file.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	snapshot := TraceSnapshot{Scenario: scenarioName, Trace: result.Trace}
	traceJSON, err := snapshot.Canonical()
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, traceJSON)
	return nil
}
