package harness

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/corpus/internal/ir"
)

func TestScenarioGoldens(t *testing.T) {
	paths, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		scenario, err := LoadScenario(path)
		require.NoError(t, err, path)

		t.Run(scenario.Name, func(t *testing.T) {
			result, err := RunWithGolden(t, scenario)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
		})
	}
}

func TestTraceSnapshot_Canonical(t *testing.T) {
	snap := TraceSnapshot{
		Scenario: "tiny",
		Trace: []TraceEvent{
			{Seq: 1, Op: OpCancel, Args: ir.Obj(ir.O("job", ir.String("job-1"))), Outcome: "not_found", Audit: []string{}},
		},
	}
	out, err := snap.Canonical()
	require.NoError(t, err)
	assert.Equal(t,
		`{"scenario":"tiny","trace":[{"args":{"job":"job-1"},"audit":[],"op":"cancel","outcome":"not_found","seq":1}]}`,
		string(out))
}

func TestRun_Deterministic(t *testing.T) {
	scenario, err := LoadScenario("testdata/scenarios/conflicts_and_recovery.yaml")
	require.NoError(t, err)

	first, err := Run(scenario)
	require.NoError(t, err)
	second, err := Run(scenario)
	require.NoError(t, err)

	a, err := (&TraceSnapshot{Scenario: scenario.Name, Trace: first.Trace}).Canonical()
	require.NoError(t, err)
	b, err := (&TraceSnapshot{Scenario: scenario.Name, Trace: second.Trace}).Canonical()
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}
