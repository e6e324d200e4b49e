package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/corpus/internal/store"
)

// Scenario drives the job lifecycle through a fixed list of steps and
// asserts on the resulting trace and final state.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Steps run in order against a fresh container.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final trace and state.
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// Step operations.
const (
	OpSubmitChunk = "submit_chunk"
	OpRequestJob  = "request_job"
	OpStart       = "start"
	OpAdvance     = "advance"
	OpFail        = "fail"
	OpResume      = "resume"
	OpCancel      = "cancel"
	OpFinish      = "finish"
	OpRecover     = "recover"
)

// Step is one lifecycle call. Which fields apply depends on Op:
//
//	submit_chunk  session, chunk, kind (default audio), payload
//	request_job   session, kind (default transcription)
//	start         job
//	advance       job, chunk, output
//	fail          job, chunk, error
//	resume        job, from
//	cancel        job
//	finish        job, total
//	recover
//
// Job ids are assigned in submission order as job-1, job-2, ...
type Step struct {
	Op      string  `yaml:"op"`
	Session string  `yaml:"session,omitempty"`
	Job     string  `yaml:"job,omitempty"`
	Kind    string  `yaml:"kind,omitempty"`
	Chunk   *int64  `yaml:"chunk,omitempty"`
	Payload string  `yaml:"payload,omitempty"`
	Output  string  `yaml:"output,omitempty"`
	Error   string  `yaml:"error,omitempty"`
	From    *int64  `yaml:"from,omitempty"`
	Total   *int64  `yaml:"total,omitempty"`
	Expect  *Expect `yaml:"expect,omitempty"`
}

// Expect checks a step's outcome. Unset fields are not checked.
type Expect struct {
	// Error is the expected error kind; empty means the step must succeed.
	Error     string `yaml:"error,omitempty"`
	Status    string `yaml:"status,omitempty"`
	Processed *int64 `yaml:"processed,omitempty"`
	Next      *int64 `yaml:"next,omitempty"`
	StoppedAt *int64 `yaml:"stopped_at,omitempty"`
	Warning   *bool  `yaml:"warning,omitempty"`
}

// Assertion validates the trace or the final state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Action is an audit action (trace_contains, trace_count).
	Action string `yaml:"action,omitempty"`

	// Actions is the expected audit action order (trace_order).
	Actions []string `yaml:"actions,omitempty"`

	// Count is the expected number of occurrences (trace_count, chunk_count).
	Count int `yaml:"count,omitempty"`

	// Job selects the job for final_state.
	Job string `yaml:"job,omitempty"`

	// Expect holds job view fields for final_state. Subset match.
	Expect map[string]any `yaml:"expect,omitempty"`

	// Session and Kind select the stream for chunk_count.
	Session string `yaml:"session,omitempty"`
	Kind    string `yaml:"kind,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
	AssertChunkCount    = "chunk_count"
)

// LoadScenario reads and parses a scenario YAML file.
// Unknown fields are rejected so a misspelled key fails loudly.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		if err := validateStep(step); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(a); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

func validateStep(step Step) error {
	need := func(ok bool, field string) error {
		if !ok {
			return fmt.Errorf("%s requires %s", step.Op, field)
		}
		return nil
	}

	switch step.Op {
	case OpSubmitChunk:
		if err := need(step.Session != "", "session"); err != nil {
			return err
		}
		if step.Kind != "" && !store.ChunkKind(step.Kind).Valid() {
			return fmt.Errorf("invalid chunk kind %q", step.Kind)
		}
		return need(step.Chunk != nil, "chunk")
	case OpRequestJob:
		if step.Kind != "" && !store.JobKind(step.Kind).Valid() {
			return fmt.Errorf("invalid job kind %q", step.Kind)
		}
		return need(step.Session != "", "session")
	case OpStart, OpCancel:
		return need(step.Job != "", "job")
	case OpAdvance:
		if err := need(step.Job != "", "job"); err != nil {
			return err
		}
		return need(step.Chunk != nil, "chunk")
	case OpFail:
		if err := need(step.Job != "", "job"); err != nil {
			return err
		}
		if err := need(step.Chunk != nil, "chunk"); err != nil {
			return err
		}
		return need(step.Error != "", "error")
	case OpResume:
		if err := need(step.Job != "", "job"); err != nil {
			return err
		}
		return need(step.From != nil, "from")
	case OpFinish:
		if err := need(step.Job != "", "job"); err != nil {
			return err
		}
		return need(step.Total != nil, "total")
	case OpRecover:
		return nil
	case "":
		return fmt.Errorf("op is required")
	default:
		return fmt.Errorf("unknown op %q", step.Op)
	}
}

func validateAssertion(a Assertion) error {
	switch a.Type {
	case AssertTraceContains:
		if a.Action == "" {
			return fmt.Errorf("trace_contains requires action")
		}
	case AssertTraceOrder:
		if len(a.Actions) < 2 {
			return fmt.Errorf("trace_order requires at least 2 actions")
		}
	case AssertTraceCount:
		if a.Action == "" {
			return fmt.Errorf("trace_count requires action")
		}
		if a.Count < 0 {
			return fmt.Errorf("trace_count requires non-negative count")
		}
	case AssertFinalState:
		if a.Job == "" {
			return fmt.Errorf("final_state requires job")
		}
	case AssertChunkCount:
		if a.Session == "" || a.Kind == "" {
			return fmt.Errorf("chunk_count requires session and kind")
		}
		if !store.ChunkKind(a.Kind).Valid() {
			return fmt.Errorf("invalid chunk kind %q", a.Kind)
		}
	case "":
		return fmt.Errorf("type is required")
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}
