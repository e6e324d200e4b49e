package harness

import "github.com/roach88/corpus/internal/ir"

// Outcome of a step that returned no error.
const OutcomeOK = "ok"

// TraceEvent records one executed step.
//
// Outcome is OutcomeOK or the stable error kind of the returned error.
// Audit lists the audit events the step emitted, as "<action>" for
// accepted operations and "<action>:<error kind>" for rejected ones.
type TraceEvent struct {
	Seq     int64     `json:"seq"`
	Op      string    `json:"op"`
	Args    ir.Object `json:"args"`
	Outcome string    `json:"outcome"`
	Result  ir.Object `json:"result,omitempty"`
	Audit   []string  `json:"audit"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true if every expect clause and assertion matched.
	Pass bool `json:"pass"`

	// Trace contains the executed steps in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains expectation and assertion failures.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddTrace appends a step to the trace.
func (r *Result) AddTrace(ev TraceEvent) {
	r.Trace = append(r.Trace, ev)
}
