// Package harness runs job lifecycle scenarios against a real container.
//
// A scenario is a list of lifecycle steps executed synchronously through
// the engine and the store, followed by assertions on the audit trail and
// the final job state. Runs are deterministic, so their traces can be
// compared byte for byte against golden files.
//
// # Scenario Format
//
//	name: resume_after_failure
//	description: "A failed job resumes at its stopping chunk"
//	steps:
//	  - op: submit_chunk
//	    session: s1
//	    chunk: 0
//	  - op: request_job
//	    session: s1
//	    expect: { status: queued }
//	  - op: fail
//	    job: job-1
//	    chunk: 0
//	    error: "provider unavailable"
//	    expect: { status: failed, stopped_at: 0 }
//	  - op: resume
//	    job: job-1
//	    from: 0
//	assertions:
//	  - type: trace_order
//	    actions: [job.submit, job.fail, job.resume]
//	  - type: final_state
//	    job: job-1
//	    expect: { status: processing }
//
// Rejected steps are not fatal: their outcome is the stable error kind
// (job_conflict, out_of_order_chunk, invalid_transition, ...), which an
// expect clause can name.
//
// # Assertion Types
//
//   - trace_contains: an audit action appears in the trace
//   - trace_order: audit actions first appear in the given order
//   - trace_count: an audit action appears exactly N times
//   - final_state: a job's view matches the expected fields
//   - chunk_count: a session stream holds exactly N chunks
//
// Audit actions are written as emitted ("job.advance", "chunk.append");
// rejected operations carry their error kind ("chunk.append:out_of_order_chunk").
//
// # Deterministic Testing
//
// Every run uses a fresh container in a temporary directory, job ids
// job-1, job-2, ... in submission order and testutil.DeterministicClock.
package harness
