// Package engine implements the job lifecycle state machine.
//
// A job moves through
//
//	queued --start--> processing --last chunk--> completed
//	processing --fatal chunk--> failed --resume--> processing
//	queued|processing --cancel--> cancelled
//
// Every transition is persisted through the corpus store before it is
// reported, audited on the server channel and counted in metrics.
//
// Calls are serialised by the Engine, so a cancel observed while a chunk is
// being committed lands after that commit, never in the middle of it.
// A chunk result and the job progress it produces are committed in one
// store transaction: after a crash processed_chunks always matches the
// committed output stream, and recovery resumes from there.
//
// The engine never retries a chunk. Retry policy belongs to the caller
// (see internal/pipeline).
package engine
