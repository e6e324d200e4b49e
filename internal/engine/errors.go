package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/corpus/internal/store"
)

// ErrInvalidTransition matches every *TransitionError via errors.Is.
var ErrInvalidTransition = errors.New("invalid job transition")

// TransitionError represents a lifecycle call the job's state does not allow.
//
// It carries the job, the requested operation and the state it was in, so
// operators can tell a late cancel from a resume of a running job.
type TransitionError struct {
	// Code identifies the error category.
	Code TransitionErrorCode

	// JobID identifies the affected job.
	JobID string

	// Op is the lifecycle operation that was refused (start, advance, ...).
	Op string

	// From is the job's status when the call arrived.
	From store.JobStatus

	// Message is a human-readable description.
	Message string
}

// TransitionErrorCode categorizes lifecycle errors.
type TransitionErrorCode string

const (
	// ErrCodeInvalidState indicates the operation is not valid from the job's status.
	ErrCodeInvalidState TransitionErrorCode = "INVALID_STATE"

	// ErrCodeInvalidTotal indicates a total below the processed count.
	ErrCodeInvalidTotal TransitionErrorCode = "INVALID_TOTAL"

	// ErrCodeChunkOutOfRange indicates a chunk at or beyond the known total.
	ErrCodeChunkOutOfRange TransitionErrorCode = "CHUNK_OUT_OF_RANGE"
)

// Error implements the error interface.
func (e *TransitionError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s %s (job=%s, status=%s)", e.Code, e.Op, e.Message, e.JobID, e.From)
	}
	return fmt.Sprintf("%s: cannot %s job %s in status %s", e.Code, e.Op, e.JobID, e.From)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// Kind is the stable name recorded in audit details.
func (e *TransitionError) Kind() string {
	return "invalid_transition"
}

// IsInvalidTransition reports whether err is a lifecycle error.
// Uses errors.As to handle wrapped errors.
func IsInvalidTransition(err error) bool {
	var te *TransitionError
	return errors.As(err, &te)
}

func invalidState(job store.Job, op string) *TransitionError {
	return &TransitionError{Code: ErrCodeInvalidState, JobID: job.ID, Op: op, From: job.Status}
}
