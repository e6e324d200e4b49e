package store

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrReadOnly is returned by write operations on a reader handle.
	ErrReadOnly = errors.New("store opened read-only")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("store closed")

	ErrLockContention  = errors.New("lock contention")
	ErrOutOfOrderChunk = errors.New("out of order chunk")
	ErrJobConflict     = errors.New("job conflict")
	ErrCorruptRecord   = errors.New("corrupt record")
)

// Kinded errors carry a stable name recorded in audit details.
type Kinded interface {
	error
	Kind() string
}

// ErrorKind returns the stable kind of err, or "storage_error" when err
// carries none.
func ErrorKind(err error) string {
	var k Kinded
	if errors.As(err, &k) {
		return k.Kind()
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrReadOnly):
		return "read_only"
	}
	return "storage_error"
}

// LockContentionError is returned when a writer lock is already held.
type LockContentionError struct {
	Path   string
	Holder LockInfo
}

func (e *LockContentionError) Error() string {
	state := "alive"
	if !e.Holder.Alive {
		state = "stale"
	}
	return fmt.Sprintf("lock contention: %s held by pid %d on %s since %s (%s)",
		e.Path, e.Holder.PID, e.Holder.Host, e.Holder.AcquiredAt.Format("2006-01-02T15:04:05Z07:00"), state)
}

func (e *LockContentionError) Is(target error) bool { return target == ErrLockContention }
func (e *LockContentionError) Kind() string         { return "lock_contention" }

// OutOfOrderChunkError is returned when an append would leave a gap or
// duplicate a chunk number.
type OutOfOrderChunkError struct {
	SessionID string
	ChunkKind ChunkKind
	Got       int64
	Want      int64
}

func (e *OutOfOrderChunkError) Error() string {
	return fmt.Sprintf("out of order chunk: session %s %s chunk %d, expected %d",
		e.SessionID, e.ChunkKind, e.Got, e.Want)
}

func (e *OutOfOrderChunkError) Is(target error) bool { return target == ErrOutOfOrderChunk }
func (e *OutOfOrderChunkError) Kind() string         { return "out_of_order_chunk" }

// JobConflictError is returned when a session already has an active job.
type JobConflictError struct {
	SessionID     string
	ExistingJobID string
}

func (e *JobConflictError) Error() string {
	return fmt.Sprintf("job conflict: session %s already has active job %s", e.SessionID, e.ExistingJobID)
}

func (e *JobConflictError) Is(target error) bool { return target == ErrJobConflict }
func (e *JobConflictError) Kind() string         { return "job_conflict" }

// CorruptRecordError describes a record that fails its checksum or cannot
// be decoded.
type CorruptRecordError struct {
	Collection string
	Key        string
	Reason     string
}

func (e *CorruptRecordError) Error() string {
	return fmt.Sprintf("corrupt record %s/%s: %s", e.Collection, e.Key, e.Reason)
}

func (e *CorruptRecordError) Is(target error) bool { return target == ErrCorruptRecord }
func (e *CorruptRecordError) Kind() string         { return "corrupt_record" }

// IsOutOfOrderChunk reports whether err is a contiguity violation.
func IsOutOfOrderChunk(err error) bool {
	var oe *OutOfOrderChunkError
	return errors.As(err, &oe)
}

// IsJobConflict reports whether err is an active-job conflict.
func IsJobConflict(err error) bool {
	var je *JobConflictError
	return errors.As(err, &je)
}

// IsLockContention reports whether err is a writer lock conflict.
func IsLockContention(err error) bool {
	var le *LockContentionError
	return errors.As(err, &le)
}

// IsCorruptRecord reports whether err is a per-record corruption.
func IsCorruptRecord(err error) bool {
	var ce *CorruptRecordError
	return errors.As(err, &ce)
}
