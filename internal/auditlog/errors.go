package auditlog

import (
	"errors"
	"fmt"
)

// ErrChainVerification matches every *ChainVerificationError via errors.Is.
var ErrChainVerification = errors.New("chain verification failed")

// ChainVerificationError identifies the first entry whose stored hashes do
// not match the recomputed chain.
type ChainVerificationError struct {
	Index  int64
	Reason string
}

func (e *ChainVerificationError) Error() string {
	return fmt.Sprintf("chain verification failed at index %d: %s", e.Index, e.Reason)
}

func (e *ChainVerificationError) Is(target error) bool {
	return target == ErrChainVerification
}

// Kind is the stable name recorded in audit details.
func (e *ChainVerificationError) Kind() string {
	return "chain_verification"
}

// IsChainVerificationError reports whether err is a chain mismatch.
func IsChainVerificationError(err error) bool {
	var cv *ChainVerificationError
	return errors.As(err, &cv)
}

// ErrOutOfRange is returned when a requested range is outside retained entries.
var ErrOutOfRange = errors.New("range outside retained entries")

// ErrClosed is returned by operations on a closed log.
var ErrClosed = errors.New("audit log closed")

// ErrLockContention matches every *LockContentionError via errors.Is.
var ErrLockContention = errors.New("audit log lock contention")

// LockContentionError is returned by Open when another appender holds the
// log.
type LockContentionError struct {
	Dir    string
	Holder LockHolder
}

func (e *LockContentionError) Error() string {
	if e.Holder.PID == 0 {
		return fmt.Sprintf("audit log %s is held by another appender", e.Dir)
	}
	return fmt.Sprintf("audit log %s is held by pid %d on %s since %s",
		e.Dir, e.Holder.PID, e.Holder.Host, e.Holder.AcquiredAt.Format("2006-01-02T15:04:05Z07:00"))
}

func (e *LockContentionError) Is(target error) bool { return target == ErrLockContention }

// Kind is the stable name recorded in audit details.
func (e *LockContentionError) Kind() string { return "lock_contention" }

// ErrReadOnly is returned by mutating calls on a log opened with OpenReadOnly.
var ErrReadOnly = errors.New("audit log opened read-only")
