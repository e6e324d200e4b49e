package auditlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// LockFileName is the appender lock artifact inside the audit directory.
const LockFileName = "LOCK"

// LockHolder describes the process holding the appender lock.
type LockHolder struct {
	PID        int       `json:"pid"`
	Host       string    `json:"host"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// appendLock is the held appender lock. The artifact file stays on disk
// after release; only the OS lock on it is dropped.
type appendLock struct {
	f *os.File
}

func acquireAppendLock(dir string, now time.Time) (*appendLock, error) {
	path := filepath.Join(dir, LockFileName)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit lock: %w", err)
	}
	ok, err := lockFile(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("lock audit log: %w", err)
	}
	if !ok {
		f.Close()
		// The holder may be mid-write; an unreadable artifact leaves Holder zero.
		holder, _ := readLockHolder(path)
		return nil, &LockContentionError{Dir: dir, Holder: holder}
	}

	host, _ := os.Hostname()
	data, err := json.Marshal(LockHolder{PID: os.Getpid(), Host: host, AcquiredAt: now.UTC()})
	if err == nil {
		err = f.Truncate(0)
	}
	if err == nil {
		_, err = f.WriteAt(data, 0)
	}
	if err != nil {
		unlockFile(f)
		f.Close()
		return nil, fmt.Errorf("write audit lock: %w", err)
	}
	return &appendLock{f: f}, nil
}

// acquireAppendLockWait retries on contention with exponential backoff for
// up to wait. Zero wait fails fast.
func acquireAppendLockWait(dir string, wait time.Duration) (*appendLock, error) {
	if wait <= 0 {
		return acquireAppendLock(dir, time.Now())
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	b.MaxElapsedTime = wait

	var lock *appendLock
	op := func() error {
		l, err := acquireAppendLock(dir, time.Now())
		if err == nil {
			lock = l
			return nil
		}
		if errors.Is(err, ErrLockContention) {
			return err
		}
		return backoff.Permanent(err)
	}
	if err := backoff.Retry(op, b); err != nil {
		return nil, err
	}
	return lock, nil
}

func (a *appendLock) release() error {
	uerr := unlockFile(a.f)
	cerr := a.f.Close()
	if uerr != nil {
		return fmt.Errorf("unlock audit log: %w", uerr)
	}
	return cerr
}

// ReadLockHolder reports who holds the appender lock on dir. The artifact
// outlives its holder, so the result may describe the last holder.
func ReadLockHolder(dir string) (LockHolder, error) {
	return readLockHolder(filepath.Join(dir, LockFileName))
}

func readLockHolder(path string) (LockHolder, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return LockHolder{}, fmt.Errorf("read audit lock: %w", err)
	}
	var h LockHolder
	if err := json.Unmarshal(data, &h); err != nil {
		return LockHolder{}, fmt.Errorf("decode audit lock: %w", err)
	}
	return h, nil
}
