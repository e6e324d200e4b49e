package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
)

// LockInfo is the content of the writer lock artifact.
type LockInfo struct {
	PID        int       `json:"pid"`
	Host       string    `json:"host"`
	Token      string    `json:"token"`
	AcquiredAt time.Time `json:"acquired_at"`

	// Alive is computed on inspection: false only when the holder is on
	// this host and no longer running.
	Alive bool `json:"-"`
}

// ErrNoLock is returned when no lock artifact exists.
var ErrNoLock = errors.New("no lock held")

// LockPath returns the lock artifact path for a container.
func LockPath(path string) string {
	return path + ".lock"
}

// fileLock is a held writer lock.
type fileLock struct {
	path string
	info LockInfo
}

// acquireLock creates the lock artifact exclusively. When the artifact
// already exists it returns a *LockContentionError describing the holder.
func acquireLock(path string, now time.Time) (*fileLock, error) {
	host, _ := os.Hostname()
	info := LockInfo{
		PID:        os.Getpid(),
		Host:       host,
		Token:      uuid.NewString(),
		AcquiredAt: now.UTC(),
	}
	data, err := json.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("encode lock: %w", err)
	}

	lockPath := LockPath(path)
	f, err := os.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			holder, ierr := InspectLock(path)
			if ierr != nil {
				// Holder is mid-write or the artifact is unreadable.
				holder = LockInfo{Alive: true}
			}
			return nil, &LockContentionError{Path: path, Holder: holder}
		}
		return nil, fmt.Errorf("create lock: %w", err)
	}

	if _, err := f.Write(data); err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(lockPath)
		return nil, fmt.Errorf("write lock: %w", err)
	}

	return &fileLock{path: lockPath, info: info}, nil
}

// release removes the artifact if it still carries our token.
func (l *fileLock) release() error {
	current, err := readLock(l.path)
	if err != nil {
		if errors.Is(err, ErrNoLock) {
			return nil
		}
		return err
	}
	if current.Token != l.info.Token {
		return fmt.Errorf("lock %s was replaced by pid %d; not removing", l.path, current.PID)
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lock: %w", err)
	}
	return nil
}

// InspectLock reports the holder of the writer lock for the container at
// path and whether it is still alive.
func InspectLock(path string) (LockInfo, error) {
	info, err := readLock(LockPath(path))
	if err != nil {
		return LockInfo{}, err
	}
	info.Alive = holderAlive(info)
	return info, nil
}

// ClearStaleLock removes the lock artifact when its holder is dead.
// A live (or unverifiable) holder is refused unless force is set.
func ClearStaleLock(path string, force bool) (LockInfo, error) {
	info, err := InspectLock(path)
	if err != nil {
		return LockInfo{}, err
	}
	if info.Alive && !force {
		return info, &LockContentionError{Path: path, Holder: info}
	}
	if err := os.Remove(LockPath(path)); err != nil && !os.IsNotExist(err) {
		return info, fmt.Errorf("remove lock: %w", err)
	}
	return info, nil
}

func readLock(lockPath string) (LockInfo, error) {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		if os.IsNotExist(err) {
			return LockInfo{}, ErrNoLock
		}
		return LockInfo{}, fmt.Errorf("read lock: %w", err)
	}
	var info LockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return LockInfo{}, fmt.Errorf("decode lock %s: %w", lockPath, err)
	}
	return info, nil
}

func holderAlive(info LockInfo) bool {
	host, err := os.Hostname()
	if err != nil || host != info.Host {
		// Cannot check a process on another host.
		return true
	}
	return processAlive(info.PID)
}
