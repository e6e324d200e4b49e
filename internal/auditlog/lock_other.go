//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package auditlog

import (
	"os"
)

// lockFile stands in for flock with an O_EXCL marker next to the artifact.
// A marker left by a crashed appender must be removed by hand.
func lockFile(f *os.File) (bool, error) {
	m, err := os.OpenFile(f.Name()+".held", os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, m.Close()
}

func unlockFile(f *os.File) error {
	if err := os.Remove(f.Name() + ".held"); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
