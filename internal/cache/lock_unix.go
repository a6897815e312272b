//go:build unix

package cache

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// acquireExtractionLock opens (creating if needed) the sentinel lock file and
// attempts a non-blocking exclusive advisory lock on it. It returns
// acquired=false without error when another process already holds the lock.
// The returned release func unlocks, closes, and removes the lock file; it is
// safe to call more than once.
func acquireExtractionLock(path string) (acquired bool, release func(), err error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644) //nolint:gosec // Lock file must be visible to other worker processes.
	if err != nil {
		return false, nil, fmt.Errorf("open lock file: %w", err)
	}

	if err = unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = file.Close()

		if errors.Is(err, unix.EWOULDBLOCK) {
			return false, nil, nil
		}

		return false, nil, fmt.Errorf("lock %s: %w", path, err)
	}

	var released bool

	release = func() {
		if released {
			return
		}

		released = true

		_ = unix.Flock(int(file.Fd()), unix.LOCK_UN)
		_ = file.Close()
		_ = os.Remove(path)
	}

	return true, release, nil
}
