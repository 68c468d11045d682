//go:build unix

package kvdb

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// engineLockFile is the file the engine flocks inside its directory.
const engineLockFile = "LOCK"

// probeDirectoryLock reports whether another open file description holds the
// engine lock in dir. The probe takes and immediately drops the lock.
func probeDirectoryLock(dir string) (bool, error) {
	f, err := os.Open(filepath.Join(dir, engineLockFile))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer f.Close()

	fd := int(f.Fd())
	err = unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB)
	if errors.Is(err, unix.EWOULDBLOCK) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return false, unix.Flock(fd, unix.LOCK_UN)
}
