//go:build !unix

package kvdb

// probeDirectoryLock has no advisory lock to inspect on this platform; only
// handles held by this process are detected.
func probeDirectoryLock(string) (bool, error) {
	return false, nil
}
