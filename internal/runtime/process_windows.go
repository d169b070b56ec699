//go:build windows

package runtime

import "os"

// processAlive reports whether pid names a live process on this host.
// FindProcess opens a handle on Windows and fails for unknown PIDs.
func processAlive(pid int) bool {
	if pid == os.Getpid() {
		return true
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	p.Release()
	return true
}
