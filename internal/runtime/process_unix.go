//go:build !windows

package runtime

import (
	"errors"
	"os"
	"syscall"
)

// processAlive reports whether pid names a live process on this host.
func processAlive(pid int) bool {
	if pid == os.Getpid() {
		return true
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}
