//go:build !windows

package coordinator

import "syscall"

// processAlive reports whether pid names a live process, using the
// kill(pid, 0) convention (no signal actually delivered), per spec.md §5.
func processAlive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}
