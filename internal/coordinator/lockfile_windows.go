//go:build windows

package coordinator

import "os"

// processAlive has no kill(pid, 0) equivalent on Windows; instead it relies
// on os.FindProcess, which on Windows opens a handle to the process and
// fails when no process with that PID exists.
func processAlive(pid int) bool {
	_, err := os.FindProcess(pid)
	return err == nil
}
