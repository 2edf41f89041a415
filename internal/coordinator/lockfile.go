package coordinator

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// lockPath returns the advisory lock file path for a source identifier,
// under the OS temp directory per spec.md §5 "Lockfile": one lock per
// source, named from the identifier so two concurrent acquisitions of
// distinct sources don't collide.
func lockPath(sourceID string) string {
	safe := strings.NewReplacer("/", "_", ":", "_", " ", "_").Replace(sourceID)
	return filepath.Join(os.TempDir(), "aimage-lock-"+safe)
}

// acquireLock enforces spec.md §5's lockfile policy: refuse to run if the
// file exists and names a live PID, remove it if the PID is dead, then
// write our own PID. Returns the path so releaseLock can remove it again.
func acquireLock(sourceID string) (string, error) {
	path := lockPath(sourceID)

	if data, err := os.ReadFile(path); err == nil {
		if pid, perr := strconv.Atoi(strings.TrimSpace(string(data))); perr == nil && pid > 0 {
			if processAlive(pid) {
				return "", fmt.Errorf("coordinator: source %q is locked by running process %d (%s)", sourceID, pid, path)
			}
		}
		// Stale lock: the owning PID is dead (or unparsable). Remove it
		// before writing our own, per spec's "removes the file if the
		// PID is dead" rule.
		_ = os.Remove(path)
	}

	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return "", fmt.Errorf("coordinator: write lockfile %s: %w", path, err)
	}
	return path, nil
}

func releaseLock(path string) {
	if path != "" {
		_ = os.Remove(path)
	}
}
