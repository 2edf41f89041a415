package coordinator

import "sync"

// current is the process-wide single-cell holder DESIGN NOTES §9 calls for:
// the signal handler reads whichever Coordinator is active right now,
// without either side needing a global mutable Coordinator pointer.
// Multi-source runs pass one handle through it at a time.
var current struct {
	mu sync.Mutex
	c  *Coordinator
}

func setCurrent(c *Coordinator) {
	current.mu.Lock()
	current.c = c
	current.mu.Unlock()
}

func clearCurrent(c *Coordinator) {
	current.mu.Lock()
	if current.c == c {
		current.c = nil
	}
	current.mu.Unlock()
}

// getCurrent is read by the installed signal handler. It must tolerate a
// nil result: a signal arriving before setCurrent or after clearCurrent is
// a no-op, per spec.md §5 "the handler must tolerate both null and valid
// states".
func getCurrent() *Coordinator {
	current.mu.Lock()
	defer current.mu.Unlock()
	return current.c
}
