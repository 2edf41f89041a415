package adaptive

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/Obsidian-Covenant/aimage/internal/sink"
)

func newTestArchive(t *testing.T) *sink.Archive {
	t.Helper()
	a, err := sink.Open(filepath.Join(t.TempDir(), "image.aimg"), true)
	if err != nil {
		t.Fatalf("sink.Open: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func TestControllerDisabledIsNoop(t *testing.T) {
	a := newTestArchive(t)
	a.EnableCompression(sink.AlgorithmZlib, 0)
	c := New(a, false)

	c.Observe(sink.CallbackInfo{Phase: sink.PhaseWriteStart})
	c.Observe(sink.CallbackInfo{Phase: sink.PhaseWriteEnd})
	c.Observe(sink.CallbackInfo{Phase: sink.PhaseWriteStart})
	c.Observe(sink.CallbackInfo{Phase: sink.PhaseWriteEnd})

	if a.CompressionType() != sink.AlgorithmZlib {
		t.Fatalf("disabled controller must not touch the sink's compression state")
	}
}

func TestControllerKeepsCompressionOffWhenSlower(t *testing.T) {
	a := newTestArchive(t)
	a.EnableCompression(sink.AlgorithmZlib, 0)
	c := New(a, true)

	// Segment 1 (compressed): artificially slow.
	c.Observe(sink.CallbackInfo{Phase: sink.PhaseWriteStart})
	time.Sleep(5 * time.Millisecond)
	c.Observe(sink.CallbackInfo{Phase: sink.PhaseWriteEnd})

	if a.CompressionType() != sink.AlgorithmNone {
		t.Fatalf("compression should be off for segment 2")
	}

	// Segment 2 (uncompressed): fast.
	c.Observe(sink.CallbackInfo{Phase: sink.PhaseWriteStart})
	c.Observe(sink.CallbackInfo{Phase: sink.PhaseWriteEnd})

	if a.CompressionType() != sink.AlgorithmNone {
		t.Fatalf("compression slower than raw write: should stay off, got %v", a.CompressionType())
	}
}

func TestControllerReenablesCompressionWhenFaster(t *testing.T) {
	a := newTestArchive(t)
	a.EnableCompression(sink.AlgorithmZlib, 0)
	c := New(a, true)

	// Segment 1 (compressed): fast.
	c.Observe(sink.CallbackInfo{Phase: sink.PhaseWriteStart})
	c.Observe(sink.CallbackInfo{Phase: sink.PhaseWriteEnd})

	// Segment 2 (uncompressed): artificially slow.
	c.Observe(sink.CallbackInfo{Phase: sink.PhaseWriteStart})
	time.Sleep(5 * time.Millisecond)
	c.Observe(sink.CallbackInfo{Phase: sink.PhaseWriteEnd})

	if a.CompressionType() != sink.AlgorithmZlib {
		t.Fatalf("compression faster than raw write: should re-enable, got %v", a.CompressionType())
	}
}

func TestControllerDecisionIsFinalForSource(t *testing.T) {
	a := newTestArchive(t)
	a.EnableCompression(sink.AlgorithmZlib, 0)
	c := New(a, true)

	for i := 0; i < 2; i++ {
		c.Observe(sink.CallbackInfo{Phase: sink.PhaseWriteStart})
		c.Observe(sink.CallbackInfo{Phase: sink.PhaseWriteEnd})
	}

	// Force what would be a third decision window; must not reconsider.
	a.DisableCompression()
	c.Observe(sink.CallbackInfo{Phase: sink.PhaseWriteStart})
	c.Observe(sink.CallbackInfo{Phase: sink.PhaseWriteEnd})

	if a.CompressionType() != sink.AlgorithmNone {
		t.Fatalf("controller must not revisit its decision after segment 2")
	}
}
