// Package adaptive implements the Compression Controller (spec.md §4.5):
// an A/B timing decision, made once per source, between writing pages
// compressed or raw.
package adaptive

import (
	"time"

	"github.com/Obsidian-Covenant/aimage/internal/sink"
)

// Controller times the write phase of the sink's callback protocol (from
// phase 3, write start, to phase 4, write end) and decides, after exactly
// two page writes, whether compression is
// worth its CPU cost against this particular source/sink pairing.
type Controller struct {
	archive *sink.Archive
	enabled bool

	segmentsWritten int
	compressedDur   time.Duration
	uncompressedDur time.Duration
	writeStart      time.Time
	decided         bool
}

// New returns a controller. When enabled is false, Observe is a no-op and
// the sink's configured compression setting is left untouched for the
// whole source — this is the non-adaptive default.
func New(archive *sink.Archive, enabled bool) *Controller {
	return &Controller{archive: archive, enabled: enabled}
}

// Observe should be chained into the archive's installed callback (or
// called directly from it) for every CallbackInfo the sink emits.
func (c *Controller) Observe(info sink.CallbackInfo) {
	if !c.enabled || c.decided {
		return
	}

	switch info.Phase {
	case sink.PhaseWriteStart:
		c.writeStart = time.Now()

	case sink.PhaseWriteEnd:
		elapsed := time.Since(c.writeStart)
		c.segmentsWritten++

		switch c.segmentsWritten {
		case 1:
			// First segment was written with the configured algorithm;
			// measure it, then switch to raw for segment 2.
			c.compressedDur = elapsed
			c.archive.DisableCompression()

		case 2:
			c.uncompressedDur = elapsed
			if c.compressedDur <= c.uncompressedDur {
				c.archive.Reenable()
			}
			c.decided = true
		}
	}
}
