// Package readloop implements the Read Loop State Machine (spec.md §4.6):
// the bidirectional, error-recovering sweep that drives a source's sectors
// into the archive sink.
package readloop

import (
	"github.com/Obsidian-Covenant/aimage/internal/classifier"
	"github.com/Obsidian-Covenant/aimage/internal/hashset"
	"github.com/Obsidian-Covenant/aimage/internal/sink"
	"github.com/Obsidian-Covenant/aimage/internal/source"
)

// Config is the loop's starting configuration, resolved from CLI flags
// and the acquisition profile before the loop ever runs.
type Config struct {
	Low            uint64 // starting low watermark, from the skip offset
	High           uint64 // total_sectors; 0 means streaming mode
	StartDirection int    // +1 forward, -1 reverse
	ReadSectors    int    // batch size in sectors
	ErrorMode      int    // 0 = recover, 1 = abort-on-first-error
	RetryCount     int
	NoHash         bool
}

// Status is reported before every read attempt, for a debounced UI.
type Status struct {
	Low, High uint64
	Forward   bool

	// Recovering reports whether the loop is mid retry-or-giveup cycle on
	// a defect region right now, and how deep into it, per the
	// recoveryState enumeration spec.md §9 asks for in place of bare
	// counters.
	Recovering bool
	Attempts   int
	Regions    int
}

// Result summarizes one full run of the loop, the counters the
// coordinator persists as metadata segments.
type Result struct {
	TotalSectorsRead  uint64
	BadSectorsRead    uint64
	TotalBlankSectors uint64
	HashInvalid       bool

	// TerminationReason is a short, human-readable note on why the loop
	// stopped, from the terminatedState recoveryState per spec.md §9.
	TerminationReason string
}

// Loop drives a single source/sink pair through the state machine.
type Loop struct {
	src source.Source
	snk *sink.Archive

	hash hashset.Hasher
	cls  *classifier.Classifier

	cfg      Config
	onStatus func(Status)
}

// New builds a Loop. hash may be nil (recover-scan never updates the
// hash); otherwise it is any hashset.Hasher — a synchronous *hashset.Set
// or the *hashset.Async wrapper spec.md §5's multithreaded-hash option
// uses, the read loop doesn't care which.
func New(src source.Source, snk *sink.Archive, hash hashset.Hasher, cls *classifier.Classifier, cfg Config, onStatus func(Status)) *Loop {
	return &Loop{src: src, snk: snk, hash: hash, cls: cls, cfg: cfg, onStatus: onStatus}
}

func (l *Loop) batchCap() int {
	b := l.cfg.ReadSectors
	if m := l.src.Descriptor().MaxReadSectors; m > 0 && b > m {
		b = m
	}
	return b
}

func (l *Loop) reportStatus(low, high uint64, dir direction, rs recoveryState) {
	if l.onStatus != nil {
		l.onStatus(Status{
			Low: low, High: high, Forward: dir == directionForward,
			Recovering: rs.kind == stateForwardRetrying || rs.kind == stateReverseRetrying,
			Attempts:   rs.attempts,
			Regions:    rs.regions,
		})
	}
}

// Run drives the loop to completion and returns the accumulated result.
// It only returns a non-nil error for a SinkIOError: a write failure on
// the sink is always fatal (spec §7), everything source-side is recovered
// locally or ends the loop without error.
func (l *Loop) Run() (Result, error) {
	sectorSize := l.src.Descriptor().SectorSize
	streaming := l.cfg.High == 0

	low := l.cfg.Low
	high := l.cfg.High
	dir := direction(l.cfg.StartDirection)
	if dir != directionForward && dir != directionReverse {
		dir = directionForward
	}

	var (
		reminder                    int
		consecutiveReadErrors       int
		consecutiveReadErrorRegions int
		lastReadShort               bool
		everHadValidReverseRead     bool
		hashInvalid                 bool
		result                      Result
		term                        = terminatedState("window exhausted")
	)

	for {
		if streaming && dir == directionReverse {
			panic("readloop: reverse sweep requires a known-size source")
		}
		if !streaming && low >= high {
			break
		}

		rs := scanningState(dir)
		if consecutiveReadErrors > 0 || consecutiveReadErrorRegions > 0 {
			rs = retryingState(dir, consecutiveReadErrors)
			rs.regions = consecutiveReadErrorRegions
		}
		l.reportStatus(low, high, dir, rs)

		batch := l.batchCap()
		var startSector uint64
		var wantBytes int

		if dir == directionForward {
			startSector = low
			if !streaming {
				if remaining := high - low; uint64(batch) > remaining {
					batch = int(remaining)
				}
				// Known-size sources always read a sector-aligned, full-batch
				// span; reminder is pure bookkeeping for the low advance and
				// is never subtracted here (imager.cpp recomputes
				// data_offset = sector_size*snum the same way; only the
				// streaming case folds reminder into the read length).
				wantBytes = batch * sectorSize
			} else {
				wantBytes = batch*sectorSize - reminder
			}
		} else {
			start := high - uint64(batch)
			if start < low {
				start = low
				batch = int(high - low)
			}
			startSector = start
			wantBytes = batch * sectorSize
		}

		if wantBytes <= 0 {
			break
		}

		var offset uint64
		if dir == directionForward {
			if streaming {
				offset = low*uint64(sectorSize) + uint64(reminder)
			} else {
				offset = low * uint64(sectorSize)
			}
		} else {
			offset = startSector * uint64(sectorSize)
		}

		buf := make([]byte, wantBytes)
		fillBadFlag(buf, l.snk.BadFlag())

		n, readErr := l.src.ReadAt(offset, buf)
		outcome := classifyRead(n, readErr, wantBytes)

		switch {
		case outcome.kind == outcomeFull:
			if err := l.writeAndAccumulate(offset, buf[:outcome.bytes], &result); err != nil {
				return result, err
			}
			consecutiveReadErrors = 0
			consecutiveReadErrorRegions = 0
			if dir == directionForward {
				low += uint64(batch)
				reminder = 0
				lastReadShort = false
			} else {
				high -= uint64(batch)
				everHadValidReverseRead = true
			}
			result.TotalSectorsRead += uint64(batch)
			continue

		case outcome.kind == outcomePartial && dir == directionForward && outcome.err == nil:
			if err := l.writeAndAccumulate(offset, buf[:outcome.bytes], &result); err != nil {
				return result, err
			}
			consecutiveReadErrors = 0
			consecutiveReadErrorRegions = 0
			advanced := outcome.bytes + reminder
			low += uint64(advanced / sectorSize)
			reminder = advanced % sectorSize
			lastReadShort = true
			result.TotalSectorsRead += uint64(advanced / sectorSize)
			continue

		case outcome.kind == outcomeEmpty && streaming:
			return l.finalize(result, hashInvalid, terminatedState("end of stream")), nil

		case streaming:
			// Any other failed/short read in streaming mode is terminal;
			// never retried, never reversed.
			return l.finalize(result, hashInvalid, terminatedState("source read error on stream")), nil
		}

		// Error / short on a known-size source (spec §4.6).
		terminate, flipToReverse, rs, err := l.handleErrorOrShort(
			dir, outcome.bytes, buf, offset, batch, sectorSize,
			&consecutiveReadErrors, &consecutiveReadErrorRegions,
			&lastReadShort, &everHadValidReverseRead,
			&low, &high, &result, &hashInvalid,
		)
		if err != nil {
			return result, err
		}
		if flipToReverse {
			consecutiveReadErrors = 0
			consecutiveReadErrorRegions = 0
			dir = directionReverse
			reminder = 0
			hashInvalid = true
			l.markHashInvalid()
			continue
		}
		if terminate {
			term = rs
			break
		}
	}

	return l.finalize(result, hashInvalid, term), nil
}

func (l *Loop) finalize(result Result, hashInvalid bool, term recoveryState) Result {
	result.HashInvalid = hashInvalid
	result.TerminationReason = term.reason
	return result
}

func (l *Loop) markHashInvalid() {
	if l.hash != nil {
		l.hash.Invalidate()
	}
}

// writeAndAccumulate feeds the hash generators and classifier before
// writing to the sink, preserving the hash-update-then-write invariant
// spec §5 requires.
func (l *Loop) writeAndAccumulate(offset uint64, data []byte, result *Result) error {
	if !l.cfg.NoHash && l.hash != nil {
		l.hash.Update(data)
	}
	result.TotalBlankSectors += uint64(l.cls.Feed(data))
	if _, err := l.snk.WriteAt(offset, data); err != nil {
		return err
	}
	return nil
}

// writeMarker persists a bad-flag-filled batch without touching the hash
// or classifier: the region is already being marked invalid.
func (l *Loop) writeMarker(offset uint64, batch, sectorSize int) error {
	marker := make([]byte, batch*sectorSize)
	fillBadFlag(marker, l.snk.BadFlag())
	_, err := l.snk.WriteAt(offset, marker)
	return err
}

func fillBadFlag(buf, pattern []byte) {
	if len(pattern) == 0 {
		return
	}
	n := copy(buf, pattern)
	for n < len(buf) {
		n += copy(buf[n:], buf[:n])
	}
}
