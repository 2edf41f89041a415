// Package recoverscan implements the Recover-Scan Mode (spec.md §4.7): an
// alternate driver over the Read Loop that targets only the pages missing
// from an already-acquired archive, in a randomized order, using
// abort-on-first-error so a still-defective page is skipped rather than
// chased with retries.
package recoverscan

import (
	"encoding/binary"
	"math/rand"

	"github.com/Obsidian-Covenant/aimage/internal/classifier"
	"github.com/Obsidian-Covenant/aimage/internal/errs"
	"github.com/Obsidian-Covenant/aimage/internal/readloop"
	"github.com/Obsidian-Covenant/aimage/internal/sink"
	"github.com/Obsidian-Covenant/aimage/internal/source"
)

// Result summarizes one recover-scan run: how many of the originally
// missing pages were filled in and how many are still missing afterward.
type Result struct {
	PagesAttempted int
	PagesFilled    int
	PagesStillGone int
}

// Run opens archivePath read/write, determines its page grid from its own
// persisted geometry (sink.Archive.loadGeometry, triggered by sink.Open),
// finds every page segment absent from the archive, and re-drives the read
// loop over each one in a randomized order until the missing set is
// resolved (filled or confirmed still unreadable). It never touches the
// hash generators — spec.md §4.7 notes the archive's existing digests, if
// any, are already considered invalid once recover-scan runs at all.
func Run(archivePath string, src source.Source, onStatus func(readloop.Status)) (Result, error) {
	archive, err := sink.Open(archivePath, false)
	if err != nil {
		return Result{}, err
	}
	defer archive.Close()

	totalSectors, ok, err := archive.GetSeg(sink.SegDeviceSectors)
	if err != nil {
		return Result{}, err
	}
	if !ok || len(totalSectors) != 8 {
		return Result{}, errs.NewConfigurationError("recover-scan: archive %s has no device-sectors segment", archivePath)
	}
	total := binary.LittleEndian.Uint64(totalSectors)

	sectorsPerPage := archive.SectorsPerPage()
	numPages := archive.NumPages(total)
	if sectorsPerPage == 0 || numPages == 0 {
		return Result{}, errs.NewConfigurationError("recover-scan: archive %s has no usable geometry", archivePath)
	}

	missingSet := sink.MissingPages(numPages, archive.HasPage)
	missing := missingSet.ToSlice()

	var result Result
	result.PagesAttempted = len(missing)

	rand.Shuffle(len(missing), func(i, j int) { missing[i], missing[j] = missing[j], missing[i] })

	for _, page := range missing {
		low := page * sectorsPerPage
		high := low + sectorsPerPage
		if high > total {
			high = total
		}
		if low >= high {
			continue
		}

		cfg := readloop.Config{
			Low:            low,
			High:           high,
			StartDirection: 1,
			ReadSectors:    int(sectorsPerPage),
			ErrorMode:      1, // abort-on-first-error: skip defect pages, don't chase them
			RetryCount:     0,
			NoHash:         true, // no hash updates attempted, per spec §4.7
		}

		cls := classifier.New(archive.SectorSize())
		loop := readloop.New(src, archive, nil, cls, cfg, onStatus)
		if _, err := loop.Run(); err != nil {
			return result, err
		}

		if archive.HasPage(page) {
			result.PagesFilled++
		}
	}

	result.PagesStillGone = result.PagesAttempted - result.PagesFilled
	return result, nil
}
