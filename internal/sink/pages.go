package sink

import (
	mapset "github.com/deckarep/golang-set/v2"
)

// Phase identifies one of the four callback points around a page write,
// per spec §4.4.
type Phase int

const (
	PhaseCompressStart Phase = iota + 1
	PhaseCompressEnd
	PhaseWriteStart
	PhaseWriteEnd
)

// CallbackInfo is passed to the sink's installed callback at each phase.
type CallbackInfo struct {
	Phase        Phase
	PageIndex    uint64
	BytesToWrite int // uncompressed page size
	BytesWritten int // post-compression size, equal to BytesToWrite when off
}

// Callback is invoked around every page write; see spec §4.4.
type Callback func(CallbackInfo)

// pageBuf accumulates the bytes landing in one page-sized window of the
// image. The normal acquisition path and recover-scan both write into
// these independently and in any order: acquisition fills pages 0..N
// sequentially as batches land, while recover-scan targets one specific
// page directly. Neither needs to know about the other's traversal order.
type pageBuf struct {
	data    []byte
	covered []bool // per byte: written at least once
	filled  int    // number of distinct bytes written
	touched bool
}

func newPageBuf(pageSize int, badFlag []byte) *pageBuf {
	b := &pageBuf{data: make([]byte, pageSize), covered: make([]bool, pageSize)}
	fillPattern(b.data, badFlag)
	return b
}

func fillPattern(dst, pattern []byte) {
	if len(pattern) == 0 {
		return
	}
	n := copy(dst, pattern)
	for n < len(dst) {
		n += copy(dst[n:], dst[:n])
	}
}

// write copies data into the buffer starting at the page-relative offset
// rel, returning whether the page is now fully covered.
func (b *pageBuf) write(rel int, data []byte) bool {
	copy(b.data[rel:], data)
	b.touched = true
	for i := rel; i < rel+len(data) && i < len(b.covered); i++ {
		if !b.covered[i] {
			b.covered[i] = true
			b.filled++
		}
	}
	return b.filled >= len(b.data)
}

// pageBounds resolves a byte offset into the page it falls in, the page's
// starting byte offset, and the offset relative to that page.
func pageBounds(offset uint64, pageSize int) (index uint64, pageStart uint64, rel int) {
	index = offset / uint64(pageSize)
	pageStart = index * uint64(pageSize)
	rel = int(offset - pageStart)
	return
}

// MissingPages compares the canonical page grid implied by the archive's
// recorded geometry against the set of page segments actually present,
// returning the missing set — the input to recover-scan (§4.7).
func MissingPages(numPages uint64, present func(index uint64) bool) mapset.Set[uint64] {
	missing := mapset.NewThreadUnsafeSet[uint64]()
	for i := uint64(0); i < numPages; i++ {
		if !present(i) {
			missing.Add(i)
		}
	}
	return missing
}
