// Package sink implements the archive sink contract spec.md §4.4/§6.1
// treats as opaque: a single append-only, keyed log-structured store
// holding both metadata segments (device identity, hash digests, counts)
// and page segments (the acquired image itself), in the style of the
// teacher pack's Epokhe-bitdb key/value engine.
package sink

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/Obsidian-Covenant/aimage/internal/errs"
)

// indexEntry locates the latest record for a key within the log file.
type indexEntry struct {
	offset int64
}

// Archive is a concrete, testable implementation of the opaque sink the
// engine drives. One archive maps to one log file on disk holding every
// metadata and page record ever appended; deletes are tombstone records,
// so space is reclaimed only by never needing it in the first place — an
// acceptable trade for a single-shot forensic acquisition tool.
type Archive struct {
	f    *os.File
	path string

	index map[string]indexEntry

	sectorSize int
	pageSize   int
	maxSize    uint64

	algo    Algorithm
	level   int
	compOn  bool
	gid     uuid.UUID
	acqDate time.Time

	callback Callback

	pages map[uint64]*pageBuf
}

const defaultPageSize = 16 * 1024 * 1024

// Open opens path for read/write, creating it if create is true, and
// rebuilds the in-memory key index by scanning every record in the log —
// the same recovery path Epokhe-bitdb's segment scanner takes on startup.
func Open(path string, create bool) (*Archive, error) {
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, &errs.SinkIOError{Op: "open", Err: err}
	}

	a := &Archive{
		f:          f,
		path:       path,
		index:      make(map[string]indexEntry),
		sectorSize: 512,
		pageSize:   defaultPageSize,
		algo:       AlgorithmNone,
		pages:      make(map[uint64]*pageBuf),
	}

	if err := a.rebuildIndex(); err != nil {
		f.Close()
		return nil, err
	}
	a.loadGeometry()
	return a, nil
}

// loadGeometry restores sector_size/page_size from a previously-written
// archive's own metadata segments, so a fresh Archive struct reopened
// against an existing file (recover-scan's entry point, spec.md §4.7)
// doesn't need its geometry handed in out of band.
func (a *Archive) loadGeometry() {
	if raw, ok, _ := a.GetSeg(SegSectorSize); ok && len(raw) == 8 {
		a.sectorSize = int(binary.LittleEndian.Uint64(raw))
	}
	if raw, ok, _ := a.GetSeg(SegPageSize); ok && len(raw) == 8 {
		a.pageSize = int(binary.LittleEndian.Uint64(raw))
	}
}

func (a *Archive) rebuildIndex() error {
	fi, err := a.f.Stat()
	if err != nil {
		return &errs.SinkIOError{Op: "stat", Err: err}
	}

	var off int64
	size := fi.Size()
	for off < size {
		key, _, kind, total, err := readRecordAt(a.f, off)
		if err != nil {
			return &errs.SinkIOError{Op: "scan", Err: err}
		}
		if kind == kindDelete {
			delete(a.index, key)
		} else {
			a.index[key] = indexEntry{offset: off}
		}
		off += total
	}
	return nil
}

// --- configuration, mirroring the abstract contract's set_* calls ---

// SetSectorSize sets the sector size and persists it as a metadata segment
// so a later reopen (recover-scan) recovers it without the original flags.
func (a *Archive) SetSectorSize(n int) error {
	a.sectorSize = n
	return a.UpdateSegQ(SegSectorSize, int64(n))
}

// SetPageSize sets the page size and persists it the same way SetSectorSize does.
func (a *Archive) SetPageSize(n int) error {
	a.pageSize = n
	return a.UpdateSegQ(SegPageSize, int64(n))
}
func (a *Archive) SetMaxSize(n uint64)            { a.maxSize = n }
func (a *Archive) SetAcquisitionDate(t time.Time) { a.acqDate = t }
func (a *Archive) SetCallback(cb Callback)        { a.callback = cb }

func (a *Archive) EnableCompression(algo Algorithm, level int) {
	a.algo = algo
	a.level = level
	a.compOn = algo != AlgorithmNone
}

func (a *Archive) DisableCompression() { a.compOn = false }

// Reenable turns compression back on using the algorithm and level last
// passed to EnableCompression, without the caller needing to remember
// them — the compression controller's A/B decision only needs on/off.
func (a *Archive) Reenable() { a.compOn = a.algo != AlgorithmNone }

// CompressionType reports the algorithm that would be used for the next
// page write, honoring a temporary disable from the compression controller.
func (a *Archive) CompressionType() Algorithm {
	if !a.compOn {
		return AlgorithmNone
	}
	return a.algo
}

// MakeGID assigns and returns a fresh globally-unique archive id.
func (a *Archive) MakeGID() uuid.UUID {
	a.gid = uuid.New()
	return a.gid
}

// BadFlag returns the sector_size-length byte pattern used to pre-fill
// unwritten regions of a page, per spec §4.6's buffer-preparation step.
// 0xAD mirrors imager.cpp's bad-sector fill byte.
func (a *Archive) BadFlag() []byte {
	pattern := make([]byte, a.sectorSize)
	for i := range pattern {
		pattern[i] = 0xAD
	}
	return pattern
}

func (a *Archive) MaxSize() uint64    { return a.maxSize }
func (a *Archive) PageSize() int      { return a.pageSize }
func (a *Archive) SectorSize() int    { return a.sectorSize }

// SectorsPerPage and NumPages give recover-scan the canonical page grid
// implied by the archive's recorded geometry (spec §4.7).
func (a *Archive) SectorsPerPage() uint64 {
	return uint64(a.pageSize) / uint64(a.sectorSize)
}

func (a *Archive) NumPages(totalSectors uint64) uint64 {
	spp := a.SectorsPerPage()
	if spp == 0 {
		return 0
	}
	return (totalSectors + spp - 1) / spp
}

// --- image data path ---

// WriteAt accumulates buf into the page(s) covering the byte range
// [offset, offset+len(buf)), flushing each page through the compression
// and write callback protocol as it fills. A flush error stops the write
// and is returned as a SinkIOError, together with the number of bytes
// accepted before it; pages flushed earlier in the call stay written.
func (a *Archive) WriteAt(offset uint64, buf []byte) (int, error) {
	written := 0
	for len(buf) > 0 {
		index, _, rel := pageBounds(offset, a.pageSize)
		pb, ok := a.pages[index]
		if !ok {
			pb = newPageBuf(a.pageSize, a.BadFlag())
			a.pages[index] = pb
		}

		room := a.pageSize - rel
		n := len(buf)
		if n > room {
			n = room
		}

		full := pb.write(rel, buf[:n])
		buf = buf[n:]
		offset += uint64(n)
		written += n

		if full {
			if err := a.flushPage(index, pb.data); err != nil {
				return written, err
			}
			delete(a.pages, index)
		}
	}
	return written, nil
}

// Flush writes out any partially-filled pages still held in memory,
// for Close() on an image whose size isn't a multiple of the page size.
func (a *Archive) Flush() error {
	for index, pb := range a.pages {
		if !pb.touched {
			continue
		}
		if err := a.flushPage(index, pb.data); err != nil {
			return err
		}
		delete(a.pages, index)
	}
	return nil
}

func (a *Archive) flushPage(index uint64, page []byte) error {
	algo := a.CompressionType()

	a.notify(CallbackInfo{Phase: PhaseCompressStart, PageIndex: index, BytesToWrite: len(page)})
	out, err := compress(algo, a.level, page)
	a.notify(CallbackInfo{Phase: PhaseCompressEnd, PageIndex: index, BytesToWrite: len(page), BytesWritten: len(out)})
	if err != nil {
		return &errs.SinkIOError{Op: fmt.Sprintf("compress page %d", index), Err: err}
	}

	tagged := make([]byte, 1+len(out))
	tagged[0] = algorithmTag(algo)
	copy(tagged[1:], out)

	a.notify(CallbackInfo{Phase: PhaseWriteStart, PageIndex: index, BytesToWrite: len(page), BytesWritten: len(tagged)})
	if err := a.put(pageKeyOf(index), tagged); err != nil {
		return err
	}
	a.notify(CallbackInfo{Phase: PhaseWriteEnd, PageIndex: index, BytesToWrite: len(page), BytesWritten: len(tagged)})
	return nil
}

func (a *Archive) notify(info CallbackInfo) {
	if a.callback != nil {
		a.callback(info)
	}
}

// ReadPage returns the decompressed contents of a previously-written
// page. Recover-scan probes presence with HasPage; ReadPage is used by
// tests to check page contents.
func (a *Archive) ReadPage(index uint64) ([]byte, bool, error) {
	tagged, ok, err := a.get(pageKeyOf(index))
	if err != nil || !ok {
		return nil, ok, err
	}
	if len(tagged) == 0 {
		return nil, false, errors.New("sink: empty page record")
	}
	algo := algorithmFromTag(tagged[0])
	raw, err := decompress(algo, tagged[1:])
	if err != nil {
		return nil, true, &errs.SinkIOError{Op: fmt.Sprintf("decompress page %d", index), Err: err}
	}
	return raw, true, nil
}

func (a *Archive) HasPage(index uint64) bool {
	_, ok := a.index[pageKeyOf(index)]
	return ok
}

func algorithmTag(a Algorithm) byte {
	switch a {
	case AlgorithmZlib:
		return 1
	case AlgorithmLZMA:
		return 2
	default:
		return 0
	}
}

func algorithmFromTag(b byte) Algorithm {
	switch b {
	case 1:
		return AlgorithmZlib
	case 2:
		return AlgorithmLZMA
	default:
		return AlgorithmNone
	}
}

// --- segment (metadata) operations ---

// UpdateSeg sets a metadata segment's raw byte value.
func (a *Archive) UpdateSeg(name string, val []byte) error {
	return a.put(metaKey(name), val)
}

// UpdateSegQ sets a metadata segment's value as a little-endian int64,
// the numeric side-channel spec §4.4 names for counters like elapsed
// seconds or bad-sector counts.
func (a *Archive) UpdateSegQ(name string, v int64) error {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(v))
	return a.put(metaKey(name), buf)
}

// DelSeg removes a metadata segment, used when hash_invalid requires the
// digest segments to be scrubbed on a failed acquisition.
func (a *Archive) DelSeg(name string) error {
	key := metaKey(name)
	if _, ok := a.index[key]; !ok {
		return nil
	}
	if _, err := appendRecord(a.f, kindDelete, key, nil); err != nil {
		return &errs.SinkIOError{Op: "delete segment " + name, Err: err}
	}
	delete(a.index, key)
	return nil
}

// GetSeg reports whether a metadata segment is present and, if so, its
// raw bytes.
func (a *Archive) GetSeg(name string) ([]byte, bool, error) {
	return a.get(metaKey(name))
}

func (a *Archive) put(key string, val []byte) error {
	off, err := a.f.Seek(0, io.SeekEnd)
	if err != nil {
		return &errs.SinkIOError{Op: "seek end", Err: err}
	}
	if _, err := appendRecord(a.f, kindSet, key, val); err != nil {
		return &errs.SinkIOError{Op: "append " + key, Err: err}
	}
	a.index[key] = indexEntry{offset: off}
	return nil
}

func (a *Archive) get(key string) ([]byte, bool, error) {
	entry, ok := a.index[key]
	if !ok {
		return nil, false, nil
	}
	_, val, kind, _, err := readRecordAt(a.f, entry.offset)
	if err != nil {
		return nil, true, &errs.SinkIOError{Op: "read " + key, Err: err}
	}
	if kind == kindDelete {
		return nil, false, nil
	}
	return val, true, nil
}

// Close flushes any partial pages and closes the underlying file.
func (a *Archive) Close() error {
	if err := a.Flush(); err != nil {
		a.f.Close()
		return err
	}
	if err := a.f.Close(); err != nil {
		return &errs.SinkIOError{Op: "close", Err: err}
	}
	return nil
}
