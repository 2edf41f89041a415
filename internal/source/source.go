// Package source implements the acquisition engine's Source Reader: opening
// a block device, regular file, standard input, or an accepted TCP
// connection, and serving positioned reads against it.
package source

import "fmt"

// Kind distinguishes the three source shapes spec.md §4.1 names.
type Kind int

const (
	// KindDevice is a block or character device with a known geometry.
	KindDevice Kind = iota
	// KindFile is a regular file, only accepted when explicitly allowed.
	KindFile
	// KindStream is stdin or an accepted TCP connection: unknown size,
	// position is advisory only.
	KindStream
)

// DefaultSectorSize is used whenever a source cannot report its own sector
// size (regular files and streams).
const DefaultSectorSize = 512

// Descriptor is the read-only geometry and identity of an opened source.
type Descriptor struct {
	ID             string // device path, "-", or the peer address for listen:<port>
	Kind           Kind
	SectorSize     int    // always a positive power of two
	TotalSectors   uint64 // 0 when unknown (streams)
	MaxReadSectors int    // 0 means no cap
}

// Source is the contract the read loop drives. Implementations track their
// own current position; ReadAt decides whether a seek is needed (or even
// possible) before reading.
type Source interface {
	Descriptor() Descriptor

	// ReadAt reads into buf starting at the given absolute byte offset.
	// For stream sources, offset is advisory: it always equals the
	// reader's own running position and no seek is attempted. Returns the
	// number of bytes actually read, which may be less than len(buf).
	ReadAt(offset uint64, buf []byte) (int, error)

	Close() error
}

// Open opens name as a source. name is one of:
//   - a block/character device path
//   - a regular file path (only if allowRegular is true)
//   - "-" for standard input
//   - "listen:<port>" to accept exactly one TCP connection on all interfaces
func Open(name string, allowRegular bool) (Source, error) {
	if name == "-" {
		return newStdinSource(), nil
	}

	var port int
	if n, err := fmt.Sscanf(name, "listen:%d", &port); n == 1 && err == nil {
		return listenOnce(port)
	}

	return openNamed(name, allowRegular)
}
