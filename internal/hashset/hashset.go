// Package hashset maintains the three running digests (MD5, SHA-1, SHA-256)
// fed from every buffer accepted into the archive, plus the "hash invalid"
// latch the read loop trips the first time acquisition stops being strictly
// monotonic.
package hashset

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"hash"
	"sync/atomic"
)

// Hasher is the interface the read loop drives: either a synchronous Set
// or an Async wrapper around one. Splitting this out lets the read loop
// stay oblivious to which one it was handed, per spec.md §5's optional
// multithreaded-hash path.
type Hasher interface {
	Update(buf []byte)
	Invalid() bool
	Invalidate()
	Final() Digests
}

// Set bundles the three incremental digests. There is no third-party
// replacement for these: they name specific, fixed algorithms the archive
// format is required to store, so the standard library implementations are
// the correct tool (see DESIGN.md).
type Set struct {
	md5    hash.Hash
	sha1   hash.Hash
	sha256 hash.Hash

	invalid atomic.Bool // atomic so Async's worker goroutine and the caller can both touch it
}

// New returns a Set with all three digests freshly initialized.
func New() *Set {
	return &Set{
		md5:    md5.New(),
		sha1:   sha1.New(),
		sha256: sha256.New(),
	}
}

// Invalid reports whether the hash state has been latched invalid.
func (s *Set) Invalid() bool { return s.invalid.Load() }

// Invalidate latches the hash state invalid. Once set it is never cleared,
// matching the one-way transition in spec.md's data model.
func (s *Set) Invalidate() { s.invalid.Store(true) }

// Update feeds buf into all three digests, unless the hash has already been
// invalidated — at that point the digests are going to be discarded, so
// hashing is a wasted CPU cycle, not a correctness requirement. Callers must
// still call Update (or know it is a no-op) before every write so that the
// contract "hash sees every accepted byte before it is written" holds when
// Invalid() is false.
func (s *Set) Update(buf []byte) {
	if s.invalid.Load() {
		return
	}
	s.md5.Write(buf)
	s.sha1.Write(buf)
	s.sha256.Write(buf)
}

// Digests is the finalized MD5, SHA-1, and SHA-256 sums.
type Digests struct {
	MD5    [md5.Size]byte
	SHA1   [sha1.Size]byte
	SHA256 [sha256.Size]byte
}

// Final returns the finalized digests. It does not check Invalid(); callers
// decide whether a stored digest makes sense per the archive's finalize
// policy (spec.md §3, "Hash state").
func (s *Set) Final() Digests {
	var d Digests
	copy(d.MD5[:], s.md5.Sum(nil))
	copy(d.SHA1[:], s.sha1.Sum(nil))
	copy(d.SHA256[:], s.sha256.Sum(nil))
	return d
}
