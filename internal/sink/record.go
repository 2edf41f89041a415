package sink

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/go-restruct/restruct"
	"github.com/zeebo/xxh3"
)

// recordKind distinguishes a live value from a tombstone left by del_seg,
// the same way Epokhe-bitdb's WriteType distinguishes set from delete.
type recordKind uint8

const (
	kindDelete recordKind = iota
	kindSet
)

// recordHeader is the fixed-size prefix of every record appended to the
// archive's segment log: an xxh3 checksum over everything that follows it,
// then the key and value lengths and the record kind.
type recordHeader struct {
	Checksum uint64
	KeyLen   uint32
	ValLen   uint32
	Kind     uint8
	Reserved uint8
}

const headerLen = 18 // 8 + 4 + 4 + 1 + 1

var errChecksumMismatch = errors.New("sink: record checksum mismatch")

// appendRecord packs key/val into a record and appends it to w, returning
// the number of bytes written.
func appendRecord(w io.Writer, kind recordKind, key string, val []byte) (int64, error) {
	body := make([]byte, 0, len(key)+len(val))
	body = append(body, key...)
	body = append(body, val...)

	hdr := recordHeader{
		KeyLen: uint32(len(key)),
		ValLen: uint32(len(val)),
		Kind:   uint8(kind),
	}

	hdrBytes, err := restruct.Pack(binary.LittleEndian, &hdr)
	if err != nil {
		return 0, fmt.Errorf("pack record header: %w", err)
	}

	hdr.Checksum = xxh3.Hash(append(hdrBytes[8:], body...))
	hdrBytes, err = restruct.Pack(binary.LittleEndian, &hdr)
	if err != nil {
		return 0, fmt.Errorf("pack record header: %w", err)
	}

	n1, err := w.Write(hdrBytes)
	if err != nil {
		return int64(n1), err
	}
	n2, err := w.Write(body)
	return int64(n1 + n2), err
}

// readRecordAt reads the record starting at off, verifying its checksum.
func readRecordAt(r io.ReaderAt, off int64) (key string, val []byte, kind recordKind, totalLen int64, err error) {
	hdrBytes := make([]byte, headerLen)
	if _, err = r.ReadAt(hdrBytes, off); err != nil {
		return "", nil, 0, 0, err
	}

	var hdr recordHeader
	if err = restruct.Unpack(hdrBytes, binary.LittleEndian, &hdr); err != nil {
		return "", nil, 0, 0, fmt.Errorf("unpack record header: %w", err)
	}

	body := make([]byte, int(hdr.KeyLen)+int(hdr.ValLen))
	if _, err = r.ReadAt(body, off+headerLen); err != nil {
		return "", nil, 0, 0, err
	}

	check := xxh3.Hash(append(append([]byte{}, hdrBytes[8:]...), body...))
	if check != hdr.Checksum {
		return "", nil, 0, 0, fmt.Errorf("%w at offset %d", errChecksumMismatch, off)
	}

	key = string(body[:hdr.KeyLen])
	val = body[hdr.KeyLen:]
	totalLen = headerLen + int64(len(body))
	return key, val, recordKind(hdr.Kind), totalLen, nil
}
