package sink

import (
	"bytes"
	"fmt"
	"io"

	kzlib "github.com/klauspost/compress/zlib"
	"github.com/ulikunitz/xz/lzma"
)

// Algorithm names a sink compression codec by the same strings spec §6.1
// exposes on the CLI and the archive metadata: none, zlib, lzma.
type Algorithm string

const (
	AlgorithmNone Algorithm = "none"
	AlgorithmZlib Algorithm = "zlib"
	AlgorithmLZMA Algorithm = "lzma"
)

// compress returns the on-disk bytes for a page, applying algo at the given
// level. For zlib, level is the library's own compression level (0 selects
// its default); for lzma, a positive level scales the dictionary size.
func compress(algo Algorithm, level int, raw []byte) ([]byte, error) {
	switch algo {
	case AlgorithmNone, "":
		return raw, nil

	case AlgorithmZlib:
		var buf bytes.Buffer
		lvl := level
		if lvl == 0 {
			lvl = kzlib.DefaultCompression
		}
		w, err := kzlib.NewWriterLevel(&buf, lvl)
		if err != nil {
			return nil, fmt.Errorf("sink: zlib writer: %w", err)
		}
		if _, err := w.Write(raw); err != nil {
			w.Close()
			return nil, fmt.Errorf("sink: zlib compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("sink: zlib close: %w", err)
		}
		return buf.Bytes(), nil

	case AlgorithmLZMA:
		var buf bytes.Buffer
		cfg := lzma.WriterConfig{}
		if level > 0 {
			// lzma.WriterConfig has no direct "level" knob; a higher
			// dictionary size is the closest native equivalent to "try
			// harder", so scale it with the requested level.
			cfg.DictCap = 1 << (16 + level)
		}
		w, err := cfg.NewWriter(&buf)
		if err != nil {
			return nil, fmt.Errorf("sink: lzma writer: %w", err)
		}
		if _, err := w.Write(raw); err != nil {
			w.Close()
			return nil, fmt.Errorf("sink: lzma compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("sink: lzma close: %w", err)
		}
		return buf.Bytes(), nil

	default:
		return nil, fmt.Errorf("sink: unknown compression algorithm %q", algo)
	}
}

// decompress reverses compress for the recorded algorithm.
func decompress(algo Algorithm, data []byte) ([]byte, error) {
	switch algo {
	case AlgorithmNone, "":
		return data, nil

	case AlgorithmZlib:
		r, err := kzlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("sink: zlib reader: %w", err)
		}
		defer r.Close()
		return io.ReadAll(r)

	case AlgorithmLZMA:
		r, err := lzma.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("sink: lzma reader: %w", err)
		}
		return io.ReadAll(r)

	default:
		return nil, fmt.Errorf("sink: unknown compression algorithm %q", algo)
	}
}
