package source

import (
	"fmt"
	"io"
	"net"
	"os"

	"github.com/Obsidian-Covenant/aimage/internal/errs"
)

// streamSource wraps any io.ReadCloser whose size is unknown and whose
// position is advisory only: stdin, or the single connection accepted by
// listen:<port>.
type streamSource struct {
	rc   io.ReadCloser
	desc Descriptor
}

func newStdinSource() Source {
	return &streamSource{
		rc: os.Stdin,
		desc: Descriptor{
			ID:         "-",
			Kind:       KindStream,
			SectorSize: DefaultSectorSize,
		},
	}
}

// listenOnce binds a TCP listener on all interfaces for the given port,
// accepts exactly one connection, and treats it as a stream source. The
// peer address becomes the source identifier.
func listenOnce(port int) (Source, error) {
	ln, err := net.Listen("tcp4", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("listen on port %d: %w", port, err)
	}
	defer ln.Close()

	conn, err := ln.Accept()
	if err != nil {
		return nil, fmt.Errorf("accept on port %d: %w", port, err)
	}

	return &streamSource{
		rc: conn,
		desc: Descriptor{
			ID:         conn.RemoteAddr().String(),
			Kind:       KindStream,
			SectorSize: DefaultSectorSize,
		},
	}, nil
}

func (s *streamSource) Descriptor() Descriptor { return s.desc }

// ReadAt ignores offset: a stream has no seek capability, and the read loop
// only ever calls it with offset equal to its own running position.
func (s *streamSource) ReadAt(offset uint64, buf []byte) (int, error) {
	n, err := s.rc.Read(buf)
	if err != nil {
		return n, &errs.SourceIOError{Op: fmt.Sprintf("read %s", s.desc.ID), Err: err}
	}
	return n, nil
}

func (s *streamSource) Close() error { return s.rc.Close() }
