//go:build linux

package source

import (
	"os"

	"golang.org/x/sys/unix"
)

// probeGeometry asks the kernel for a block device's sector size and sector
// count via the same ioctls aimage_os.cpp's af_figure_media wraps in C:
// BLKSSZGET for the logical sector size and BLKGETSIZE64 for the device
// size in bytes.
func probeGeometry(f *os.File) (sectorSize int, totalSectors uint64, ok bool) {
	fd := int(f.Fd())

	sz, err := unix.IoctlGetInt(fd, unix.BLKSSZGET)
	if err != nil || sz <= 0 {
		return 0, 0, false
	}

	bytes, err := unix.IoctlGetUint64(fd, unix.BLKGETSIZE64)
	if err != nil {
		return 0, 0, false
	}

	return sz, bytes / uint64(sz), true
}
