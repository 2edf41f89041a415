//go:build !linux

package source

import "os"

// probeGeometry has no portable ioctl path off Linux; openNamed then falls
// back to a 512-byte sector size and an unknown (zero) sector count.
func probeGeometry(f *os.File) (sectorSize int, totalSectors uint64, ok bool) {
	return 0, 0, false
}
