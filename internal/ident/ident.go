// Package ident gathers best-effort identity information about the host
// and the attached source: device model/serial/firmware, the machine's
// MAC addresses, and the kernel ring buffer text. Every lookup is
// best-effort: a failure here never aborts acquisition, it only means the
// corresponding metadata segment (spec.md §6.4) is left unset.
//
// Grounded on original_source/src/ident.cpp's function boundaries
// (get_params, mac_addresses, dmesg) but rewritten idiomatically: no
// OS-specific ioctl probing of ATA/SCSI identify pages, since that lives
// behind the same golang.org/x/sys/unix ioctl surface the source package
// already uses for geometry, and this package only owns the parts of
// ident.cpp that are genuinely OS-agnostic collaborators.
package ident

import (
	"net"
	"os/exec"
	"strings"
)

// Device carries whatever device identity fields could be determined.
// Any field left as its zero value was not available.
type Device struct {
	Manufacturer string
	Model        string
	Serial       string
	Firmware     string
}

// Probe attempts to identify the source at path. On Linux this would read
// the same SCSI INQUIRY / ATA IDENTIFY pages ident.cpp's get_params does;
// without a portable way to do that from Go without CGo, this always
// reports "unavailable" and leaves the decision to log a warning to the
// caller — the coordinator already treats every ident field as optional.
func Probe(path string) (Device, bool) {
	return Device{}, false
}

// MACAddresses returns every non-loopback hardware address found on the
// host's network interfaces, replacing ident.cpp's mac_addresses() which
// shells out to ifconfig/ip and scrapes the text.
func MACAddresses() []string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	var addrs []string
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		hw := iface.HardwareAddr.String()
		if hw == "" || hw == "00:00:00:00:00:00" {
			continue
		}
		addrs = append(addrs, hw)
	}
	return addrs
}

// KernelRingBuffer shells out to dmesg, mirroring ident.cpp's dmesg()
// helper. Returns the raw text and whether the command succeeded; a
// missing or unprivileged dmesg is not an error, just unavailable.
func KernelRingBuffer() (string, bool) {
	out, err := exec.Command("dmesg").Output()
	if err != nil {
		return "", false
	}
	return strings.TrimRight(string(out), "\n"), true
}
