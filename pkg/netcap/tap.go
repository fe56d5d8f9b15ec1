// Package netcap backs the monitor's network hypercall with a host
// TAP device: raw Ethernet frame I/O, no protocol-stack emulation.
package netcap

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

const maxFrame = 2048 // max Ethernet frame size plus slack, matching the teacher's buffer

// Tap is a Linux TUN/TAP device opened in tap (Ethernet frame) mode.
type Tap struct {
	fd   int
	name string
}

// Open creates (or attaches to, if it already exists) a TAP interface
// named name and returns a handle for reading and writing raw frames.
func Open(name string) (*Tap, error) {
	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("netcap: open /dev/net/tun: %w", err)
	}

	var ifr struct {
		Name  [16]byte
		Flags uint16
		_     [22]byte // ifreq is a union past Flags; TUNSETIFF only reads name+flags
	}
	copy(ifr.Name[:], name)
	ifr.Flags = unix.IFF_TAP | unix.IFF_NO_PI

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(unix.TUNSETIFF), uintptr(unsafe.Pointer(&ifr))); errno != 0 {
		unix.Close(fd)
		return nil, fmt.Errorf("netcap: TUNSETIFF %s: %w", name, errno)
	}
	return &Tap{fd: fd, name: unix.ByteSliceToString(ifr.Name[:])}, nil
}

// IfName is the kernel-assigned interface name (may differ from the
// name passed to Open if the kernel had to disambiguate it).
func (t *Tap) IfName() string { return t.name }

// RecvPacket reads one Ethernet frame, or (nil, nil) if none is
// currently available on a non-blocking fd.
func (t *Tap) RecvPacket() ([]byte, error) {
	buf := make([]byte, maxFrame)
	n, err := unix.Read(t.fd, buf)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return nil, nil
		}
		return nil, fmt.Errorf("netcap: read %s: %w", t.name, err)
	}
	return buf[:n], nil
}

// SendPacket writes one Ethernet frame to the device.
func (t *Tap) SendPacket(frame []byte) error {
	if _, err := unix.Write(t.fd, frame); err != nil {
		return fmt.Errorf("netcap: write %s: %w", t.name, err)
	}
	return nil
}

// Close releases the TAP file descriptor.
func (t *Tap) Close() error {
	if t.fd < 0 {
		return nil
	}
	fd := t.fd
	t.fd = -1
	return unix.Close(fd)
}
