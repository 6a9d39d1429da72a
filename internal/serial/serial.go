// Package serial wraps the console's serial transport with the minimal
// surface consoled needs: raw reads and writes on the device, and issuing
// a line break condition. Port configuration (baud, parity, flow control)
// is left to whoever provisioned the device.
package serial

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Port is an open serial device.
type Port struct {
	fd   int
	path string
}

// Open opens the device read-write and non-blocking, ready for poll-driven
// use.
func Open(path string) (*Port, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("serial: open %s: %w", path, err)
	}
	return &Port{fd: fd, path: path}, nil
}

// Fd exposes the raw descriptor for event registration.
func (p *Port) Fd() int {
	return p.fd
}

// Path returns the device path the port was opened with.
func (p *Port) Path() string {
	return p.path
}

// Read fills buf with whatever the device has buffered. A would-block
// condition surfaces as unix.EAGAIN; callers poll for readiness.
func (p *Port) Read(buf []byte) (int, error) {
	for {
		n, err := unix.Read(p.fd, buf)
		if err == unix.EINTR {
			continue
		}
		return n, err
	}
}

// Write sends all of buf to the device, waiting for writability as needed.
func (p *Port) Write(buf []byte) (int, error) {
	pos := 0
	for pos < len(buf) {
		n, err := unix.Write(p.fd, buf[pos:])
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			pfd := []unix.PollFd{{Fd: int32(p.fd), Events: unix.POLLOUT}}
			if _, perr := unix.Poll(pfd, -1); perr != nil && perr != unix.EINTR {
				return pos, fmt.Errorf("serial: wait writable: %w", perr)
			}
			continue
		}
		if err != nil {
			return pos, fmt.Errorf("serial: write: %w", err)
		}
		pos += n
	}
	return pos, nil
}

// SendBreak asserts a break condition on the line for the default duration,
// the tcsendbreak(fd, 0) behaviour.
func (p *Port) SendBreak() error {
	if err := unix.IoctlSetInt(p.fd, unix.TCSBRK, 0); err != nil {
		return fmt.Errorf("serial: send break: %w", err)
	}
	return nil
}

// Close releases the descriptor.
func (p *Port) Close() error {
	return unix.Close(p.fd)
}
