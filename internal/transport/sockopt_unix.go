//go:build unix

package transport

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// reusePort enables SO_REUSEPORT on the listener socket before bind.
func reusePort(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
