//go:build !unix

package transport

import "syscall"

// reusePort is a no-op where SO_REUSEPORT is unavailable.
func reusePort(network, address string, c syscall.RawConn) error {
	return nil
}
