//go:build unix

package announce

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// reuseAddr marks the socket SO_REUSEADDR before bind so several shops on
// one host can share the multicast port.
func reuseAddr(_, _ string, c syscall.RawConn) error {
	var serr error
	err := c.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return serr
}
