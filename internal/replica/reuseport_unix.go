//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package replica

import (
	"syscall"

	"golang.org/x/sys/unix"
)

const reusePortSupported = true

func controlReusePort(_, _ string, c syscall.RawConn) error {
	var serr error
	if err := c.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	}); err != nil {
		return err
	}
	return serr
}
