//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package replica

import "syscall"

const reusePortSupported = false

func controlReusePort(_, _ string, _ syscall.RawConn) error {
	return ErrReusePortUnsupported
}
