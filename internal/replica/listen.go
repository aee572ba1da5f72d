// Package replica runs several relay processes on one port.
//
// A supervising parent resolves the listen port once, then starts N copies of
// its own executable. Each child binds the same address with SO_REUSEPORT and
// the kernel spreads incoming connections across them. Children share
// nothing: each has its own peer set and its own store.
package replica

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrReusePortUnsupported is returned on platforms without SO_REUSEPORT.
var ErrReusePortUnsupported = errors.New("SO_REUSEPORT is not supported on this platform")

// Listen opens a TCP listener on addr. With reusePort set the socket is
// marked SO_REUSEPORT so sibling replicas can bind the same address.
func Listen(ctx context.Context, addr string, reusePort bool) (net.Listener, error) {
	lc := net.ListenConfig{}
	if reusePort {
		if !reusePortSupported {
			return nil, ErrReusePortUnsupported
		}
		lc.Control = controlReusePort
	}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", addr, err)
	}
	return ln, nil
}
