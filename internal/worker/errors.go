package worker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
)

// Kind classifies why a fetch failed.
type Kind string

const (
	KindNetwork  Kind = "network"
	KindTimeout  Kind = "timeout"
	KindProtocol Kind = "protocol"
)

// FetchError is returned by the pool for every failed fetch.
type FetchError struct {
	Kind Kind
	Err  error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s error: %v", e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Classify maps a fetch error onto a Kind. Deadlines are timeouts, failures to
// reach or talk to the host are network errors and everything else (bad URLs,
// malformed responses, oversized bodies) is a protocol error.
func Classify(err error) Kind {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindNetwork
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return KindNetwork
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindNetwork
	}
	return KindProtocol
}
