// Package portbind implements the loopback port-binding retry/fallback
// policy shared by the WebSocket and HTTP endpoints (spec §4.9/§4.10): retry
// the preferred port up to 5 times with a fixed back-off, then walk
// subsequent ports (skipping one reserved by a sibling endpoint) until one
// binds or the port space is exhausted.
package portbind

import (
	"fmt"
	"net"
	"time"

	"github.com/daibug/daibug/internal/huberr"
)

const (
	maxRetries = 5
	backoff    = 120 * time.Millisecond
)

// Bind attempts to bind a TCP listener on the loopback interface, starting
// at preferred. skip, if non-zero, is a port reserved by a sibling endpoint
// and is never attempted — including as the preferred port itself, so a
// sibling's port never burns the retry budget before falling through to the
// incremental scan. It returns the bound listener and the resolved port, or
// a PORT_EXHAUSTED error.
func Bind(preferred, skip int) (net.Listener, int, error) {
	if preferred == 0 || skip == 0 || preferred != skip {
		for attempt := 0; attempt < maxRetries; attempt++ {
			if ln, err := listen(preferred); err == nil {
				return ln, resolvedPort(ln), nil
			}
			if attempt < maxRetries-1 {
				time.Sleep(backoff)
			}
		}
	}

	if preferred == 0 {
		return nil, 0, huberr.PortExhaustedf("no loopback port available")
	}

	for port := preferred + 1; port <= 65535; port++ {
		if port == skip {
			continue
		}
		if ln, err := listen(port); err == nil {
			return ln, resolvedPort(ln), nil
		}
	}

	return nil, 0, huberr.PortExhaustedf("no loopback port available starting at %d", preferred)
}

func listen(port int) (net.Listener, error) {
	return net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
}

func resolvedPort(ln net.Listener) int {
	if addr, ok := ln.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}
