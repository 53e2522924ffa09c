//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package transport

import (
	"errors"
	"net/netip"
)

var errUnsupportedPlatform = errors.New("non-blocking UDP sockets are not supported on this platform")

func listenUDP(netip.AddrPort) (PacketConn, error) {
	return nil, errUnsupportedPlatform
}
