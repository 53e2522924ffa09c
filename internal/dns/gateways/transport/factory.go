package transport

import (
	"context"
	"fmt"
	"net/netip"
)

// Open dials a transport of the given type to dest. Only UDP is available;
// the other types are reserved.
func Open(ctx context.Context, transportType TransportType, dest netip.AddrPort, opts Options) (*Stream, *Sender, error) {
	switch transportType {
	case TransportUDP:
		return Dial(ctx, dest, opts)

	case TransportTCP:
		return nil, nil, fmt.Errorf("DNS over TCP transport not yet implemented")

	case TransportDoT:
		return nil, nil, fmt.Errorf("DNS over TLS transport not yet implemented")

	case TransportDoQ:
		return nil, nil, fmt.Errorf("DNS over QUIC transport not yet implemented")

	default:
		return nil, nil, fmt.Errorf("unsupported transport type: %s", transportType)
	}
}

// GetSupportedTransports returns a list of currently supported transport types.
func GetSupportedTransports() []TransportType {
	return []TransportType{
		TransportUDP,
	}
}

// IsTransportSupported checks if a given transport type is currently supported.
func IsTransportSupported(transportType TransportType) bool {
	for _, t := range GetSupportedTransports() {
		if t == transportType {
			return true
		}
	}
	return false
}
