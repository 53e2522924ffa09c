// Package transport provides client-side network transports for exchanging
// DNS messages with a single upstream server. Messages cross the transport as
// opaque, already encoded byte buffers; encoding and decoding belong to the
// caller's codec.
//
// The UDP transport is a poll-driven state machine. A Stream owns an
// ephemeral, randomly bound socket and the consuming end of an outbound
// queue; any number of Sender handles feed that queue. Each call to
// Stream.Poll does a bounded amount of non-blocking work and either yields one
// received datagram, reports ErrNotReady, or ends the sequence with io.EOF.
// Stream.Next and Stream.Run are simple executors built on Poll.
package transport

import (
	"errors"
	"net"
	"net/netip"
	"strconv"
	"time"

	"github.com/haukened/rr-dnsq/internal/dns/common/clock"
	"github.com/haukened/rr-dnsq/internal/dns/common/log"
)

// Error message constants for consistent error handling
const (
	errBindFailed      = "bind %s: %w"
	errSendFailed      = "send to %s failed: %w"
	errRecvFailed      = "receive failed: %w"
	errPollWriteFailed = "poll writable failed: %w"
	errInvalidDest     = "invalid destination address %q"
	errPortRange       = "invalid port range [%d, %d)"
	errAllPortsAvoided = "every port in [%d, %d) is avoided"
)

var (
	// ErrNotReady reports that Poll cannot make progress without blocking.
	// The caller should poll again later.
	ErrNotReady = errors.New("transport not ready")

	// ErrWouldBlock is returned by PacketConn operations that would block.
	ErrWouldBlock = errors.New("operation would block")

	// ErrPortExhausted is returned by a bind round in which every attempt failed
	// with a retryable error. It is transient.
	ErrPortExhausted = errors.New("no ephemeral port available")

	// ErrClosed is returned by Sender.Send once the stream has been torn down.
	ErrClosed = errors.New("transport closed")
)

// TransportType represents the different types of DNS transport protocols.
type TransportType string

const (
	// TransportUDP represents standard DNS over UDP (RFC 1035)
	TransportUDP TransportType = "udp"

	// TransportTCP represents DNS over TCP (RFC 7766) - future implementation
	TransportTCP TransportType = "tcp"

	// TransportDoT represents DNS over TLS (RFC 7858) - future implementation
	TransportDoT TransportType = "dot"

	// TransportDoQ represents DNS over QUIC (RFC 9250) - future implementation
	TransportDoQ TransportType = "doq"
)

// Datagram is one message read from the socket.
type Datagram struct {
	// Data is the received payload. It is owned by the caller.
	Data []byte
	// Source is the address the datagram came from.
	Source netip.AddrPort
	// SourceMismatch is set when Source differs from the stream destination.
	// Such datagrams are still delivered.
	SourceMismatch bool
}

// State is the lifecycle state of a Stream.
type State int

const (
	// StateBinding means no local socket has been acquired yet.
	StateBinding State = iota
	// StateIdle means the pending-send slot is empty.
	StateIdle
	// StatePendingWrite means one buffer is waiting for the socket to become writable.
	StatePendingWrite
	// StateDraining means every sender is gone and the queue is empty.
	StateDraining
	// StateClosed is terminal.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateBinding:
		return "binding"
	case StateIdle:
		return "idle"
	case StatePendingWrite:
		return "pending-write"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// PacketConn is the non-blocking datagram socket a Stream drives.
// Operations that cannot complete immediately return ErrWouldBlock.
type PacketConn interface {
	WriteTo(b []byte, addr netip.AddrPort) (int, error)
	ReadFrom(b []byte) (int, netip.AddrPort, error)
	// Writable reports, without blocking, whether a write would be accepted.
	Writable() (bool, error)
	LocalAddr() netip.AddrPort
	Close() error
}

// ListenFunc binds a PacketConn to laddr.
type ListenFunc func(laddr netip.AddrPort) (PacketConn, error)

// Options configures a Stream and its Binder.
type Options struct {
	// BindAttempts is the number of random ports tried per bind round.
	BindAttempts int
	// PortMin and PortMax bound local ports to [PortMin, PortMax).
	PortMin int
	PortMax int
	// AvoidPorts are never chosen.
	AvoidPorts []int
	// RecvBufferSize is the size of the buffer each receive reads into.
	RecvBufferSize int
	// RebindDelay is how long a stream waits before another bind round
	// once every attempt of a round has failed.
	RebindDelay time.Duration
	// PollInterval bounds how long Next parks before polling again.
	PollInterval time.Duration

	Logger log.Logger
	Clock  clock.Clock

	// options to inject for testing purposes
	Listen ListenFunc
	Intn   func(n int) int
}

const (
	DefaultBindAttempts   = 10
	DefaultPortMin        = 1025
	DefaultPortMax        = 65535
	DefaultRecvBufferSize = 2048
	DefaultRebindDelay    = 50 * time.Millisecond
	DefaultPollInterval   = 2 * time.Millisecond
)

// withDefaults fills zero fields.
func (o Options) withDefaults() Options {
	if o.BindAttempts <= 0 {
		o.BindAttempts = DefaultBindAttempts
	}
	if o.PortMin == 0 && o.PortMax == 0 {
		o.PortMin = DefaultPortMin
		o.PortMax = DefaultPortMax
	}
	if o.RecvBufferSize <= 0 {
		o.RecvBufferSize = DefaultRecvBufferSize
	}
	if o.RebindDelay <= 0 {
		o.RebindDelay = DefaultRebindDelay
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.Logger == nil {
		o.Logger = log.GetLogger()
	}
	if o.Clock == nil {
		o.Clock = clock.RealClock{}
	}
	if o.Listen == nil {
		o.Listen = listenUDP
	}
	return o
}

// WildcardAddr returns the unspecified address of dest's family.
func WildcardAddr(dest netip.AddrPort) netip.Addr {
	if dest.Addr().Unmap().Is4() {
		return netip.IPv4Unspecified()
	}
	return netip.IPv6Unspecified()
}

// normalizeDest unmaps IPv4-mapped IPv6 destinations so that the bound
// family and source comparisons use plain IPv4.
func normalizeDest(dest netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(dest.Addr().Unmap(), dest.Port())
}

// sameEndpoint reports whether a datagram source is the destination. A zone
// only matters when both sides carry one; numeric and named zones for the
// same interface are equal.
func sameEndpoint(src, dest netip.AddrPort) bool {
	if src.Port() != dest.Port() || src.Addr().WithZone("") != dest.Addr().WithZone("") {
		return false
	}
	zs, zd := src.Addr().Zone(), dest.Addr().Zone()
	if zs == "" || zd == "" || zs == zd {
		return true
	}
	is, errS := zoneIndex(zs)
	id, errD := zoneIndex(zd)
	return errS == nil && errD == nil && is == id
}

// zoneIndex resolves an IPv6 zone, numeric or an interface name, to an
// interface index.
func zoneIndex(zone string) (int, error) {
	if n, err := strconv.ParseUint(zone, 10, 32); err == nil {
		return int(n), nil
	}
	ifi, err := net.InterfaceByName(zone)
	if err != nil {
		return 0, err
	}
	return ifi.Index, nil
}

// zoneName is the inverse of zoneIndex. It falls back to the number when the
// interface cannot be found.
func zoneName(index int) string {
	if ifi, err := net.InterfaceByIndex(index); err == nil {
		return ifi.Name
	}
	return strconv.Itoa(index)
}
