//go:build linux || darwin || freebsd || netbsd || openbsd

package transport

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// udpSocket is a *net.UDPConn driven through its raw file descriptor so that
// every operation returns immediately instead of parking the goroutine.
type udpSocket struct {
	conn  *net.UDPConn
	raw   syscall.RawConn
	local netip.AddrPort
}

// listenUDP binds a UDP socket of laddr's family. IPv6 sockets are bound
// with "udp6" so they never accept IPv4-mapped traffic.
func listenUDP(laddr netip.AddrPort) (PacketConn, error) {
	network := "udp6"
	if laddr.Addr().Is4() {
		network = "udp4"
	}

	conn, err := net.ListenUDP(network, net.UDPAddrFromAddrPort(laddr))
	if err != nil {
		return nil, err
	}
	raw, err := conn.SyscallConn()
	if err != nil {
		conn.Close()
		return nil, err
	}

	local := conn.LocalAddr().(*net.UDPAddr).AddrPort()
	return &udpSocket{
		conn:  conn,
		raw:   raw,
		local: netip.AddrPortFrom(local.Addr().Unmap(), local.Port()),
	}, nil
}

func (s *udpSocket) WriteTo(b []byte, addr netip.AddrPort) (int, error) {
	sa, err := sockaddr(addr)
	if err != nil {
		return 0, err
	}

	var opErr error
	err = s.raw.Write(func(fd uintptr) bool {
		opErr = unix.Sendto(int(fd), b, 0, sa)
		return true
	})
	if err != nil {
		return 0, err
	}
	if isWouldBlock(opErr) {
		return 0, ErrWouldBlock
	}
	if opErr != nil {
		return 0, os.NewSyscallError("sendto", opErr)
	}
	return len(b), nil
}

func (s *udpSocket) ReadFrom(b []byte) (int, netip.AddrPort, error) {
	var (
		n     int
		from  unix.Sockaddr
		opErr error
	)
	err := s.raw.Read(func(fd uintptr) bool {
		n, from, opErr = unix.Recvfrom(int(fd), b, 0)
		return true
	})
	if err != nil {
		return 0, netip.AddrPort{}, err
	}
	if isWouldBlock(opErr) {
		return 0, netip.AddrPort{}, ErrWouldBlock
	}
	if opErr != nil {
		return 0, netip.AddrPort{}, os.NewSyscallError("recvfrom", opErr)
	}
	return n, addrPort(from), nil
}

func (s *udpSocket) Writable() (bool, error) {
	var (
		revents int16
		pollErr error
	)
	err := s.raw.Control(func(fd uintptr) {
		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
		for {
			_, pollErr = unix.Poll(fds, 0)
			if !errors.Is(pollErr, unix.EINTR) {
				break
			}
		}
		revents = fds[0].Revents
	})
	if err != nil {
		return false, err
	}
	if pollErr != nil {
		return false, os.NewSyscallError("poll", pollErr)
	}
	if revents&(unix.POLLERR|unix.POLLNVAL) != 0 {
		return false, fmt.Errorf("socket error condition (revents %#x)", revents)
	}
	return revents&unix.POLLOUT != 0, nil
}

func (s *udpSocket) LocalAddr() netip.AddrPort { return s.local }

func (s *udpSocket) Close() error { return s.conn.Close() }

func isWouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}

func sockaddr(addr netip.AddrPort) (unix.Sockaddr, error) {
	ip := addr.Addr()
	switch {
	case ip.Is4():
		return &unix.SockaddrInet4{Port: int(addr.Port()), Addr: ip.As4()}, nil
	case ip.Is6():
		sa := &unix.SockaddrInet6{Port: int(addr.Port()), Addr: ip.As16()}
		if zone := ip.Zone(); zone != "" {
			index, err := zoneIndex(zone)
			if err != nil {
				return nil, fmt.Errorf("resolve zone %q: %w", zone, err)
			}
			sa.ZoneId = uint32(index)
		}
		return sa, nil
	default:
		return nil, fmt.Errorf(errInvalidDest, addr.String())
	}
}

func addrPort(sa unix.Sockaddr) netip.AddrPort {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port))
	case *unix.SockaddrInet6:
		addr := netip.AddrFrom16(sa.Addr)
		if sa.ZoneId != 0 {
			addr = addr.WithZone(zoneName(int(sa.ZoneId)))
		}
		return netip.AddrPortFrom(addr, uint16(sa.Port))
	default:
		return netip.AddrPort{}
	}
}
