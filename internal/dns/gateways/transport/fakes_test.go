package transport

import (
	"net"
	"net/netip"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/haukened/rr-dnsq/internal/dns/common/log"
)

// fakeNet hands out fakeConns and records every bind attempt.
type fakeNet struct {
	mu     sync.Mutex
	tried  []netip.AddrPort
	errs   []error
	always error
	conns  []*fakeConn
}

func newFakeNet(errs ...error) *fakeNet {
	return &fakeNet{errs: errs}
}

func (f *fakeNet) listen(laddr netip.AddrPort) (PacketConn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tried = append(f.tried, laddr)
	if f.always != nil {
		return nil, f.always
	}
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	c := newFakeConn(laddr)
	f.conns = append(f.conns, c)
	return c, nil
}

func (f *fakeNet) attempts() []netip.AddrPort {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]netip.AddrPort(nil), f.tried...)
}

func (f *fakeNet) conn() *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.conns) == 0 {
		return nil
	}
	return f.conns[len(f.conns)-1]
}

type fakePacket struct {
	data []byte
	from netip.AddrPort
}

// fakeConn is an in-memory PacketConn. Reads return ErrWouldBlock when the
// inbox is empty.
type fakeConn struct {
	mu          sync.Mutex
	local       netip.AddrPort
	writable    bool
	writableErr error
	writeBlocks int
	writeErr    error
	readErr     error
	written     [][]byte
	inbox       []fakePacket
	reads       int
	closed      bool
}

func newFakeConn(local netip.AddrPort) *fakeConn {
	return &fakeConn{local: local, writable: true}
}

func (c *fakeConn) WriteTo(b []byte, _ netip.AddrPort) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.closed:
		return 0, net.ErrClosed
	case c.writeErr != nil:
		return 0, c.writeErr
	case !c.writable:
		return 0, ErrWouldBlock
	case c.writeBlocks > 0:
		c.writeBlocks--
		return 0, ErrWouldBlock
	}
	c.written = append(c.written, append([]byte(nil), b...))
	return len(b), nil
}

func (c *fakeConn) ReadFrom(b []byte) (int, netip.AddrPort, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reads++
	switch {
	case c.closed:
		return 0, netip.AddrPort{}, net.ErrClosed
	case c.readErr != nil:
		return 0, netip.AddrPort{}, c.readErr
	case len(c.inbox) == 0:
		return 0, netip.AddrPort{}, ErrWouldBlock
	}
	p := c.inbox[0]
	c.inbox = c.inbox[1:]
	return copy(b, p.data), p.from, nil
}

func (c *fakeConn) Writable() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writable, c.writableErr
}

func (c *fakeConn) LocalAddr() netip.AddrPort { return c.local }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) deliver(from netip.AddrPort, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inbox = append(c.inbox, fakePacket{data: data, from: from})
}

func (c *fakeConn) setWritable(w bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writable = w
}

func (c *fakeConn) sent() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.written...)
}

func (c *fakeConn) readCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reads
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// observedLogger returns a debug-level logger whose entries can be inspected.
func observedLogger() (log.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return log.FromZap(zap.New(core)), logs
}
