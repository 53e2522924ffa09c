package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"github.com/haukened/rr-dnsq/internal/dns/common/clock"
	"github.com/haukened/rr-dnsq/internal/dns/common/log"
	"github.com/haukened/rr-dnsq/internal/dns/common/queue"
)

// Stream is a UDP conduit to one destination. It is driven by Poll (or the
// Next and Run executors) from a single goroutine; only Sender handles may
// be used concurrently.
//
// The stream never holds more than one unsent buffer. While a buffer waits
// for the socket, nothing else is dequeued and nothing is received.
//
// When every Sender has been closed and the queue has drained, the whole
// stream ends, including the receive side. Replies still in flight at that
// point are not read.
type Stream struct {
	dest   netip.AddrPort
	binder *Binder
	logger log.Logger
	clock  clock.Clock

	pollInterval time.Duration
	rebindDelay  time.Duration

	state    State
	conn     PacketConn
	outbound *queue.Receiver[[]byte]
	retryAt  time.Time
	recvBuf  []byte

	// pending is the single pending-send slot.
	pending    []byte
	hasPending bool

	sent       atomic.Uint64
	received   atomic.Uint64
	mismatched atomic.Uint64
}

// Sender is a producer handle for a Stream. It is safe for concurrent use.
type Sender struct {
	tx *queue.Sender[[]byte]
}

// Stats is a snapshot of stream counters.
type Stats struct {
	Sent          uint64
	Received      uint64
	Mismatched    uint64
	BindAttempts  uint64
	BindFailures  uint64
	PendingWrites int
}

// NewStream returns a stream in the Binding state together with its first
// Sender. Nothing touches the network until the stream is polled; messages
// sent before binding completes are flushed once it does.
func NewStream(dest netip.AddrPort, opts Options) (*Stream, *Sender, error) {
	if !dest.IsValid() || dest.Port() == 0 {
		return nil, nil, fmt.Errorf(errInvalidDest, dest.String())
	}
	opts = opts.withDefaults()

	binder, err := NewBinder(opts)
	if err != nil {
		return nil, nil, err
	}

	dest = normalizeDest(dest)
	tx, rx := queue.New[[]byte]()
	s := &Stream{
		dest:   dest,
		binder: binder,
		logger: opts.Logger.With(map[string]any{
			"transport":   string(TransportUDP),
			"destination": dest.String(),
		}),
		clock:        opts.Clock,
		pollInterval: opts.PollInterval,
		rebindDelay:  opts.RebindDelay,
		state:        StateBinding,
		outbound:     rx,
		recvBuf:      make([]byte, opts.RecvBufferSize),
	}
	return s, &Sender{tx: tx}, nil
}

// Dial creates a stream and drives binding to completion before returning
// the linked stream and sender. Exhausted bind rounds are retried every
// RebindDelay until ctx is done; any other bind failure is returned.
func Dial(ctx context.Context, dest netip.AddrPort, opts Options) (*Stream, *Sender, error) {
	s, tx, err := NewStream(dest, opts)
	if err != nil {
		return nil, nil, err
	}

	for {
		err := s.pollBind()
		if err == nil {
			return s, tx, nil
		}
		if !errors.Is(err, ErrNotReady) {
			tx.Close()
			return nil, nil, err
		}

		select {
		case <-ctx.Done():
			tx.Close()
			s.Close()
			return nil, nil, ctx.Err()
		case <-s.clock.After(s.retryAt.Sub(s.clock.Now())):
		}
	}
}

// Send enqueues one encoded message. It never blocks. The buffer must not be
// modified after Send returns.
func (tx *Sender) Send(msg []byte) error {
	if err := tx.tx.Send(msg); err != nil {
		return fmt.Errorf("%w: %w", ErrClosed, err)
	}
	return nil
}

// Clone returns another handle feeding the same stream.
func (tx *Sender) Clone() (*Sender, error) {
	c, err := tx.tx.Clone()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrClosed, err)
	}
	return &Sender{tx: c}, nil
}

// Close drops this handle. Once every handle is closed and the queued
// messages have been sent, the stream ends.
func (tx *Sender) Close() {
	tx.tx.Close()
}

// Poll advances the stream without blocking. It returns one datagram, or
// ErrNotReady when it has to wait on the socket or the queue, or io.EOF once
// the stream has ended. Any other error is terminal; after it Poll returns
// io.EOF.
func (s *Stream) Poll() (Datagram, error) {
	switch s.state {
	case StateClosed:
		return Datagram{}, io.EOF
	case StateBinding:
		if s.outbound.Done() {
			s.finish()
			return Datagram{}, io.EOF
		}
		if err := s.pollBind(); err != nil {
			return Datagram{}, err
		}
	}
	return s.pollStream()
}

// pollBind runs a bind round unless the previous round asked to wait.
func (s *Stream) pollBind() error {
	now := s.clock.Now()
	if !s.retryAt.IsZero() && now.Before(s.retryAt) {
		return ErrNotReady
	}

	conn, err := s.binder.Bind(s.dest)
	if errors.Is(err, ErrPortExhausted) {
		s.retryAt = now.Add(s.rebindDelay)
		return ErrNotReady
	}
	if err != nil {
		s.finish()
		return err
	}

	s.conn = conn
	s.retryAt = time.Time{}
	s.state = StateIdle
	s.logger.Debug(map[string]any{
		"local": conn.LocalAddr().String(),
	}, "bound ephemeral port")
	return nil
}

func (s *Stream) pollStream() (Datagram, error) {
	for {
		if s.hasPending {
			if _, err := s.conn.WriteTo(s.pending, s.dest); err != nil {
				if errors.Is(err, ErrWouldBlock) {
					s.state = StatePendingWrite
					return Datagram{}, ErrNotReady
				}
				return Datagram{}, s.fail(fmt.Errorf(errSendFailed, s.dest, err))
			}
			s.sent.Inc()
			s.pending = nil
			s.hasPending = false
			s.state = StateIdle
		}

		msg, status := s.outbound.TryRecv()
		if status == queue.Closed {
			s.state = StateDraining
			break
		}
		if status == queue.Empty {
			break
		}

		writable, err := s.conn.Writable()
		if err != nil {
			return Datagram{}, s.fail(fmt.Errorf(errPollWriteFailed, err))
		}
		// The slot is empty here, so keeping msg holds at most one buffer.
		s.pending = msg
		s.hasPending = true
		if !writable {
			s.state = StatePendingWrite
			return Datagram{}, ErrNotReady
		}
	}

	if s.state == StateDraining {
		s.finish()
		return Datagram{}, io.EOF
	}

	n, src, err := s.conn.ReadFrom(s.recvBuf)
	if errors.Is(err, ErrWouldBlock) {
		return Datagram{}, ErrNotReady
	}
	if err != nil {
		return Datagram{}, s.fail(fmt.Errorf(errRecvFailed, err))
	}
	s.received.Inc()

	d := Datagram{
		Data:   append([]byte(nil), s.recvBuf[:n]...),
		Source: src,
	}
	if !sameEndpoint(src, s.dest) {
		d.SourceMismatch = true
		s.mismatched.Inc()
		s.logger.Debug(map[string]any{
			"source":      src.String(),
			"destination": s.dest.String(),
		}, "source does not match destination")
	}
	return d, nil
}

// fail ends the stream after a hard I/O error.
func (s *Stream) fail(err error) error {
	s.logger.Debug(map[string]any{"error": err.Error()}, "UDP stream failed")
	s.finish()
	return err
}

// finish releases the socket and the queue and enters StateClosed.
func (s *Stream) finish() error {
	if s.state == StateClosed {
		return nil
	}
	s.state = StateClosed
	s.pending = nil
	s.hasPending = false
	s.outbound.Close()

	var err error
	if s.conn != nil {
		err = multierr.Append(err, s.conn.Close())
	}
	s.logger.Debug(map[string]any{
		"sent":     s.sent.Load(),
		"received": s.received.Load(),
	}, "UDP stream closed")
	return err
}

// Close tears the stream down. Subsequent Send calls fail with ErrClosed and
// Poll returns io.EOF. It must not run concurrently with Poll.
func (s *Stream) Close() error {
	return s.finish()
}

// State returns the current lifecycle state.
func (s *Stream) State() State { return s.state }

// Destination returns the peer address datagrams are sent to.
func (s *Stream) Destination() netip.AddrPort { return s.dest }

// LocalAddr returns the bound local address, or the zero value while binding.
func (s *Stream) LocalAddr() netip.AddrPort {
	if s.conn == nil {
		return netip.AddrPort{}
	}
	return s.conn.LocalAddr()
}

// RetryAt returns when the next bind round may run. It is zero unless the
// last round exhausted its attempts.
func (s *Stream) RetryAt() time.Time { return s.retryAt }

// PendingLen returns how many buffers occupy the pending-send slot (0 or 1).
func (s *Stream) PendingLen() int {
	if s.hasPending {
		return 1
	}
	return 0
}

// Stats returns a snapshot of the stream counters.
func (s *Stream) Stats() Stats {
	return Stats{
		Sent:          s.sent.Load(),
		Received:      s.received.Load(),
		Mismatched:    s.mismatched.Load(),
		BindAttempts:  s.binder.Attempts(),
		BindFailures:  s.binder.Failures(),
		PendingWrites: s.PendingLen(),
	}
}
