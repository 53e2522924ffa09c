package transport

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"net/netip"
	"syscall"

	"github.com/bits-and-blooms/bitset"
	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"github.com/haukened/rr-dnsq/internal/dns/common/log"
)

// Binder acquires a datagram socket on a random local port. Random source
// ports make off-path response spoofing harder (RFC 5452).
type Binder struct {
	attempts int
	portMin  int
	portMax  int
	allowed  *bitset.BitSet
	free     uint
	intn     func(n int) int
	listen   ListenFunc
	logger   log.Logger

	tried  atomic.Uint64
	failed atomic.Uint64
}

// NewBinder validates the port range and avoid list in opts.
func NewBinder(opts Options) (*Binder, error) {
	opts = opts.withDefaults()
	if opts.PortMin < 1 || opts.PortMax > 65535 || opts.PortMin >= opts.PortMax {
		return nil, fmt.Errorf(errPortRange, opts.PortMin, opts.PortMax)
	}

	// allowed has a bit set for every port that may be drawn.
	allowed := bitset.New(uint(opts.PortMax))
	allowed.FlipRange(uint(opts.PortMin), uint(opts.PortMax))
	for _, p := range opts.AvoidPorts {
		if p >= opts.PortMin && p < opts.PortMax {
			allowed.Clear(uint(p))
		}
	}
	free := allowed.Count()
	if free == 0 {
		return nil, fmt.Errorf(errAllPortsAvoided, opts.PortMin, opts.PortMax)
	}

	intn := opts.Intn
	if intn == nil {
		intn = rand.IntN
	}
	return &Binder{
		attempts: opts.BindAttempts,
		portMin:  opts.PortMin,
		portMax:  opts.PortMax,
		allowed:  allowed,
		free:     free,
		intn:     intn,
		listen:   opts.Listen,
		logger:   opts.Logger,
	}, nil
}

// nextPort draws uniformly from the ports of [portMin, portMax) that are not
// avoided: the draw k selects the k-th allowed port.
func (b *Binder) nextPort() uint16 {
	k := uint(b.intn(int(b.free)))
	if b.free == uint(b.portMax-b.portMin) {
		return uint16(uint(b.portMin) + k)
	}
	return uint16(b.allowed.Select(k))
}

// Bind runs one bind round against the wildcard address of dest's family.
// If every attempt fails with a retryable error it returns an error wrapping
// ErrPortExhausted; other errors are returned immediately.
func (b *Binder) Bind(dest netip.AddrPort) (PacketConn, error) {
	wildcard := WildcardAddr(dest)

	var errs error
	for attempt := 0; attempt < b.attempts; attempt++ {
		laddr := netip.AddrPortFrom(wildcard, b.nextPort())
		b.tried.Inc()

		conn, err := b.listen(laddr)
		if err == nil {
			return conn, nil
		}
		b.failed.Inc()

		if !isRetryableBindError(err) {
			return nil, fmt.Errorf(errBindFailed, laddr, err)
		}
		b.logger.Debug(map[string]any{
			"attempt": attempt,
			"address": laddr.String(),
			"error":   err.Error(),
		}, "unable to bind port")
		errs = multierr.Append(errs, err)
	}

	b.logger.Warn(map[string]any{
		"attempts":    b.attempts,
		"destination": dest.String(),
	}, "could not get next random port, delaying")
	return nil, fmt.Errorf("%w after %d attempts: %w", ErrPortExhausted, b.attempts, errs)
}

// Attempts returns the number of bind attempts made so far.
func (b *Binder) Attempts() uint64 { return b.tried.Load() }

// Failures returns the number of failed bind attempts so far.
func (b *Binder) Failures() uint64 { return b.failed.Load() }

// isRetryableBindError reports failures that another port may not hit.
func isRetryableBindError(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE) ||
		errors.Is(err, syscall.EACCES) ||
		errors.Is(err, syscall.EPERM)
}
