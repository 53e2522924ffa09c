package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"strings"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/haukened/rr-dnsq/internal/dns/common/log"
	"github.com/haukened/rr-dnsq/internal/dns/gateways/transport"
)

// Error message constants for consistent error handling
const (
	errNoServersProvided = "no upstream DNS servers provided"
	errInvalidServer     = "invalid upstream server %q: %w"
	errServerFailed      = "server %s: %w"
	errAllServersFailed  = "all %d upstream servers failed"
	errEncodeFailed      = "encode failed: %w"
	errNoReply           = "stream ended before a reply arrived"
)

// errAnswered stops the receive loop once the matching reply arrived.
var errAnswered = errors.New("answered")

// Resolver forwards queries to upstream servers over UDP transport streams.
// Each attempt opens its own stream so every query leaves from a fresh
// random source port.
type Resolver struct {
	servers   []netip.AddrPort
	timeout   time.Duration
	parallel  bool
	transport transport.Options
	logger    log.Logger
}

// Options defines configuration parameters for the upstream DNS resolver.
type Options struct {
	// required parameters
	Servers []string
	// Timeout bounds each per-server attempt.
	Timeout  time.Duration
	Parallel bool
	// Transport configures the UDP streams.
	Transport transport.Options
}

// NewResolver creates a new upstream resolver with the specified options.
// Servers must be ip:port literals. Timeout defaults to 5 seconds.
func NewResolver(opts Options) (*Resolver, error) {
	if len(opts.Servers) == 0 {
		return nil, errors.New(errNoServersProvided)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}

	servers := make([]netip.AddrPort, 0, len(opts.Servers))
	for _, s := range opts.Servers {
		addr, err := netip.ParseAddrPort(s)
		if err != nil {
			return nil, fmt.Errorf(errInvalidServer, s, err)
		}
		servers = append(servers, addr)
	}

	logger := opts.Transport.Logger
	if logger == nil {
		logger = log.GetLogger()
	}
	return &Resolver{
		servers:   servers,
		timeout:   opts.Timeout,
		parallel:  opts.Parallel,
		transport: opts.Transport,
		logger:    logger,
	}, nil
}

// Resolve sends query upstream and returns the first reply that matches it.
// Servers are tried in order, or all at once when the resolver is parallel.
func (r *Resolver) Resolve(ctx context.Context, query *dns.Msg) (*dns.Msg, error) {
	packed, err := query.Pack()
	if err != nil {
		return nil, fmt.Errorf(errEncodeFailed, err)
	}

	if r.parallel {
		return r.resolveParallel(ctx, query, packed)
	}
	return r.resolveSerial(ctx, query, packed)
}

// resolveSerial attempts each server in order until one responds.
func (r *Resolver) resolveSerial(ctx context.Context, query *dns.Msg, packed []byte) (*dns.Msg, error) {
	var errs error
	for _, server := range r.servers {
		reply, err := r.exchange(ctx, server, query, packed)
		if err == nil {
			return reply, nil
		}
		r.logger.Warn(map[string]any{
			"server": server.String(),
			"error":  err.Error(),
		}, "upstream query failed")
		errs = multierr.Append(errs, fmt.Errorf(errServerFailed, server, err))
		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf(errAllServersFailed+": %w", len(r.servers), errs)
}

// resolveParallel queries every server at once and returns the first reply.
func (r *Resolver) resolveParallel(ctx context.Context, query *dns.Msg, packed []byte) (*dns.Msg, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	replies := make(chan *dns.Msg, 1)
	failures := make(chan error, len(r.servers))

	for _, server := range r.servers {
		go func(srv netip.AddrPort) {
			reply, err := r.exchange(ctx, srv, query, packed)
			if err != nil {
				failures <- fmt.Errorf(errServerFailed, srv, err)
				return
			}
			select {
			case replies <- reply:
			default:
			}
		}(server)
	}

	var errs error
	for i := 0; i < len(r.servers); i++ {
		select {
		case reply := <-replies:
			return reply, nil
		case err := <-failures:
			errs = multierr.Append(errs, err)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf(errAllServersFailed+": %w", len(r.servers), errs)
}

// exchange sends packed to one server and waits for the reply whose ID and
// question match query. Datagrams from other sources are ignored.
func (r *Resolver) exchange(ctx context.Context, server netip.AddrPort, query *dns.Msg, packed []byte) (*dns.Msg, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	stream, tx, err := transport.Open(ctx, transport.TransportUDP, server, r.transport)
	if err != nil {
		return nil, err
	}
	defer stream.Close()
	defer tx.Close()

	var reply *dns.Msg
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return tx.Send(packed)
	})
	g.Go(func() error {
		err := stream.Run(gctx, func(d transport.Datagram) error {
			if d.SourceMismatch {
				return nil
			}
			m := new(dns.Msg)
			if err := m.Unpack(d.Data); err != nil {
				r.logger.Debug(map[string]any{
					"server": server.String(),
					"error":  err.Error(),
				}, "discarding malformed reply")
				return nil
			}
			if !IsReplyTo(query, m) {
				r.logger.Debug(map[string]any{
					"server": server.String(),
					"id":     m.Id,
				}, "discarding unrelated reply")
				return nil
			}
			reply = m
			return errAnswered
		})
		switch {
		case errors.Is(err, errAnswered):
			return nil
		case err == nil:
			return fmt.Errorf("%s: %w", errNoReply, io.ErrUnexpectedEOF)
		default:
			return err
		}
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	stats := stream.Stats()
	r.logger.Debug(map[string]any{
		"server":   server.String(),
		"local":    stream.LocalAddr().String(),
		"rcode":    dns.RcodeToString[reply.Rcode],
		"sent":     stats.Sent,
		"received": stats.Received,
	}, "upstream reply received")
	return reply, nil
}

// IsReplyTo reports whether m is a response to q: same ID and same single
// question, with the owner name compared case-insensitively.
func IsReplyTo(q, m *dns.Msg) bool {
	if !m.Response || m.Id != q.Id || len(m.Question) != 1 || len(q.Question) != 1 {
		return false
	}
	got, want := m.Question[0], q.Question[0]
	return got.Qtype == want.Qtype && got.Qclass == want.Qclass && strings.EqualFold(got.Name, want.Name)
}
