package transport

import (
	"context"
	"errors"
	"io"
)

// Next polls until a datagram arrives, the stream ends, or ctx is done.
// Between polls it parks on the outbound queue, a PollInterval timer, or,
// while binding, the rebind deadline.
func (s *Stream) Next(ctx context.Context) (Datagram, error) {
	for {
		d, err := s.Poll()
		if !errors.Is(err, ErrNotReady) {
			return d, err
		}

		wait := s.pollInterval
		if s.state == StateBinding && !s.retryAt.IsZero() {
			wait = s.retryAt.Sub(s.clock.Now())
		}

		select {
		case <-ctx.Done():
			return Datagram{}, ctx.Err()
		case <-s.outbound.Notify():
		case <-s.clock.After(wait):
		}
	}
}

// Run calls fn for each received datagram until the stream ends, fn returns
// an error, or ctx is done. A normal end of stream returns nil.
func (s *Stream) Run(ctx context.Context, fn func(Datagram) error) error {
	for {
		d, err := s.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(d); err != nil {
			return err
		}
	}
}
