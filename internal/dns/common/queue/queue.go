// Package queue provides a closable, unbounded, multi-producer single-consumer
// queue. Producers hold Sender handles; the queue reports closure to the
// consumer once every handle has been closed and all buffered items have been
// received.
package queue

import (
	"errors"
	"sync"
)

// ErrReceiverClosed is returned by Send once the consuming side has been torn down.
var ErrReceiverClosed = errors.New("queue receiver closed")

// ErrSenderClosed is returned by Send on a handle that was already closed.
var ErrSenderClosed = errors.New("queue sender closed")

// Status is the outcome of a non-blocking receive.
type Status int

const (
	// Item means a value was dequeued.
	Item Status = iota
	// Empty means nothing is buffered but live senders remain.
	Empty
	// Closed means every sender is gone and the buffer is drained.
	Closed
)

func (s Status) String() string {
	switch s {
	case Item:
		return "item"
	case Empty:
		return "empty"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Queue is the shared state behind a Sender/Receiver pair.
type Queue[T any] struct {
	mu             sync.Mutex
	items          []T
	senders        int
	receiverClosed bool
	notify         chan struct{}
}

// New returns the producer and consumer ends of a fresh queue.
func New[T any]() (*Sender[T], *Receiver[T]) {
	q := &Queue[T]{
		senders: 1,
		notify:  make(chan struct{}, 1),
	}
	return &Sender[T]{q: q}, &Receiver[T]{q: q}
}

// wake performs a non-blocking signal so a parked consumer re-polls.
func (q *Queue[T]) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Sender is a producer handle. Copies are made with Clone; each copy must be
// closed independently.
type Sender[T any] struct {
	once sync.Once
	mu   sync.Mutex
	done bool
	q    *Queue[T]
}

// Send enqueues v without blocking.
func (s *Sender[T]) Send(v T) error {
	s.mu.Lock()
	closed := s.done
	s.mu.Unlock()
	if closed {
		return ErrSenderClosed
	}

	q := s.q
	q.mu.Lock()
	if q.receiverClosed {
		q.mu.Unlock()
		return ErrReceiverClosed
	}
	q.items = append(q.items, v)
	q.mu.Unlock()

	q.wake()
	return nil
}

// Clone returns a new live handle onto the same queue. Cloning a closed
// handle returns ErrSenderClosed.
func (s *Sender[T]) Clone() (*Sender[T], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return nil, ErrSenderClosed
	}

	s.q.mu.Lock()
	s.q.senders++
	s.q.mu.Unlock()
	return &Sender[T]{q: s.q}, nil
}

// Close drops this handle. When the last handle is dropped the consumer
// observes Closed after draining what is already buffered. Close is idempotent.
func (s *Sender[T]) Close() {
	s.once.Do(func() {
		s.mu.Lock()
		s.done = true
		s.mu.Unlock()

		q := s.q
		q.mu.Lock()
		q.senders--
		q.mu.Unlock()
		q.wake()
	})
}

// Receiver is the single consumer end.
type Receiver[T any] struct {
	q *Queue[T]
}

// TryRecv dequeues one item without blocking.
func (r *Receiver[T]) TryRecv() (T, Status) {
	var zero T
	q := r.q
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) > 0 {
		v := q.items[0]
		q.items[0] = zero
		q.items = q.items[1:]
		return v, Item
	}
	if q.senders <= 0 || q.receiverClosed {
		return zero, Closed
	}
	return zero, Empty
}

// Done reports whether the queue is closed and drained.
func (r *Receiver[T]) Done() bool {
	q := r.q
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) == 0 && (q.senders <= 0 || q.receiverClosed)
}

// Len returns the number of buffered items.
func (r *Receiver[T]) Len() int {
	q := r.q
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Notify returns a channel that receives a value whenever an item is sent or
// a sender closes. Signals coalesce, so the consumer must drain with TryRecv.
func (r *Receiver[T]) Notify() <-chan struct{} {
	return r.q.notify
}

// Close tears down the consuming side. Buffered items are discarded and later
// Send calls fail with ErrReceiverClosed.
func (r *Receiver[T]) Close() {
	q := r.q
	q.mu.Lock()
	q.receiverClosed = true
	q.items = nil
	q.mu.Unlock()
	q.wake()
}
