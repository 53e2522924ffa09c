package queue

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestQueue_FIFO(t *testing.T) {
	tx, rx := New[int]()
	for i := 0; i < 5; i++ {
		require.NoError(t, tx.Send(i))
	}
	assert.Equal(t, 5, rx.Len())

	for i := 0; i < 5; i++ {
		v, st := rx.TryRecv()
		require.Equal(t, Item, st)
		assert.Equal(t, i, v)
	}
	_, st := rx.TryRecv()
	assert.Equal(t, Empty, st)
	assert.False(t, rx.Done())
}

func TestQueue_ClosesAfterLastSenderAndDrain(t *testing.T) {
	tx, rx := New[string]()
	tx2, err := tx.Clone()
	require.NoError(t, err)

	require.NoError(t, tx.Send("a"))
	tx.Close()

	_, st := rx.TryRecv()
	assert.Equal(t, Item, st)
	_, st = rx.TryRecv()
	assert.Equal(t, Empty, st, "a live clone keeps the queue open")

	require.NoError(t, tx2.Send("b"))
	tx2.Close()

	v, st := rx.TryRecv()
	require.Equal(t, Item, st, "buffered items drain before closure")
	assert.Equal(t, "b", v)

	_, st = rx.TryRecv()
	assert.Equal(t, Closed, st)
	assert.True(t, rx.Done())
}

func TestSender_CloseIsIdempotent(t *testing.T) {
	tx, rx := New[int]()
	tx2, err := tx.Clone()
	require.NoError(t, err)

	tx.Close()
	tx.Close()

	_, st := rx.TryRecv()
	assert.Equal(t, Empty, st, "double close must not drop the clone's reference")
	tx2.Close()
	_, st = rx.TryRecv()
	assert.Equal(t, Closed, st)
}

func TestSender_UseAfterClose(t *testing.T) {
	tx, _ := New[int]()
	tx.Close()

	assert.ErrorIs(t, tx.Send(1), ErrSenderClosed)
	_, err := tx.Clone()
	assert.ErrorIs(t, err, ErrSenderClosed)
}

func TestReceiver_Close(t *testing.T) {
	tx, rx := New[int]()
	require.NoError(t, tx.Send(1))

	rx.Close()

	assert.ErrorIs(t, tx.Send(2), ErrReceiverClosed)
	_, st := rx.TryRecv()
	assert.Equal(t, Closed, st)
	assert.Equal(t, 0, rx.Len())
}

func TestReceiver_Notify(t *testing.T) {
	tx, rx := New[int]()

	select {
	case <-rx.Notify():
		t.Fatal("unexpected notification on empty queue")
	default:
	}

	require.NoError(t, tx.Send(1))
	require.NoError(t, tx.Send(2))

	select {
	case <-rx.Notify():
	default:
		t.Fatal("expected a notification after Send")
	}

	tx.Close()
	select {
	case <-rx.Notify():
	default:
		t.Fatal("expected a notification after Close")
	}
}

func TestQueue_ConcurrentProducers(t *testing.T) {
	const producers = 8
	const perProducer = 200

	tx, rx := New[string]()
	var g errgroup.Group
	for p := 0; p < producers; p++ {
		clone, err := tx.Clone()
		require.NoError(t, err)
		g.Go(func() error {
			defer clone.Close()
			for i := 0; i < perProducer; i++ {
				if err := clone.Send(fmt.Sprintf("%d-%d", p, i)); err != nil {
					return err
				}
			}
			return nil
		})
	}
	tx.Close()
	require.NoError(t, g.Wait())

	seen := make(map[string]struct{})
	lastPerProducer := make(map[int]int)
	for {
		v, st := rx.TryRecv()
		if st == Closed {
			break
		}
		require.Equal(t, Item, st)

		var p, i int
		_, err := fmt.Sscanf(v, "%d-%d", &p, &i)
		require.NoError(t, err)

		seen[v] = struct{}{}
		if last, ok := lastPerProducer[p]; ok {
			assert.Greater(t, i, last, "per-producer order must be preserved")
		}
		lastPerProducer[p] = i
	}
	assert.Len(t, seen, producers*perProducer)
}

func TestStatus_String(t *testing.T) {
	assert.Equal(t, "item", Item.String())
	assert.Equal(t, "empty", Empty.String())
	assert.Equal(t, "closed", Closed.String())
	assert.Equal(t, "unknown", Status(42).String())
}
