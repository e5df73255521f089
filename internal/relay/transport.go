package relay

import (
	"context"
	"sync"
)

// Port is the durable end of one channel.
type Port interface {
	Name() string
	Sender() Sender
	// Recv blocks for the next message. It returns io.EOF once the transient
	// side disconnected and the queue is drained.
	Recv(ctx context.Context) (Message, error)
	Close() error
}

// Listener hands out ports as transient contexts connect.
type Listener interface {
	Accept(ctx context.Context) (Port, error)
	Close() error
}

// Conn is the transient end of one channel.
type Conn interface {
	// Post queues m for delivery and returns without waiting for it.
	Post(m Message) error
	Close() error
}

type Dialer interface {
	Connect(ctx context.Context, channel string) (Conn, error)
}

// queue is an unbounded FIFO so that producers never block.
type queue[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	notify chan struct{}
}

func newQueue[T any]() *queue[T] {
	return &queue[T]{notify: make(chan struct{}, 1)}
}

func (q *queue[T]) put(v T) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, v)
	q.mu.Unlock()
	q.wake()
	return true
}

func (q *queue[T]) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// take returns the next item; ok is false once the queue is closed and empty.
func (q *queue[T]) take(ctx context.Context) (v T, ok bool, err error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			v = q.items[0]
			var zero T
			q.items[0] = zero
			q.items = q.items[1:]
			q.mu.Unlock()
			return v, true, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return v, false, nil
		}
		select {
		case <-q.notify:
		case <-ctx.Done():
			return v, false, ctx.Err()
		}
	}
}

// close stops accepting items; queued ones can still be taken.
func (q *queue[T]) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
}

// drain empties the queue and returns what was left.
func (q *queue[T]) drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}
