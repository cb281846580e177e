// Package queue provides a bounded FIFO work queue with drain accounting.
package queue

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Put and Get once the queue has been closed
// (for Get: closed and empty).
var ErrClosed = errors.New("queue closed")

// Queue is a fixed-capacity FIFO. Put blocks while the queue is full, which
// is what stalls producers when consumers lag behind.
//
// Every item that is Put must eventually be matched by a Done call from the
// consumer; Join waits for that.
type Queue[T any] struct {
	items  chan T
	closed chan struct{}
	once   sync.Once

	mu         sync.Mutex
	drained    *sync.Cond
	unfinished int
}

// New creates a queue holding at most capacity items. Capacity below 1 is
// treated as 1.
func New[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	q := &Queue[T]{
		items:  make(chan T, capacity),
		closed: make(chan struct{}),
	}
	q.drained = sync.NewCond(&q.mu)
	return q
}

// Cap returns the queue capacity.
func (q *Queue[T]) Cap() int {
	return cap(q.items)
}

// Len returns the number of buffered items.
func (q *Queue[T]) Len() int {
	return len(q.items)
}

// Put appends item, blocking until there is room, ctx is done or the queue
// is closed.
func (q *Queue[T]) Put(ctx context.Context, item T) error {
	select {
	case <-q.closed:
		return ErrClosed
	default:
	}

	q.mu.Lock()
	q.unfinished++
	q.mu.Unlock()

	select {
	case q.items <- item:
		return nil
	case <-q.closed:
		q.Done()
		return ErrClosed
	case <-ctx.Done():
		q.Done()
		return ctx.Err()
	}
}

// Get removes the oldest item, blocking until one is available, ctx is done
// or the queue is closed. Items buffered before Close are still delivered;
// ErrClosed is only returned once the queue is closed and empty.
func (q *Queue[T]) Get(ctx context.Context) (T, error) {
	var zero T
	select {
	case item := <-q.items:
		return item, nil
	default:
	}

	select {
	case item := <-q.items:
		return item, nil
	case <-q.closed:
		select {
		case item := <-q.items:
			return item, nil
		default:
			return zero, ErrClosed
		}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Done marks one previously retrieved item as fully processed.
func (q *Queue[T]) Done() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.unfinished <= 0 {
		panic("queue: Done called more times than items were put")
	}
	q.unfinished--
	if q.unfinished == 0 {
		q.drained.Broadcast()
	}
}

// Join blocks until every item put so far has been marked Done, or the
// queue is closed.
func (q *Queue[T]) Join() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.unfinished > 0 && !q.isClosed() {
		q.drained.Wait()
	}
}

// Close wakes every blocked Put, Get and Join. It is safe to call more than
// once.
func (q *Queue[T]) Close() {
	q.once.Do(func() {
		close(q.closed)
		q.mu.Lock()
		q.drained.Broadcast()
		q.mu.Unlock()
	})
}

func (q *Queue[T]) isClosed() bool {
	select {
	case <-q.closed:
		return true
	default:
		return false
	}
}
