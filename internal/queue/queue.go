// Package queue provides the bounded, order-preserving hand-off between feed
// pollers and the durable writer.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrClosed is returned by Send after Close, and by Receive once the
	// queue is closed and empty.
	ErrClosed = errors.New("queue closed")

	// ErrTimeout is returned by Receive when no item arrived within the wait.
	ErrTimeout = errors.New("queue receive timeout")
)

// Queue is a fixed-capacity FIFO ring buffer safe for many producers and
// one consumer. It never grows. A producer that cannot enqueue within its
// timeout evicts the oldest item instead of blocking further.
type Queue[T any] struct {
	mu       sync.Mutex
	buf      []T
	head     int // read position
	tail     int // write position
	count    int
	capacity int
	closed   bool

	// Capacity-1 wake channels. Closed on Close so every waiter re-checks state.
	readable chan struct{}
	writable chan struct{}

	// Stats
	totalReceived int64
	totalSent     int64
	evicted       int64
}

// New creates a queue holding at most capacity items.
func New[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{
		buf:      make([]T, capacity),
		capacity: capacity,
		readable: make(chan struct{}, 1),
		writable: make(chan struct{}, 1),
	}
}

// Send appends item, waiting up to timeout for space. If the queue is still
// full after the timeout, the oldest item is evicted to make room and
// returned with dropped set. Send never blocks longer than timeout.
func (q *Queue[T]) Send(ctx context.Context, item T, timeout time.Duration) (old T, dropped bool, err error) {
	var timer *time.Timer
	var expired <-chan time.Time
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return old, false, ErrClosed
		}
		if q.count < q.capacity {
			q.push(item)
			q.mu.Unlock()
			return old, false, nil
		}
		if expired == nil {
			old = q.evictAndPush(item)
			q.mu.Unlock()
			return old, true, nil
		}
		q.mu.Unlock()

		select {
		case <-q.writable:
		case <-expired:
			expired = nil
		case <-ctx.Done():
			return old, false, ctx.Err()
		}
	}
}

// Receive removes the oldest item, waiting up to wait for one to arrive.
func (q *Queue[T]) Receive(ctx context.Context, wait time.Duration) (T, error) {
	items, err := q.ReceiveBatch(ctx, 1, wait)
	if err != nil {
		var zero T
		return zero, err
	}
	return items[0], nil
}

// ReceiveBatch waits up to wait for at least one item, then removes up to
// max items in FIFO order without waiting further. A non-positive max
// takes everything queued.
func (q *Queue[T]) ReceiveBatch(ctx context.Context, max int, wait time.Duration) ([]T, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		q.mu.Lock()
		if q.count > 0 {
			items := q.drain(max)
			q.mu.Unlock()
			return items, nil
		}
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		q.mu.Unlock()

		select {
		case <-q.readable:
		case <-timer.C:
			return nil, ErrTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// TryReceiveBatch removes up to max items without waiting.
func (q *Queue[T]) TryReceiveBatch(max int) []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == 0 {
		return nil
	}
	return q.drain(max)
}

// Close stops accepting new items. Queued items remain receivable.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.readable)
	close(q.writable)
}

// Len returns the current number of items in the queue.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Cap returns the fixed capacity.
func (q *Queue[T]) Cap() int {
	return q.capacity
}

// Stats contains queue statistics.
type Stats struct {
	Count         int   `json:"count"`
	Capacity      int   `json:"capacity"`
	TotalReceived int64 `json:"total_received"`
	TotalSent     int64 `json:"total_sent"`
	Evicted       int64 `json:"evicted"`
}

// Stats returns queue statistics.
func (q *Queue[T]) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Count:         q.count,
		Capacity:      q.capacity,
		TotalReceived: q.totalReceived,
		TotalSent:     q.totalSent,
		Evicted:       q.evicted,
	}
}

// push must be called with the lock held and space available.
func (q *Queue[T]) push(item T) {
	q.buf[q.tail] = item
	q.tail = (q.tail + 1) % q.capacity
	q.count++
	q.totalReceived++
	q.notify(q.readable)
	if q.count < q.capacity {
		q.notify(q.writable)
	}
}

// evictAndPush must be called with the lock held on a full queue.
func (q *Queue[T]) evictAndPush(item T) T {
	old := q.buf[q.head]
	q.head = (q.head + 1) % q.capacity
	q.count--
	q.evicted++
	q.push(item)
	return old
}

// drain must be called with the lock held and count > 0.
func (q *Queue[T]) drain(max int) []T {
	n := q.count
	if max > 0 && max < n {
		n = max
	}

	result := make([]T, n)
	var zero T
	for i := 0; i < n; i++ {
		result[i] = q.buf[q.head]
		q.buf[q.head] = zero // Clear reference for GC
		q.head = (q.head + 1) % q.capacity
		q.count--
		q.totalSent++
	}

	q.notify(q.writable)
	if q.count > 0 {
		q.notify(q.readable)
	}
	return result
}

func (q *Queue[T]) notify(ch chan struct{}) {
	if q.closed {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}
