// Package util provides an unbounded lock-free Multi-Producer Single-Consumer queue.
//
// Properties:
//
//   - Push never blocks, it only retries a CAS under contention
//   - values are delivered through a channel so the consumer can select on it
//   - values pushed by one goroutine (or pushed while holding a common lock)
//     are delivered in push order
//   - Close stops accepting values; values already queued are still delivered,
//     after which the channel is closed
//
// The keyspace uses it to feed expiry events into the per-shard GC goroutine,
// the client transport uses it as the FIFO of in-flight requests of a connection.
package util

import (
	"runtime"
	"sync"
	"sync/atomic"
)

type mpscNode[T any] struct {
	value T
	next  atomic.Pointer[mpscNode[T]]
}

// MPSCQueue is a linked list queue with atomic appends at the tail
// and a single goroutine moving values from the head into a channel
type MPSCQueue[T any] struct {
	head   atomic.Pointer[mpscNode[T]]
	tail   atomic.Pointer[mpscNode[T]]
	out    chan T
	closed atomic.Bool
	size   atomic.Int64

	mu   sync.Mutex
	cond *sync.Cond
}

// NewMPSCQueue creates a queue and starts its delivery goroutine
func NewMPSCQueue[T any]() *MPSCQueue[T] {
	sentinel := &mpscNode[T]{}
	q := &MPSCQueue[T]{out: make(chan T)}
	q.cond = sync.NewCond(&q.mu)
	q.head.Store(sentinel)
	q.tail.Store(sentinel)

	go q.deliver()
	return q
}

// Push appends a value. It returns false if the queue is closed.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (q *MPSCQueue[T]) Push(value T) bool {
	if q.closed.Load() {
		return false
	}

	n := &mpscNode[T]{value: value}
	var spins uint8
	for {
		tail := q.tail.Load()
		next := tail.next.Load()
		if next == nil {
			if tail.next.CompareAndSwap(nil, n) {
				q.tail.CompareAndSwap(tail, n)
				q.size.Add(1)

				// the consumer may be parked on the condition variable
				q.mu.Lock()
				q.cond.Signal()
				q.mu.Unlock()
				return true
			}
		} else {
			// another producer linked a node but did not move the tail yet
			q.tail.CompareAndSwap(tail, next)
		}

		// spin a little at low contention, yield afterwards
		if spins < 8 {
			spins++
			for i := 0; i < 1<<spins; i++ {
				runtime.Gosched()
			}
		}
		runtime.Gosched()
	}
}

// deliver moves values from the list into the out channel until the queue is closed and empty
func (q *MPSCQueue[T]) deliver() {
	defer close(q.out)

	var zero T
	for {
		head := q.head.Load()
		next := head.next.Load()

		if next != nil {
			q.out <- next.value
			next.value = zero
			q.head.Store(next)
			q.size.Add(-1)
			continue
		}

		q.mu.Lock()
		for head.next.Load() == nil && !q.closed.Load() {
			q.cond.Wait()
		}
		done := head.next.Load() == nil && q.closed.Load()
		q.mu.Unlock()

		if done {
			return
		}
	}
}

// Recv returns the channel values are delivered on
func (q *MPSCQueue[T]) Recv() <-chan T {
	return q.out
}

// Close stops the queue from accepting new values
func (q *MPSCQueue[T]) Close() {
	q.closed.Store(true)
	q.mu.Lock()
	q.cond.Broadcast()
	q.mu.Unlock()
}

// IsClosed reports whether Close was called
func (q *MPSCQueue[T]) IsClosed() bool {
	return q.closed.Load()
}

// Len returns the number of values pushed but not yet received
func (q *MPSCQueue[T]) Len() int {
	return int(q.size.Load())
}
