// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package evbus

import "code.hybscloud.com/atomix"

// handoffQueue is an in-process single-producer single-consumer bounded
// queue, used for the two purely in-process producer/consumer
// relationships inside a Server: the shuffle queue (§4.3) between
// Submit and the shuffle loop, and the accept-notification queue (§4.4)
// between the accept loop and the scheduler loop. Both sides are single
// cooperative goroutines, so a lock-free ring buffer is safe and avoids
// a mutex on the hot path.
//
// Based on Lamport's ring buffer with cached index optimization: the
// producer caches the consumer's dequeue index, and vice versa,
// reducing cross-core cache line traffic.
type handoffQueue[T any] struct {
	_          pad
	head       atomix.Uint64 // consumer reads from here
	_          pad
	cachedTail uint64 // consumer's cached view of tail
	_          pad
	tail       atomix.Uint64 // producer writes here
	_          pad
	cachedHead uint64 // producer's cached view of head
	_          pad
	buffer     []T
	mask       uint64
}

// newHandoffQueue creates a queue with capacity rounded up to the next
// power of 2.
func newHandoffQueue[T any](capacity int) *handoffQueue[T] {
	if capacity < 2 {
		capacity = 2
	}
	n := uint64(roundToPow2(capacity))
	return &handoffQueue[T]{
		buffer: make([]T, n),
		mask:   n - 1,
	}
}

// Enqueue adds an element (producer side only).
// Returns ErrWouldBlock if the queue is full.
func (q *handoffQueue[T]) Enqueue(elem T) error {
	tail := q.tail.LoadRelaxed()
	if tail-q.cachedHead > q.mask {
		q.cachedHead = q.head.LoadAcquire()
		if tail-q.cachedHead > q.mask {
			return ErrWouldBlock
		}
	}

	q.buffer[tail&q.mask] = elem
	q.tail.StoreRelease(tail + 1)
	return nil
}

// Dequeue removes and returns an element (consumer side only).
// Returns (zero-value, ErrWouldBlock) if the queue is empty.
func (q *handoffQueue[T]) Dequeue() (T, error) {
	head := q.head.LoadRelaxed()
	if head >= q.cachedTail {
		q.cachedTail = q.tail.LoadAcquire()
		if head >= q.cachedTail {
			var zero T
			return zero, ErrWouldBlock
		}
	}

	elem := q.buffer[head&q.mask]
	var zero T
	q.buffer[head&q.mask] = zero
	q.head.StoreRelease(head + 1)
	return elem, nil
}

// Cap returns the queue capacity.
func (q *handoffQueue[T]) Cap() int {
	return int(q.mask + 1)
}
