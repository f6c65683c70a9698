// File: internal/concurrency/spsc.go
// Package concurrency implements lock-free ring buffers.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// SPSCRing is a bounded circular buffer with atomic head/tail, padded
// to prevent false sharing. Single producer, single consumer.

package concurrency

import (
	"sync/atomic"

	"github.com/momentics/hioload-rpc/api"
)

// Ensure compile-time interface compliance.
var _ api.Ring[any] = (*SPSCRing[any])(nil)

// SPSCRing is a lock-free single-producer single-consumer ring.
type SPSCRing[T any] struct {
	data []T
	mask uint64
	head atomic.Uint64
	_    [64]byte // padding: keep head and tail on separate lines
	tail atomic.Uint64
	_    [64]byte
}

// NewSPSCRing allocates a ring of capacity rounded up to a power of
// two.
func NewSPSCRing[T any](capacity int) *SPSCRing[T] {
	size := uint64(1)
	for size < uint64(capacity) {
		size <<= 1
	}
	return &SPSCRing[T]{data: make([]T, size), mask: size - 1}
}

// Enqueue adds item; returns false if full.
func (r *SPSCRing[T]) Enqueue(item T) bool {
	head := r.head.Load()
	tail := r.tail.Load()
	if tail-head >= uint64(len(r.data)) {
		return false
	}
	r.data[tail&r.mask] = item
	r.tail.Store(tail + 1)
	return true
}

// Dequeue removes and returns the oldest item; ok false if empty.
func (r *SPSCRing[T]) Dequeue() (T, bool) {
	head := r.head.Load()
	tail := r.tail.Load()
	if head >= tail {
		var zero T
		return zero, false
	}
	item := r.data[head&r.mask]
	var zero T
	r.data[head&r.mask] = zero
	r.head.Store(head + 1)
	return item, true
}

// Drain dequeues every available item into fn. Returns the count.
// Only the consumer may call Drain.
func (r *SPSCRing[T]) Drain(fn func(T)) int {
	n := 0
	for {
		item, ok := r.Dequeue()
		if !ok {
			return n
		}
		fn(item)
		n++
	}
}

// Len returns the number of items currently buffered.
func (r *SPSCRing[T]) Len() int {
	return int(r.tail.Load() - r.head.Load())
}

// Cap returns the fixed capacity.
func (r *SPSCRing[T]) Cap() int { return len(r.data) }
