// File: internal/concurrency/mpsc.go
// Package concurrency
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Bounded multi-producer single-consumer queue with per-cell sequence
// numbers. Producers contend only on the tail counter; the consumer
// runs without CAS.

package concurrency

import (
	"sync/atomic"

	"github.com/momentics/hioload-rpc/api"
)

var _ api.Ring[any] = (*MPSCQueue[any])(nil)

type mpscCell[T any] struct {
	seq  atomic.Uint64
	item T
}

// MPSCQueue is a bounded lock-free queue safe for many producers and
// one consumer.
type MPSCQueue[T any] struct {
	cells []mpscCell[T]
	mask  uint64
	_     [64]byte
	tail  atomic.Uint64 // producers
	_     [64]byte
	head  uint64 // consumer-private
}

// NewMPSCQueue allocates a queue of capacity rounded up to a power of
// two.
func NewMPSCQueue[T any](capacity int) *MPSCQueue[T] {
	size := uint64(1)
	for size < uint64(capacity) {
		size <<= 1
	}
	q := &MPSCQueue[T]{cells: make([]mpscCell[T], size), mask: size - 1}
	for i := range q.cells {
		q.cells[i].seq.Store(uint64(i))
	}
	return q
}

// Enqueue adds item; returns false if full. Safe from any goroutine.
func (q *MPSCQueue[T]) Enqueue(item T) bool {
	for {
		tail := q.tail.Load()
		cell := &q.cells[tail&q.mask]
		seq := cell.seq.Load()
		switch {
		case seq == tail:
			if q.tail.CompareAndSwap(tail, tail+1) {
				cell.item = item
				cell.seq.Store(tail + 1)
				return true
			}
		case seq < tail:
			return false // full
		}
		// Another producer claimed this cell; retry.
	}
}

// Dequeue removes the oldest item. Only the single consumer may call.
func (q *MPSCQueue[T]) Dequeue() (T, bool) {
	cell := &q.cells[q.head&q.mask]
	seq := cell.seq.Load()
	if seq != q.head+1 {
		var zero T
		return zero, false
	}
	item := cell.item
	var zero T
	cell.item = zero
	cell.seq.Store(q.head + uint64(len(q.cells)))
	q.head++
	return item, true
}

// Drain dequeues every available item into fn. Returns the count.
func (q *MPSCQueue[T]) Drain(fn func(T)) int {
	n := 0
	for {
		item, ok := q.Dequeue()
		if !ok {
			return n
		}
		fn(item)
		n++
	}
}

// Len approximates the number of buffered items.
func (q *MPSCQueue[T]) Len() int {
	l := int(q.tail.Load() - q.head)
	if l < 0 {
		return 0
	}
	return l
}

// Cap returns the fixed capacity.
func (q *MPSCQueue[T]) Cap() int { return len(q.cells) }
