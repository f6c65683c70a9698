// File: wheel/wheel.go
// Package wheel implements the calendar queue for rate-paced TX.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// The wheel is a ring of time buckets. Insertion is O(1) at bucket
// (absTsc >> widthBits) & mask; the event loop drains every bucket
// whose time has passed into the TX batch. Paced transmission smooths
// bursts that would otherwise trigger incast loss on shallow-buffered
// switches.
//
// Insertions beyond the wheel horizon land on a bounded overflow list
// drained on each tick; hitting the bound signals a pathologically low
// paced rate to the caller.

package wheel

import (
	"fmt"

	"github.com/eapache/queue"
)

type entry[T any] struct {
	item   T
	absTsc uint64
}

// Wheel is a single-level calendar queue. Not safe for concurrent use;
// only the dispatch goroutine touches it.
type Wheel[T any] struct {
	widthBits  uint
	numBuckets int
	mask       uint64
	span       uint64

	buckets  [][]entry[T]
	horizon  uint64 // bucket-aligned; all earlier entries delivered
	overflow *queue.Queue
	ovCap    int
	count    int
}

// New creates a wheel of numBuckets buckets of width 1<<widthBits tsc
// units, starting at nowTsc. numBuckets must be a power of two.
// overflowCap bounds the far-future list.
func New[T any](widthBits uint, numBuckets int, nowTsc uint64, overflowCap int) *Wheel[T] {
	if numBuckets <= 0 || numBuckets&(numBuckets-1) != 0 {
		panic("wheel: numBuckets must be a power of two")
	}
	return &Wheel[T]{
		widthBits:  widthBits,
		numBuckets: numBuckets,
		mask:       uint64(numBuckets - 1),
		span:       uint64(numBuckets) << widthBits,
		buckets:    make([][]entry[T], numBuckets),
		horizon:    nowTsc >> widthBits << widthBits,
		overflow:   queue.New(),
		ovCap:      overflowCap,
	}
}

// Insert schedules item for transmission at absTsc. Timestamps in the
// past collapse to the next tick. Returns an error when the insertion
// falls past the horizon and the overflow list is at capacity.
func (w *Wheel[T]) Insert(item T, absTsc uint64) error {
	if absTsc < w.horizon {
		absTsc = w.horizon
	}
	if absTsc >= w.horizon+w.span {
		if w.overflow.Length() >= w.ovCap {
			return fmt.Errorf("wheel: overflow list at cap %d (paced rate too low)", w.ovCap)
		}
		w.overflow.Add(entry[T]{item: item, absTsc: absTsc})
		w.count++
		return nil
	}
	idx := (absTsc >> w.widthBits) & w.mask
	w.buckets[idx] = append(w.buckets[idx], entry[T]{item: item, absTsc: absTsc})
	w.count++
	return nil
}

// Advance delivers every entry whose bucket time has passed, in bucket
// order, FIFO within a bucket. Returns the number delivered.
func (w *Wheel[T]) Advance(nowTsc uint64, emit func(T)) int {
	if nowTsc < w.horizon {
		return 0
	}
	delivered := 0
	width := uint64(1) << w.widthBits

	if nowTsc-w.horizon >= w.span {
		// Long idle stretch: every bucket is due. Drain in time order
		// starting at the horizon bucket, then realign.
		start := w.horizon >> w.widthBits
		for i := 0; i < w.numBuckets; i++ {
			delivered += w.drainBucket((start+uint64(i))&w.mask, emit)
		}
		w.horizon = (nowTsc>>w.widthBits + 1) << w.widthBits
	} else {
		for w.horizon <= nowTsc {
			delivered += w.drainBucket((w.horizon>>w.widthBits)&w.mask, emit)
			w.horizon += width
		}
	}

	// Reseat far-future entries that fit under the new horizon; emit
	// the ones already due.
	for w.overflow.Length() > 0 {
		e := w.overflow.Peek().(entry[T])
		if e.absTsc >= w.horizon+w.span {
			break
		}
		w.overflow.Remove()
		w.count--
		if e.absTsc <= nowTsc {
			emit(e.item)
			delivered++
			continue
		}
		if err := w.Insert(e.item, e.absTsc); err != nil {
			// Cannot happen: the entry fits under the horizon.
			panic(err)
		}
	}
	return delivered
}

func (w *Wheel[T]) drainBucket(idx uint64, emit func(T)) int {
	b := w.buckets[idx]
	for _, e := range b {
		emit(e.item)
	}
	n := len(b)
	w.count -= n
	w.buckets[idx] = b[:0]
	return n
}

// Len returns the number of scheduled entries, overflow included.
func (w *Wheel[T]) Len() int { return w.count }
