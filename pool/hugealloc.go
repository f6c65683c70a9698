// File: pool/hugealloc.go
// Package pool
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package pool

import (
	"math/bits"

	"github.com/pkg/errors"

	"github.com/momentics/hioload-rpc/api"
)

const (
	minClassShift = 12 // 4 KB
	maxClassShift = 26 // 64 MB
	numClasses    = maxClassShift - minClassShift + 1

	// HugepageSize is the smallest chunk reserved from the OS.
	HugepageSize = 2 << 20
)

// Region is one pinned, registered allocation.
type Region struct {
	Buf   []byte
	Reg   api.MemRegInfo
	Class int
}

type chunk struct {
	buf      []byte
	reg      api.MemRegInfo
	hugepage bool
}

// Stats counts allocator activity.
type Stats struct {
	ReservedBytes  int64
	AllocCount     int64
	FreeCount      int64
	HugepageChunks int64
	FallbackChunks int64
}

// HugeAlloc is the slab allocator over pinned memory.
type HugeAlloc struct {
	numaNode int
	regMr    api.RegMrFunc
	deregMr  api.DeregMrFunc

	free   [numClasses][]Region
	chunks []chunk
	stats  Stats
}

var _ api.Allocator = (*HugeAlloc)(nil)

// New creates an allocator for the given NUMA node. regMr and deregMr
// come from the transport; nil functions leave regions unregistered
// (software transports).
func New(numaNode int, regMr api.RegMrFunc, deregMr api.DeregMrFunc) *HugeAlloc {
	return &HugeAlloc{numaNode: numaNode, regMr: regMr, deregMr: deregMr}
}

// classFor returns the size class index for size, or -1 if it exceeds
// the largest class.
func classFor(size int) int {
	if size <= 0 {
		size = 1
	}
	shift := bits.Len(uint(size - 1))
	if shift < minClassShift {
		shift = minClassShift
	}
	if shift > maxClassShift {
		return -1
	}
	return shift - minClassShift
}

// ClassSize returns the region size of class c.
func ClassSize(c int) int { return 1 << (minClassShift + c) }

// Alloc returns a pinned region of at least size bytes. A nil error
// with an empty region never occurs; exhaustion surfaces as
// api.ErrHugepageExhaustion.
func (a *HugeAlloc) Alloc(size int) (Region, error) {
	c := classFor(size)
	if c < 0 {
		return Region{}, errors.Wrapf(api.ErrHugepageExhaustion,
			"request of %d bytes exceeds max class %d", size, ClassSize(numClasses-1))
	}
	if len(a.free[c]) == 0 {
		if err := a.reserveClass(c); err != nil {
			return Region{}, err
		}
	}
	n := len(a.free[c]) - 1
	r := a.free[c][n]
	a.free[c] = a.free[c][:n]
	a.stats.AllocCount++
	return r, nil
}

// Free returns a region to its class freelist.
func (a *HugeAlloc) Free(r Region) {
	a.free[r.Class] = append(a.free[r.Class], r)
	a.stats.FreeCount++
}

// AllocRaw implements api.Allocator for transports building RX rings.
func (a *HugeAlloc) AllocRaw(size int) ([]byte, api.MemRegInfo, error) {
	r, err := a.Alloc(size)
	if err != nil {
		return nil, api.MemRegInfo{}, err
	}
	return r.Buf[:size], r.Reg, nil
}

// NumaNode implements api.Allocator.
func (a *HugeAlloc) NumaNode() int { return a.numaNode }

// Stats returns a copy of the allocator counters.
func (a *HugeAlloc) Stats() Stats { return a.stats }

// reserveClass maps a new pinned chunk, registers it, and carves it
// into class-c regions.
func (a *HugeAlloc) reserveClass(c int) error {
	classSize := ClassSize(c)
	chunkSize := classSize
	if chunkSize < HugepageSize {
		chunkSize = HugepageSize
	}

	buf, huge, err := reserveChunk(chunkSize, a.numaNode)
	if err != nil {
		return errors.Wrap(api.ErrHugepageExhaustion, err.Error())
	}

	var reg api.MemRegInfo
	if a.regMr != nil {
		reg, err = a.regMr(buf)
		if err != nil {
			releaseChunk(buf)
			return errors.Wrap(err, "slab registration")
		}
	}
	a.chunks = append(a.chunks, chunk{buf: buf, reg: reg, hugepage: huge})
	a.stats.ReservedBytes += int64(chunkSize)
	if huge {
		a.stats.HugepageChunks++
	} else {
		a.stats.FallbackChunks++
	}

	for off := 0; off+classSize <= chunkSize; off += classSize {
		a.free[c] = append(a.free[c], Region{
			Buf:   buf[off : off+classSize : off+classSize],
			Reg:   reg,
			Class: c,
		})
	}
	return nil
}

// Destroy deregisters and unmaps all chunks. Outstanding regions must
// have been returned.
func (a *HugeAlloc) Destroy() {
	for _, ch := range a.chunks {
		if a.deregMr != nil {
			a.deregMr(ch.reg)
		}
		releaseChunk(ch.buf)
	}
	a.chunks = nil
	for c := range a.free {
		a.free[c] = nil
	}
}
