// File: api/transport.go
// Package api
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Capability set for mostly-reliable datagram transports (InfiniBand,
// RoCE, OmniPath, and software stand-ins). The RPC engine is
// monomorphized over a concrete implementation of Transport, so none
// of these calls go through dynamic dispatch on the hot path.

package api

// Queue geometry shared by all transports.
const (
	// MaxRoutingInfoSize bounds the opaque per-transport routing blob.
	MaxRoutingInfoSize = 32

	// RecvQueueDepth is the RX ring size. Power of two.
	RecvQueueDepth = 2048

	// SendQueueDepth is the SEND queue size. Power of two.
	SendQueueDepth = 128

	// TxBatchSize is the maximum postlist handed to TxBurst at once.
	TxBatchSize = 32

	// RecvSlack is the minimum batch of consumed RX slots before the
	// engine re-posts RECVs.
	RecvSlack = 32
)

// RoutingInfo stores routing info for any transport. It can contain
// both cluster-wide valid members (e.g. LID and QPN) and members that
// are only locally valid (e.g. a resolved address handle).
type RoutingInfo struct {
	Buf [MaxRoutingInfoSize]byte
}

// MemRegInfo is the registration record for one pinned region. Lkey
// plus the opaque per-transport handle ride alongside every slab and
// are looked up in O(1) from a message buffer.
type MemRegInfo struct {
	TransportMr any
	Lkey        uint32
}

// RegMrFunc registers a pinned region with the NIC.
type RegMrFunc func(buf []byte) (MemRegInfo, error)

// DeregMrFunc releases a registration made by RegMrFunc.
type DeregMrFunc func(MemRegInfo)

// TxBurstItem describes one packet to transmit. Hdr is the 16-byte
// packet header; transports must allow inline posting of a bare header
// (Payload == nil) so credit returns need no DMA-able buffer.
type TxBurstItem struct {
	RoutingInfo *RoutingInfo
	Hdr         []byte
	Payload     []byte

	// Drop suppresses the actual wire transmit. Testing only.
	Drop bool
}

// Allocator is the narrow slab-allocator contract a transport consumes
// to build its RX ring from pinned, registered memory.
type Allocator interface {
	// AllocRaw returns a pinned region of at least size bytes together
	// with its registration record.
	AllocRaw(size int) ([]byte, MemRegInfo, error)

	// NumaNode reports the NUMA node backing this allocator.
	NumaNode() int
}

// Transport is the per-endpoint datapath contract.
//
// RxRing returns the fixed ring of RX buffer slots once, after
// InitBuffers. RxBurst reports how many new slots hold packets; the
// engine consumes slots in ring order and recycles them in batches
// through PostRecvs. Slot contents are valid until recycled.
type Transport interface {
	// RegMr and DeregMr are handed to the hugepage allocator so every
	// slab is registered at creation and deregistered at destruction.
	RegMr(buf []byte) (MemRegInfo, error)
	DeregMr(MemRegInfo)

	// InitBuffers builds transport structures that need pinned memory
	// and fills the RECV queue.
	InitBuffers(alloc Allocator) error

	// RxRing exposes the RecvQueueDepth-sized RX slot ring.
	RxRing() [][]byte

	// TxBurst posts up to TxBatchSize packets. Header-only items are
	// posted inline; item memory may be reused once TxBurst returns.
	TxBurst(items []TxBurstItem) error

	// TxFlush drains the send queue. Expensive; called only on
	// retransmit or shutdown.
	TxFlush()

	// RxBurst returns the number of newly available RX slots.
	RxBurst() int

	// PostRecvs recycles n consumed RX slots.
	PostRecvs(n int)

	// FillLocalRoutingInfo writes locally valid routing info.
	FillLocalRoutingInfo(ri *RoutingInfo)

	// ResolveRemoteRoutingInfo converts cluster-wide routing info into
	// a locally usable form. Called once per session during connect.
	ResolveRemoteRoutingInfo(ri *RoutingInfo) bool

	// MTU is the maximum on-wire packet size, header included.
	MTU() int

	// NumaNode reports the NUMA node of the underlying device.
	NumaNode() int

	Close() error
}

// TransportStats is the testing-visible counter block every transport
// carries.
type TransportStats struct {
	TxCount      uint64
	TxDropped    uint64
	RxCount      uint64
	TxFlushCount uint64
}
