// Package rpc is the per-endpoint RPC engine: an event-loop-driven
// state machine multiplexing many concurrent request/response
// exchanges over one shared transport queue pair.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// One Rpc owns its transport, hugepage allocator, session vector, and
// timing wheel, and is driven by a single dispatch goroutine calling
// RunEventLoop. The only lock the datapath takes is the Nexus read
// lock around each handler-registry lookup. Work items reach
// background workers through a buffered channel, their replies come
// back through a bounded lock-free queue, and session management
// rides an out-of-band UDP channel owned by the process-wide Nexus.
//
// The engine is generic over the transport so the hot path is
// monomorphized; there is no interface dispatch per packet.
package rpc
