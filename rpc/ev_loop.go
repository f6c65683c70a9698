// File: rpc/ev_loop.go
// Package rpc
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// The polling engine. Each iteration runs to completion with no
// suspension points; the loop only yields between iterations. All
// timers in one iteration share the TSC sampled at its start.

package rpc

import (
	"time"

	"go.uber.org/zap"

	"github.com/momentics/hioload-rpc/affinity"
	"github.com/momentics/hioload-rpc/api"
	"github.com/momentics/hioload-rpc/protocol"
)

// RunEventLoop polls for the given duration. When the endpoint config
// requests pinning, the dispatch thread is bound to the NUMA node of
// the hugepage allocator first.
func (r *Rpc[TTr]) RunEventLoop(d time.Duration) {
	if r.cfg.PinEventLoop && !r.pinned {
		r.pinned = true
		if err := affinity.PinToNode(r.alloc.NumaNode()); err != nil {
			r.log.Warn("rpc: event loop pinning failed", zap.Error(err))
		}
	}
	deadline := rdtsc() + durToCycles(d)
	for rdtsc() < deadline {
		r.runEventLoopOnce()
	}
}

// RunEventLoopOnce runs a single iteration.
func (r *Rpc[TTr]) RunEventLoopOnce() { r.runEventLoopOnce() }

func (r *Rpc[TTr]) runEventLoopOnce() {
	// Epoch for every timer this iteration.
	r.evLoopTsc = rdtsc()
	r.iters++

	// RX: demux every newly arrived packet, then replenish RECVs in
	// slack-sized batches so the queue never runs dry.
	n := r.transport.RxBurst()
	if n > 0 {
		r.stats.PktsRx.Add(float64(n))
		for i := 0; i < n; i++ {
			pkt := r.rxRing[r.rxRingHead&(api.RecvQueueDepth-1)]
			r.rxRingHead++
			r.processRxPkt(pkt)
		}
		r.recvsToPost += n
	}
	if r.recvsToPost >= api.RecvSlack {
		r.transport.PostRecvs(r.recvsToPost)
		r.recvsToPost = 0
	}

	// Paced packets whose bucket expired join the TX batch.
	r.wheel.Advance(r.evLoopTsc, r.onWheelExpiry)

	// Stalled slots retry in FIFO order as credits return.
	r.drainStallQueue()

	// Post the accumulated batch.
	if r.txBatchI > 0 {
		r.doTxBurst()
	}

	// Responses completed by background workers enter the TX pipeline.
	r.absorbBgReplies()

	// Loss scan runs on a coarse cadence; scanning every iteration
	// would dominate the loop at microsecond RTTs.
	if r.iters%r.cfg.RtoScanIters == 0 {
		r.pktLossScan()
	}

	// SM datagrams routed to this endpoint by the Nexus.
	r.smQ.Drain(func(pkt protocol.SmPkt) { r.handleSmPkt(&pkt) })
}
