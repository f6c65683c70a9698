// File: rpc/tx.go
// Package rpc
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// TX batching, credit-gated op issue, wheel pacing, and the stall
// queue. A client "op" is one credit-consuming transmission: request
// packets first, then one RFR per response packet past the first. Op
// index sslot.numTx maps deterministically onto the packet to send,
// which lets wheel entries be anonymous pacing tokens: each token,
// when its bucket expires, transmits the next pending op of its slot.

package rpc

import (
	"go.uber.org/zap"

	"github.com/momentics/hioload-rpc/api"
	"github.com/momentics/hioload-rpc/protocol"
)

// txData appends one data-bearing packet of m to the TX batch.
func (r *Rpc[TTr]) txData(ri *api.RoutingInfo, m *protocol.MsgBuffer, pktIdx int) {
	item := &r.txBatch[r.txBatchI]
	item.RoutingInfo = ri
	item.Hdr = m.PktHdrSlice(pktIdx)
	item.Payload = m.PktPayloadSlice(pktIdx)
	item.Drop = false
	r.txBatchI++
	if r.txBatchI == api.TxBatchSize {
		r.doTxBurst()
	}
}

// txCtrl appends one header-only packet (RFR or explicit CR). The
// header lives in per-batch scratch so it stays valid until the burst
// is posted inline by the transport.
func (r *Rpc[TTr]) txCtrl(ri *api.RoutingInfo, hdr protocol.PktHdr) {
	hdr.Magic = protocol.PktHdrMagic
	scratch := &r.ctrlHdrs[r.txBatchI]
	hdr.Marshal(scratch[:])
	item := &r.txBatch[r.txBatchI]
	item.RoutingInfo = ri
	item.Hdr = scratch[:]
	item.Payload = nil
	item.Drop = false
	r.txBatchI++
	if r.txBatchI == api.TxBatchSize {
		r.doTxBurst()
	}
}

// doTxBurst posts the pending batch.
func (r *Rpc[TTr]) doTxBurst() {
	if r.txBatchI == 0 {
		return
	}
	n := r.txBatchI
	r.txBatchI = 0
	if err := r.transport.TxBurst(r.txBatch[:n]); err != nil {
		r.log.Error("rpc: tx_burst failed, resetting sessions", zap.Error(err))
		r.handleTransportFatal()
		return
	}
	r.stats.PktsTx.Add(float64(n))
}

// sendNextOp transmits op numTx of a client slot immediately.
func (r *Rpc[TTr]) sendNextOp(sl *SSlot) {
	s := sl.session
	op := sl.numTx
	if op < sl.reqPkts() {
		r.txData(&s.remoteRouting, sl.txMsgbuf, op)
	} else {
		// Pull response packet op-reqPkts+1 with an RFR.
		r.txCtrl(&s.remoteRouting, protocol.PktHdr{
			ReqType:        sl.reqType,
			DestSessionNum: s.remoteSessionNum,
			PktType:        protocol.PktTypeRFR,
			PktNum:         uint16(op - sl.reqPkts() + 1),
			ReqNum:         sl.curReqNum,
		})
	}
	sl.numTx++
}

// kick issues as many pending ops as session credits allow: straight
// to the TX batch, or as paced wheel tokens under congestion control.
// A slot that runs out of credits joins the stall queue.
func (r *Rpc[TTr]) kick(sl *SSlot) {
	s := sl.session
	pending := sl.targetOps() - sl.issuedOps()
	for pending > 0 && s.credits > 0 {
		s.credits--
		if r.cfg.CcPacing {
			if !r.enqueueWheelToken(sl) {
				s.credits++
				break
			}
		} else {
			r.sendNextOp(sl)
		}
		pending--
	}
	if pending > 0 && !sl.inStallq {
		sl.inStallq = true
		r.stallq.Add(sl)
		r.stats.StallQueueDepth.Inc()
	}
}

// enqueueWheelToken schedules one paced op for sl at the session's
// Timely rate.
func (r *Rpc[TTr]) enqueueWheelToken(sl *SSlot) bool {
	s := sl.session
	txTsc := s.cc.PrevDesiredTxTsc + s.cc.PacingDelay(r.mtu)
	if txTsc < r.evLoopTsc {
		txTsc = r.evLoopTsc
	}
	if err := r.wheel.Insert(sl, txTsc); err != nil {
		r.log.Warn("rpc: wheel overflow", zap.Error(err))
		return false
	}
	s.cc.PrevDesiredTxTsc = txTsc
	sl.wheelTokens++
	return true
}

// onWheelExpiry fires when a pacing token's bucket expires. Tokens for
// slots that completed, or whose session left the Connected state, in
// the meantime only return their credit. Tokens cancelled when a reset
// or disconnect failed the slot's requests are ignored.
func (r *Rpc[TTr]) onWheelExpiry(sl *SSlot) {
	if sl.wheelTokens == 0 {
		return // cancelled by session reset
	}
	sl.wheelTokens--
	if !sl.outstanding() || sl.session.state != StateConnected ||
		sl.numTx >= sl.targetOps() {
		sl.session.credits++
		return
	}
	r.sendNextOp(sl)
}

// drainStallQueue retries every stalled slot once, in FIFO order.
func (r *Rpc[TTr]) drainStallQueue() {
	n := r.stallq.Length()
	for i := 0; i < n; i++ {
		sl := r.stallq.Remove().(*SSlot)
		sl.inStallq = false
		r.stats.StallQueueDepth.Dec()
		if !sl.outstanding() || sl.session.state != StateConnected {
			continue
		}
		// kick re-appends the slot if credits run out again.
		r.kick(sl)
	}
}

// handleTransportFatal resets every live session after an
// unrecoverable transport error.
func (r *Rpc[TTr]) handleTransportFatal() {
	for _, s := range r.sessions {
		if s != nil && (s.state == StateConnected || s.state == StateConnectInProgress ||
			s.state == StateDisconnectInProgress) {
			r.resetSession(s)
		}
	}
}
