// File: rpc/rx.go
// Package rpc
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// RX demux and per-type packet processing. Within one (session, slot)
// the fabric is expected to deliver mostly in order: each slot tracks
// a single expected position, duplicates are re-acknowledged
// idempotently, and genuine reorders are dropped and counted — the
// RTO path recovers them.
//
// Client position space for a request of N packets and a response of
// M: positions 0..N-2 are credit returns for request packets, the
// remaining M positions are response packets. When the server sends an
// owed-credit CR for the last request packet, that CR takes position
// N-1 and the first response packet carries data but no position, so
// every op still returns exactly one credit.

package rpc

import (
	"go.uber.org/zap"

	"github.com/momentics/hioload-rpc/protocol"
)

// processRxPkt demuxes one RX ring slot.
func (r *Rpc[TTr]) processRxPkt(pkt []byte) {
	if len(pkt) < protocol.PktHdrSize {
		r.stats.ProtocolDrops.Inc()
		return
	}
	hdr := protocol.UnmarshalPktHdr(pkt)
	if !hdr.CheckMagic() {
		r.stats.ProtocolDrops.Inc()
		return
	}
	s := r.sessionAt(int(hdr.DestSessionNum))
	if s == nil || s.state != StateConnected {
		r.stats.ProtocolDrops.Inc()
		return
	}

	switch hdr.PktType {
	case protocol.PktTypeReq:
		r.processReqPkt(s, &hdr, pkt)
	case protocol.PktTypeRFR:
		r.processRfrPkt(s, &hdr)
	case protocol.PktTypeExplicitCR:
		r.processCrPkt(s, &hdr)
	case protocol.PktTypeResp:
		r.processRespPkt(s, &hdr, pkt)
	}
}

// acceptPosition advances a client slot by one received position and
// returns the credit it carried. A position whose op the loss scan
// already rolled back (numTx == numRx) arrived late: the rollback
// returned its credit, so the op is counted as issued instead.
func (r *Rpc[TTr]) acceptPosition(sl *SSlot) {
	if sl.numTx == sl.numRx {
		sl.numTx++
	} else {
		sl.session.credits++
	}
	sl.numRx++
	sl.progressTsc = r.evLoopTsc
	sl.retries = 0
}

// clientSlotFor validates a client-bound packet against its slot.
func (r *Rpc[TTr]) clientSlotFor(s *Session, hdr *protocol.PktHdr) *SSlot {
	if s.isServer {
		r.stats.ProtocolDrops.Inc()
		return nil
	}
	sl := &s.sslots[hdr.ReqNum%SessionReqWindow]
	if !sl.outstanding() || sl.curReqNum != hdr.ReqNum {
		r.stats.ReorderDrops.Inc()
		return nil
	}
	return sl
}

// processCrPkt handles an explicit credit return at the client.
func (r *Rpc[TTr]) processCrPkt(s *Session, hdr *protocol.PktHdr) {
	sl := r.clientSlotFor(s, hdr)
	if sl == nil {
		return
	}
	n := sl.reqPkts()
	p := sl.numRx
	if p >= n || int(hdr.PktNum) != p {
		// Duplicate of an already-credited packet, or ahead of the
		// expected position.
		r.logReorder(sl, hdr)
		return
	}
	if p == n-1 {
		// Owed-credit CR for the last request packet: the first
		// response packet will carry data only.
		sl.crForLast = true
	}
	r.acceptPosition(sl)
	r.kick(sl)
	r.checkComplete(sl)
}

// processRespPkt handles a response packet at the client.
func (r *Rpc[TTr]) processRespPkt(s *Session, hdr *protocol.PktHdr, pkt []byte) {
	sl := r.clientSlotFor(s, hdr)
	if sl == nil {
		return
	}
	n := sl.reqPkts()
	p := sl.numRx

	if hdr.PktNum == 0 {
		if sl.respZeroRcvd {
			r.logReorder(sl, hdr)
			return
		}
		expectedPos := p == n-1 && !sl.crForLast
		creditless := sl.crForLast && p == n
		if !expectedPos && !creditless {
			r.logReorder(sl, hdr)
			return
		}
		msgSize := int(hdr.MsgSize)
		if msgSize > sl.respMsgbuf.MaxDataSize {
			r.log.Warn("rpc: response exceeds caller buffer, dropping",
				zap.Int("resp_bytes", msgSize), zap.Int("cap", sl.respMsgbuf.MaxDataSize))
			r.stats.ProtocolDrops.Inc()
			return
		}
		sl.respMsgbuf.Resize(msgSize)
		sl.respPkts = sl.respMsgbuf.NumPkts
		sl.respZeroRcvd = true
		copy(sl.respMsgbuf.PktPayloadSlice(0), pkt[protocol.PktHdrSize:])
		if expectedPos {
			r.acceptPosition(sl)
		} else {
			sl.progressTsc = r.evLoopTsc
		}
		// The response size is known now; pull the rest.
		r.kick(sl)
	} else {
		if !sl.respZeroRcvd || int(hdr.PktNum) != p-(n-1) {
			r.logReorder(sl, hdr)
			return
		}
		copy(sl.respMsgbuf.PktPayloadSlice(int(hdr.PktNum)), pkt[protocol.PktHdrSize:])
		r.acceptPosition(sl)
	}
	r.checkComplete(sl)
}

// checkComplete fires the continuation once the response is fully
// assembled.
func (r *Rpc[TTr]) checkComplete(sl *SSlot) {
	if !sl.rxComplete() {
		return
	}
	s := sl.session
	s.cc.UpdateRate(float64(r.evLoopTsc - sl.reqSentTsc))

	reqType := sl.reqType
	cont := sl.contFunc
	tag := sl.tag
	sl.resetClientState()
	s.freeSlot(sl)
	r.drainBacklog(s)

	r.runContinuation(reqType, cont, nil, tag)
}

// runContinuation places a continuation per the request type's handler
// flags: background-typed requests complete on the worker pool.
func (r *Rpc[TTr]) runContinuation(reqType uint8, cont ContFunc, err error, tag any) {
	if cont == nil {
		return
	}
	if h := r.nexus.reqHandler(reqType); h != nil && h.RunInBackground && r.bg != nil {
		r.bg.submit(func() { cont(err, tag) })
		return
	}
	cont(err, tag)
}

// processReqPkt handles a request packet at the server.
func (r *Rpc[TTr]) processReqPkt(s *Session, hdr *protocol.PktHdr, pkt []byte) {
	if !s.isServer {
		r.stats.ProtocolDrops.Inc()
		return
	}
	sl := &s.sslots[hdr.ReqNum%SessionReqWindow]

	switch {
	case hdr.ReqNum < sl.curReqNum:
		// A previous generation of this slot.
		r.logReorder(sl, hdr)
		return
	case hdr.ReqNum > sl.curReqNum:
		r.startNewServerReq(s, sl, hdr)
	}

	if sl.srvReqPkts == 0 {
		// Slot poisoned by a failed assembly allocation; the client
		// recovers through RTO once memory frees up.
		r.stats.ProtocolDrops.Inc()
		return
	}

	i := int(hdr.PktNum)
	switch {
	case i < sl.srvReqRcvd:
		// Duplicate: re-acknowledge idempotently.
		r.reackReqPkt(s, sl, i)
		return
	case i > sl.srvReqRcvd || i >= sl.srvReqPkts:
		r.logReorder(sl, hdr)
		return
	}

	if sl.srvReqMsgbuf != nil {
		copy(sl.srvReqMsgbuf.PktPayloadSlice(i), pkt[protocol.PktHdrSize:])
	}
	sl.srvReqRcvd++

	if i < sl.srvReqPkts-1 {
		// Return the credit now; the response covers only the last
		// request packet.
		r.txCtrl(&s.remoteRouting, protocol.PktHdr{
			ReqType:        sl.reqType,
			DestSessionNum: s.remoteSessionNum,
			PktType:        protocol.PktTypeExplicitCR,
			PktNum:         uint16(i),
			ReqNum:         sl.curReqNum,
		})
	}
	if sl.srvReqRcvd == sl.srvReqPkts {
		sl.srvReqCompleteTsc = r.evLoopTsc
		r.dispatchReq(s, sl, pkt)
	}
}

// startNewServerReq rotates a server slot to a new request number.
func (r *Rpc[TTr]) startNewServerReq(s *Session, sl *SSlot, hdr *protocol.PktHdr) {
	if sl.srvReqMsgbuf != nil && !sl.srvInBg {
		r.FreeMsgBuffer(sl.srvReqMsgbuf)
	}
	// The previous response buffer belongs to the application; the
	// reference is dropped with the rest of the slot state. A request
	// buffer still owned by a background handler is freed when its
	// stale reply is discarded.
	sl.resetServerState()
	sl.curReqNum = hdr.ReqNum
	sl.reqType = hdr.ReqType
	sl.srvReqPkts = protocol.NumPktsFor(int(hdr.MsgSize), r.pktPayload)

	// Multi-packet requests are assembled into owned memory; a
	// single-packet request is served zero-copy from the RX ring.
	if sl.srvReqPkts > 1 {
		m, err := r.AllocMsgBuffer(int(hdr.MsgSize))
		if err != nil {
			r.log.Error("rpc: request assembly alloc failed", zap.Error(err))
			sl.srvReqPkts = 0 // poison: packets of this request drop
			return
		}
		m.Resize(int(hdr.MsgSize))
		sl.srvReqMsgbuf = m
	}
}

// reackReqPkt re-sends the acknowledgement a duplicated request packet
// originally earned.
func (r *Rpc[TTr]) reackReqPkt(s *Session, sl *SSlot, i int) {
	if i < sl.srvReqPkts-1 {
		r.txCtrl(&s.remoteRouting, protocol.PktHdr{
			ReqType:        sl.reqType,
			DestSessionNum: s.remoteSessionNum,
			PktType:        protocol.PktTypeExplicitCR,
			PktNum:         uint16(i),
			ReqNum:         sl.curReqNum,
		})
		return
	}
	// Last request packet: the first response packet is its ack.
	if sl.srvRespMsgbuf != nil {
		r.txData(&s.remoteRouting, sl.srvRespMsgbuf, 0)
	}
	// Response not ready yet: the owed-CR scan covers long waits.
}

// dispatchReq hands a fully assembled request to its handler.
func (r *Rpc[TTr]) dispatchReq(s *Session, sl *SSlot, lastPkt []byte) {
	h := r.nexus.reqHandler(sl.reqType)
	if h == nil {
		r.log.Warn("rpc: no handler for request type", zap.Uint8("req_type", sl.reqType))
		r.stats.ProtocolDrops.Inc()
		return
	}

	handle := &ReqHandle{
		ReqType:    sl.reqType,
		sessionNum: s.localSessionNum,
		slotIdx:    sl.index,
		reqNum:     sl.curReqNum,
	}

	runInBg := h.RunInBackground && r.bg != nil
	if sl.srvReqMsgbuf != nil {
		handle.Req = sl.srvReqMsgbuf
	} else if !runInBg {
		// Single-packet foreground fast path: the request aliases the
		// RX ring slot for the duration of the handler call.
		hdr := protocol.UnmarshalPktHdr(lastPkt)
		view := protocol.ViewMsgBuffer(lastPkt, int(hdr.MsgSize), r.pktPayload)
		handle.Req = &view
	} else {
		// Single-packet background: copy out of the ring.
		hdr := protocol.UnmarshalPktHdr(lastPkt)
		m, err := r.AllocMsgBuffer(int(hdr.MsgSize))
		if err != nil {
			r.log.Error("rpc: bg request copy alloc failed", zap.Error(err))
			return
		}
		m.Resize(int(hdr.MsgSize))
		copy(m.Data(), lastPkt[protocol.PktHdrSize:])
		sl.srvReqMsgbuf = m
		handle.Req = m
	}

	if runInBg {
		handle.background = true
		handle.ownedReq = sl.srvReqMsgbuf
		sl.srvInBg = true
		fn := h.Func
		r.bg.submit(func() { fn(handle) })
		return
	}
	h.Func(handle)
}

// processRfrPkt streams further response packets on request-for-
// response at the server.
func (r *Rpc[TTr]) processRfrPkt(s *Session, hdr *protocol.PktHdr) {
	if !s.isServer {
		r.stats.ProtocolDrops.Inc()
		return
	}
	sl := &s.sslots[hdr.ReqNum%SessionReqWindow]
	if hdr.ReqNum != sl.curReqNum || sl.srvRespMsgbuf == nil {
		r.logReorder(sl, hdr)
		return
	}
	j := int(hdr.PktNum)
	switch {
	case j <= sl.srvRfrRcvd:
		// Duplicate RFR, or the client probing for a lost first
		// response packet: re-send the packet it pulls.
		if j < sl.srvRespMsgbuf.NumPkts {
			r.txData(&s.remoteRouting, sl.srvRespMsgbuf, j)
		}
		return
	case j != sl.srvRfrRcvd+1 || j >= sl.srvRespMsgbuf.NumPkts:
		r.logReorder(sl, hdr)
		return
	}
	sl.srvRfrRcvd = j
	r.txData(&s.remoteRouting, sl.srvRespMsgbuf, j)
}

func (r *Rpc[TTr]) logReorder(sl *SSlot, hdr *protocol.PktHdr) {
	r.stats.ReorderDrops.Inc()
	if ce := r.log.Check(zap.DebugLevel, "rpc: out-of-window packet dropped"); ce != nil {
		ce.Write(
			zap.Stringer("hdr", hdr),
			zap.Uint64("slot_req_num", sl.curReqNum),
			zap.Int("num_tx", sl.numTx),
			zap.Int("num_rx", sl.numRx),
		)
	}
}
