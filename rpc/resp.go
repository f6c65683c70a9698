// File: rpc/resp.go
// Package rpc
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Server response enqueue. Foreground handlers feed the TX pipeline
// directly; background handlers cross back to the dispatch goroutine
// through the reply queue, which the event loop absorbs every
// iteration. Workers never touch the transport.

package rpc

import (
	"runtime"

	"github.com/pkg/errors"

	"github.com/momentics/hioload-rpc/api"
	"github.com/momentics/hioload-rpc/protocol"
)

// EnqueueResponse finishes a request with resp as the response
// message. The request buffer in h is invalid afterwards. resp stays
// owned by the application but must remain untouched until the next
// request arrives on the same slot (the engine streams from it on
// request-for-response).
//
// Safe to call from a background handler; everything else must run on
// the dispatch goroutine.
func (r *Rpc[TTr]) EnqueueResponse(h *ReqHandle, resp *protocol.MsgBuffer) error {
	if h == nil || resp == nil {
		return errors.Wrap(api.ErrInvalidArgument, "nil response")
	}
	if h.background {
		for !r.bgReply.Enqueue(bgReply{h: h, resp: resp}) {
			runtime.Gosched()
		}
		return nil
	}
	r.enqueueResponseSt(h, resp)
	return nil
}

// enqueueResponseSt is the dispatch-goroutine half of EnqueueResponse.
func (r *Rpc[TTr]) enqueueResponseSt(h *ReqHandle, resp *protocol.MsgBuffer) {
	s := r.sessionAt(int(h.sessionNum))
	if s == nil || !s.isServer {
		r.discardStaleReply(h)
		return
	}
	sl := &s.sslots[h.slotIdx]
	if sl.curReqNum != h.reqNum || s.state != StateConnected {
		// The slot moved on (client retired the request, or the
		// session died) while the handler ran.
		r.discardStaleReply(h)
		return
	}

	if sl.srvReqMsgbuf != nil {
		r.FreeMsgBuffer(sl.srvReqMsgbuf)
		sl.srvReqMsgbuf = nil
	}
	h.ownedReq = nil
	sl.srvInBg = false
	sl.srvRespMsgbuf = resp
	resp.StampHdrs(protocol.PktHdr{
		ReqType:        h.ReqType,
		DestSessionNum: s.remoteSessionNum,
		PktType:        protocol.PktTypeResp,
		ReqNum:         h.reqNum,
	})

	// The first response packet doubles as the credit return for the
	// last request packet; the client pulls the rest with RFRs.
	r.txData(&s.remoteRouting, resp, 0)
}

// discardStaleReply releases engine-owned request memory of a reply
// that lost the race with slot turnover.
func (r *Rpc[TTr]) discardStaleReply(h *ReqHandle) {
	if h.background && h.ownedReq != nil {
		r.FreeMsgBuffer(h.ownedReq)
		h.ownedReq = nil
	}
}

// absorbBgReplies moves completed background responses into the TX
// pipeline. Runs every event-loop iteration.
func (r *Rpc[TTr]) absorbBgReplies() {
	r.bgReply.Drain(func(rep bgReply) {
		r.enqueueResponseSt(rep.h, rep.resp)
	})
}
