// File: rpc/req.go
// Package rpc
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Client request enqueue. A request needs a free session slot; when
// all SessionReqWindow slots are busy the call parks in the session
// backlog and starts as slots free up, in arrival order.

package rpc

import (
	"github.com/pkg/errors"

	"github.com/momentics/hioload-rpc/api"
	"github.com/momentics/hioload-rpc/protocol"
)

// pendingReq is one backlogged EnqueueRequest call.
type pendingReq struct {
	reqType uint8
	req     *protocol.MsgBuffer
	resp    *protocol.MsgBuffer
	cont    ContFunc
	tag     any
}

// EnqueueRequest starts one request on a connected session. req holds
// the request payload at its current size; resp must have capacity for
// the largest acceptable response. cont runs exactly once, on the
// dispatch goroutine unless the request type's handler is flagged
// background.
func (r *Rpc[TTr]) EnqueueRequest(sessionNum int, reqType uint8,
	req, resp *protocol.MsgBuffer, cont ContFunc, tag any) error {

	s := r.sessionAt(sessionNum)
	if s == nil || s.isServer {
		return errors.Wrapf(api.ErrInvalidArgument, "session %d", sessionNum)
	}
	if s.state != StateConnected {
		return errors.Wrapf(api.ErrSessionNotConnected, "session %d in state %s", sessionNum, s.state)
	}
	if req == nil || resp == nil {
		return errors.Wrap(api.ErrInvalidArgument, "nil message buffer")
	}
	if req.NumPkts > protocol.MaxPktNum {
		return errors.Wrapf(api.ErrInvalidArgument, "request of %d packets", req.NumPkts)
	}

	sl := s.allocSlot()
	if sl == nil {
		s.backlog.Add(pendingReq{reqType: reqType, req: req, resp: resp, cont: cont, tag: tag})
		return nil
	}
	r.startReq(sl, reqType, req, resp, cont, tag)
	return nil
}

// startReq arms a slot and issues the first window.
func (r *Rpc[TTr]) startReq(sl *SSlot, reqType uint8,
	req, resp *protocol.MsgBuffer, cont ContFunc, tag any) {

	s := sl.session
	sl.curReqNum += SessionReqWindow
	sl.reqType = reqType
	sl.txMsgbuf = req
	sl.respMsgbuf = resp
	sl.contFunc = cont
	sl.tag = tag
	now := rdtsc()
	sl.reqSentTsc = now
	sl.progressTsc = now

	req.StampHdrs(protocol.PktHdr{
		ReqType:        reqType,
		DestSessionNum: s.remoteSessionNum,
		PktType:        protocol.PktTypeReq,
		ReqNum:         sl.curReqNum,
	})
	r.kick(sl)
}

// drainBacklog starts backlogged requests while slots are free.
func (r *Rpc[TTr]) drainBacklog(s *Session) {
	for s.backlog.Length() > 0 {
		sl := s.allocSlot()
		if sl == nil {
			return
		}
		p := s.backlog.Remove().(pendingReq)
		r.startReq(sl, p.reqType, p.req, p.resp, p.cont, p.tag)
	}
}
