// File: rpc/session.go
// Package rpc
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Session and session-slot state. A session is one endpoint pair with
// a fixed array of concurrent request slots and a shared credit pool.
// All fields are owned by the dispatch goroutine; a background worker
// sees a slot only through the move-like ReqHandle transfer.

package rpc

import (
	"github.com/eapache/queue"

	"github.com/momentics/hioload-rpc/api"
	"github.com/momentics/hioload-rpc/cc"
	"github.com/momentics/hioload-rpc/protocol"
)

// SessionState tracks the SM lifecycle of one session.
type SessionState uint8

const (
	StateConnectInProgress SessionState = iota
	StateConnected
	StateDisconnectInProgress
	StateResetInProgress
	StateDisconnected
)

func (s SessionState) String() string {
	switch s {
	case StateConnectInProgress:
		return "connect-in-progress"
	case StateConnected:
		return "connected"
	case StateDisconnectInProgress:
		return "disconnect-in-progress"
	case StateResetInProgress:
		return "reset-in-progress"
	case StateDisconnected:
		return "disconnected"
	}
	return "invalid"
}

// SSlot is one concurrent request slot within a session.
type SSlot struct {
	session *Session
	index   int

	// curReqNum advances by SessionReqWindow per request, keeping
	// slot = reqNum mod SessionReqWindow and making wrap detectable.
	curReqNum uint64
	reqType   uint8

	// Client state. txMsgbuf is nil iff no request is outstanding.
	txMsgbuf   *protocol.MsgBuffer
	respMsgbuf *protocol.MsgBuffer
	contFunc   ContFunc
	tag        any

	// numTx counts issued TX ops (request packets, then RFRs); numRx
	// counts received positions (credit returns, then response
	// packets). Invariant: numRx <= numTx <= numRx + session credits.
	numTx       int
	numRx       int
	wheelTokens int
	progressTsc uint64
	reqSentTsc  uint64
	retries     int
	inStallq    bool

	// Response assembly. respPkts is 0 until the first response packet
	// reveals the message size.
	respPkts     int
	respZeroRcvd bool
	crForLast    bool

	// Server state.
	srvReqMsgbuf      *protocol.MsgBuffer
	srvRespMsgbuf     *protocol.MsgBuffer
	srvReqPkts        int
	srvReqRcvd        int
	srvRfrRcvd        int
	srvReqCompleteTsc uint64
	srvCrForLastSent  bool
	srvInBg           bool
}

// outstanding reports whether the client slot has a request in flight.
func (s *SSlot) outstanding() bool { return s.txMsgbuf != nil }

// reqPkts is the packet count of the outbound request.
func (s *SSlot) reqPkts() int { return s.txMsgbuf.NumPkts }

// targetOps is the total TX ops this request needs: every request
// packet, plus one RFR per response packet past the first. Until the
// response size is known only the request packets count.
func (s *SSlot) targetOps() int {
	t := s.reqPkts()
	if s.respPkts > 1 {
		t += s.respPkts - 1
	}
	return t
}

// issuedOps counts ops already transmitted or holding a wheel token.
func (s *SSlot) issuedOps() int { return s.numTx + s.wheelTokens }

// rxComplete reports whether every expected position and the response
// payload have arrived.
func (s *SSlot) rxComplete() bool {
	return s.respZeroRcvd && s.numRx == s.reqPkts()+s.respPkts-1
}

// resetClientState clears per-request client fields for slot reuse.
func (s *SSlot) resetClientState() {
	s.txMsgbuf = nil
	s.respMsgbuf = nil
	s.contFunc = nil
	s.tag = nil
	s.numTx = 0
	s.numRx = 0
	s.retries = 0
	s.respPkts = 0
	s.respZeroRcvd = false
	s.crForLast = false
}

// resetServerState clears per-request server fields.
func (s *SSlot) resetServerState() {
	s.srvReqMsgbuf = nil
	s.srvRespMsgbuf = nil
	s.srvReqPkts = 0
	s.srvReqRcvd = 0
	s.srvRfrRcvd = 0
	s.srvReqCompleteTsc = 0
	s.srvCrForLastSent = false
	s.srvInBg = false
}

// Session is one endpoint pair.
type Session struct {
	isServer bool
	state    SessionState

	localSessionNum  uint16
	remoteSessionNum uint16
	localRouting     api.RoutingInfo
	remoteRouting    api.RoutingInfo
	remoteEndpoint   protocol.SessionEndpoint

	// credits is the shared pool across all slots of this session.
	credits int

	sslots    [SessionReqWindow]SSlot
	freeSlots []int

	// backlog queues enqueueRequest calls that found no free slot.
	backlog *queue.Queue

	cc *cc.Timely

	// SM retransmission state.
	smReqTs uint64
	smToken uint64
}

func newSession(isServer bool, localNum uint16, ccParams cc.Params, nowTsc uint64) *Session {
	s := &Session{
		isServer:         isServer,
		state:            StateConnectInProgress,
		localSessionNum:  localNum,
		remoteSessionNum: protocol.InvalidSession,
		credits:          SessionCredits,
		backlog:          queue.New(),
		cc:               cc.NewTimely(ccParams, nowTsc),
	}
	for i := range s.sslots {
		sl := &s.sslots[i]
		sl.session = s
		sl.index = i
		sl.curReqNum = uint64(i)
	}
	// LIFO free list: low indices are handed out first.
	for i := SessionReqWindow - 1; i >= 0; i-- {
		s.freeSlots = append(s.freeSlots, i)
	}
	return s
}

// allocSlot pops a free slot, or nil.
func (s *Session) allocSlot() *SSlot {
	n := len(s.freeSlots)
	if n == 0 {
		return nil
	}
	idx := s.freeSlots[n-1]
	s.freeSlots = s.freeSlots[:n-1]
	return &s.sslots[idx]
}

// freeSlot returns a slot to the free list.
func (s *Session) freeSlot(sl *SSlot) {
	s.freeSlots = append(s.freeSlots, sl.index)
}

// inFlight sums numTx-numRx over all slots, wheel tokens included.
func (s *Session) inFlight() int {
	total := 0
	for i := range s.sslots {
		sl := &s.sslots[i]
		total += sl.numTx - sl.numRx + sl.wheelTokens
	}
	return total
}
