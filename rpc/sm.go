// File: rpc/sm.go
// Package rpc
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Session-management state machine. SM datagrams are idempotent:
// requests retransmit at the SM timeout cadence until answered, the
// server dedupes connects by token, and teardown replies are sent even
// for sessions already gone.

package rpc

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/momentics/hioload-rpc/api"
	"github.com/momentics/hioload-rpc/cc"
	"github.com/momentics/hioload-rpc/protocol"
)

// sendSmReq (re)sends the SM request matching the session's state.
func (r *Rpc[TTr]) sendSmReq(s *Session) {
	var pkt protocol.SmPkt
	switch s.state {
	case StateConnectInProgress:
		pkt.Kind = protocol.SmConnectReq
	case StateDisconnectInProgress:
		pkt.Kind = protocol.SmDisconnectReq
	default:
		return
	}
	pkt.Token = s.smToken
	pkt.Client = r.selfEndpoint(s.localSessionNum, s.localRouting)
	pkt.Server = s.remoteEndpoint

	s.smReqTs = rdtsc()
	r.nexus.sm.send(s.remoteEndpoint.HostnameStr(), s.remoteEndpoint.SmUdpPort, &pkt, r.log)
}

// handleSmPkt drives the state machine from one received SM datagram.
func (r *Rpc[TTr]) handleSmPkt(pkt *protocol.SmPkt) {
	r.log.Debug("rpc: SM datagram",
		zap.Stringer("kind", pkt.Kind), zap.Stringer("client", &pkt.Client),
		zap.Stringer("server", &pkt.Server))

	switch pkt.Kind {
	case protocol.SmConnectReq:
		r.handleConnectReq(pkt)
	case protocol.SmConnectResp:
		r.handleConnectResp(pkt)
	case protocol.SmDisconnectReq:
		r.handleDisconnectReq(pkt)
	case protocol.SmDisconnectResp:
		r.handleDisconnectResp(pkt)
	case protocol.SmReject:
		r.handleReject(pkt)
	}
}

func (r *Rpc[TTr]) smReject(pkt *protocol.SmPkt, why protocol.SmErrType) {
	reject := *pkt
	reject.Kind = protocol.SmReject
	reject.Err = why
	r.nexus.sm.send(pkt.Client.HostnameStr(), pkt.Client.SmUdpPort, &reject, r.log)
}

// handleConnectReq runs at the server.
func (r *Rpc[TTr]) handleConnectReq(pkt *protocol.SmPkt) {
	// Retransmitted connect for an existing session: repeat the accept
	// so a lost response cannot create duplicate sessions.
	if sn, ok := r.smTokenMap[pkt.Token]; ok {
		if s := r.sessionAt(int(sn)); s != nil && s.isServer {
			r.smAccept(pkt, s)
		}
		return
	}

	if r.nexus.numHandlers() == 0 {
		r.smReject(pkt, protocol.SmErrNoHandlers)
		return
	}
	sn, err := r.newSessionNum()
	if err != nil {
		r.smReject(pkt, protocol.SmErrTooManySessions)
		return
	}
	ri := pkt.Client.RoutingInfo
	if !r.transport.ResolveRemoteRoutingInfo(&ri) {
		r.smReject(pkt, protocol.SmErrRoutingResolution)
		return
	}

	s := newSession(true, sn, cc.DefaultParams(r.cfg.LinkBandwidth), rdtsc())
	s.state = StateConnected
	s.remoteSessionNum = pkt.Client.SessionNum
	s.remoteRouting = ri
	s.remoteEndpoint = pkt.Client
	s.smToken = pkt.Token
	r.transport.FillLocalRoutingInfo(&s.localRouting)
	r.storeSession(sn, s)
	r.smTokenMap[pkt.Token] = sn
	r.stats.SessionsConnected.Inc()

	r.log.Info("rpc: accepted session",
		zap.Uint16("session", sn), zap.Stringer("client", &pkt.Client))
	r.smAccept(pkt, s)
	r.notifySm(int(sn), SmEventConnected, nil)
}

func (r *Rpc[TTr]) smAccept(pkt *protocol.SmPkt, s *Session) {
	resp := *pkt
	resp.Kind = protocol.SmConnectResp
	resp.Server = r.selfEndpoint(s.localSessionNum, s.localRouting)
	r.nexus.sm.send(pkt.Client.HostnameStr(), pkt.Client.SmUdpPort, &resp, r.log)
}

// handleConnectResp runs at the client.
func (r *Rpc[TTr]) handleConnectResp(pkt *protocol.SmPkt) {
	s := r.sessionAt(int(pkt.Client.SessionNum))
	if s == nil || s.isServer || s.smToken != pkt.Token {
		return
	}
	if s.state != StateConnectInProgress {
		return // duplicate accept
	}
	ri := pkt.Server.RoutingInfo
	if !r.transport.ResolveRemoteRoutingInfo(&ri) {
		r.log.Error("rpc: cannot resolve server routing info, failing session",
			zap.Uint16("session", s.localSessionNum))
		s.state = StateDisconnected
		r.notifySm(int(s.localSessionNum), SmEventConnectFailed,
			errors.Wrap(api.ErrSessionReject, protocol.SmErrRoutingResolution.String()))
		return
	}
	s.remoteSessionNum = pkt.Server.SessionNum
	s.remoteRouting = ri
	s.remoteEndpoint = pkt.Server
	s.state = StateConnected
	r.stats.SessionsConnected.Inc()
	r.log.Info("rpc: session connected",
		zap.Uint16("session", s.localSessionNum), zap.Stringer("server", &pkt.Server))
	r.notifySm(int(s.localSessionNum), SmEventConnected, nil)
}

// handleReject runs at the client.
func (r *Rpc[TTr]) handleReject(pkt *protocol.SmPkt) {
	s := r.sessionAt(int(pkt.Client.SessionNum))
	if s == nil || s.isServer || s.smToken != pkt.Token {
		return
	}
	if s.state != StateConnectInProgress {
		return
	}
	s.state = StateDisconnected
	r.log.Warn("rpc: session rejected",
		zap.Uint16("session", s.localSessionNum), zap.Stringer("reason", pkt.Err))
	r.notifySm(int(s.localSessionNum), SmEventConnectFailed,
		errors.Wrap(api.ErrSessionReject, pkt.Err.String()))
}

// handleDisconnectReq runs at the server. Always answered, so a client
// retransmitting into an already-freed session still completes.
func (r *Rpc[TTr]) handleDisconnectReq(pkt *protocol.SmPkt) {
	sn := int(pkt.Server.SessionNum)
	if s := r.sessionAt(sn); s != nil && s.isServer && s.state == StateConnected {
		r.freeServerSession(s)
		s.state = StateDisconnected
		r.stats.SessionsConnected.Dec()
		r.notifySm(sn, SmEventDisconnected, nil)
	}
	resp := *pkt
	resp.Kind = protocol.SmDisconnectResp
	r.nexus.sm.send(pkt.Client.HostnameStr(), pkt.Client.SmUdpPort, &resp, r.log)
}

// handleDisconnectResp runs at the client.
func (r *Rpc[TTr]) handleDisconnectResp(pkt *protocol.SmPkt) {
	s := r.sessionAt(int(pkt.Client.SessionNum))
	if s == nil || s.isServer || s.state != StateDisconnectInProgress {
		return
	}
	r.failOutstanding(s)
	s.state = StateDisconnected
	r.log.Info("rpc: session disconnected", zap.Uint16("session", s.localSessionNum))
	r.notifySm(int(s.localSessionNum), SmEventDisconnected, nil)
}

// freeServerSession releases a server session's engine-owned memory.
func (r *Rpc[TTr]) freeServerSession(s *Session) {
	for i := range s.sslots {
		sl := &s.sslots[i]
		if sl.srvReqMsgbuf != nil && !sl.srvInBg {
			r.FreeMsgBuffer(sl.srvReqMsgbuf)
		}
		sl.resetServerState()
	}
	delete(r.smTokenMap, s.smToken)
}

// failOutstanding delivers ErrSessionReset to every orphaned
// continuation of a client session, exactly once each: armed slots and
// the backlog.
func (r *Rpc[TTr]) failOutstanding(s *Session) {
	for i := range s.sslots {
		sl := &s.sslots[i]
		if !sl.outstanding() {
			continue
		}
		reqType, cont, tag := sl.reqType, sl.contFunc, sl.tag
		sl.wheelTokens = 0 // cancel pacing tokens still in the wheel
		sl.resetClientState()
		s.freeSlot(sl)
		r.runContinuation(reqType, cont, api.ErrSessionReset, tag)
	}
	for s.backlog.Length() > 0 {
		p := s.backlog.Remove().(pendingReq)
		r.runContinuation(p.reqType, p.cont, api.ErrSessionReset, p.tag)
	}
	s.credits = SessionCredits
}

// resetSession quiesces a session after an unrecoverable failure and
// reports it to the application.
func (r *Rpc[TTr]) resetSession(s *Session) {
	if s.state == StateDisconnected || s.state == StateResetInProgress {
		return
	}
	wasConnected := s.state == StateConnected
	s.state = StateResetInProgress
	r.stats.SessionResets.Inc()
	if wasConnected {
		r.stats.SessionsConnected.Dec()
	}
	r.log.Warn("rpc: session reset", zap.Uint16("session", s.localSessionNum))

	if !s.isServer {
		r.failOutstanding(s)
	} else {
		r.freeServerSession(s)
	}
	s.state = StateDisconnected
	r.notifySm(int(s.localSessionNum), SmEventReset, api.ErrSessionReset)
}

func (r *Rpc[TTr]) notifySm(sessionNum int, ev SmEventType, err error) {
	if r.smNotify != nil {
		r.smNotify(sessionNum, ev, err)
	}
}
