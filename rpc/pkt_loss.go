// File: rpc/pkt_loss.go
// Package rpc
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Packet-loss detection and recovery. The client tracks progressTsc
// per slot — the epoch at which numRx last advanced. A slot past the
// RTO with packets in flight rolls back to its receive position and
// re-issues the window; a slot past the RTO with nothing in flight is
// a false positive (credit stall, wheel residency, or a background
// owner) and is left alone. The same scan drives SM retransmission and
// the server's owed-credit returns.

package rpc

import (
	"go.uber.org/zap"

	"github.com/momentics/hioload-rpc/protocol"
)

func (r *Rpc[TTr]) pktLossScan() {
	for _, s := range r.sessions {
		if s == nil {
			continue
		}
		if s.isServer {
			if s.state == StateConnected {
				r.owedCrScan(s)
			}
			continue
		}
		switch s.state {
		case StateConnected:
			for i := range s.sslots {
				sl := &s.sslots[i]
				if !sl.outstanding() || sl.issuedOps() == 0 {
					continue
				}
				if r.evLoopTsc-sl.progressTsc > r.rtoCycles {
					r.pktLossRetransmit(sl)
				}
			}
		case StateConnectInProgress, StateDisconnectInProgress:
			if r.evLoopTsc-s.smReqTs > r.smTimeoutCycles {
				r.stats.SmRetransmits.Inc()
				r.sendSmReq(s)
			}
		}
	}
}

func (r *Rpc[TTr]) pktLossRetransmit(sl *SSlot) {
	s := sl.session
	delta := sl.numTx - sl.numRx
	if delta == 0 {
		if sl.crForLast && !sl.respZeroRcvd {
			// Every op is credited but the data-only first response
			// packet went missing. Probe for it; the server re-sends
			// idempotently.
			sl.retries++
			if sl.retries > r.cfg.MaxRetries {
				r.resetSession(s)
				return
			}
			r.stats.Retransmissions.Inc()
			sl.progressTsc = r.evLoopTsc
			r.txCtrl(&s.remoteRouting, protocol.PktHdr{
				ReqType:        sl.reqType,
				DestSessionNum: s.remoteSessionNum,
				PktType:        protocol.PktTypeRFR,
				PktNum:         0,
				ReqNum:         sl.curReqNum,
			})
			return
		}
		// Nothing in flight: stalled on credits, packets still queued
		// in the wheel, or the response is complete and a background
		// thread owns the continuation. The respective path makes
		// progress on its own.
		r.stats.RtoFalsePositives.Inc()
		r.log.Debug("rpc: loss scan false positive",
			zap.Uint16("session", s.localSessionNum), zap.Uint64("req", sl.curReqNum))
		return
	}

	sl.retries++
	if sl.retries > r.cfg.MaxRetries {
		r.log.Warn("rpc: retry bound exceeded, resetting session",
			zap.Uint16("session", s.localSessionNum),
			zap.Uint64("req", sl.curReqNum), zap.Int("retries", sl.retries))
		r.resetSession(s)
		return
	}

	r.stats.Retransmissions.Inc()
	r.log.Debug("rpc: packet loss suspected, rolling back",
		zap.Uint16("session", s.localSessionNum), zap.Uint64("req", sl.curReqNum),
		zap.Int("num_tx", sl.numTx), zap.Int("num_rx", sl.numRx))

	// Roll back: the in-flight window is presumed lost.
	s.credits += delta
	sl.numTx = sl.numRx
	sl.progressTsc = r.evLoopTsc

	// Drain every source of queued packets so no rolled-back packet is
	// ever posted twice from a stale batch.
	if r.txBatchI > 0 {
		r.doTxBurst()
	}
	r.transport.TxFlush()

	// Re-issue. Wheel tokens already scheduled keep their credits and
	// will transmit the leading ops; kick covers the rest.
	r.kick(sl)
}

// owedCrScan sends an explicit credit return for the last packet of a
// fully received request whose response has been pending longer than
// the owed-credit threshold. Without it, a slow background handler
// would hold one client credit hostage for its whole runtime.
func (r *Rpc[TTr]) owedCrScan(s *Session) {
	for i := range s.sslots {
		sl := &s.sslots[i]
		if sl.srvReqPkts == 0 || sl.srvReqRcvd != sl.srvReqPkts {
			continue
		}
		if sl.srvRespMsgbuf != nil || sl.srvCrForLastSent {
			continue
		}
		if r.evLoopTsc-sl.srvReqCompleteTsc <= r.crOwedCycles {
			continue
		}
		sl.srvCrForLastSent = true
		r.txCtrl(&s.remoteRouting, protocol.PktHdr{
			ReqType:        sl.reqType,
			DestSessionNum: s.remoteSessionNum,
			PktType:        protocol.PktTypeExplicitCR,
			PktNum:         uint16(sl.srvReqPkts - 1),
			ReqNum:         sl.curReqNum,
		})
	}
}
