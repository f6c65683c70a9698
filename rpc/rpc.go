// File: rpc/rpc.go
// Package rpc
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Endpoint construction and the buffer/session API surface. The
// event-loop internals live in ev_loop.go, rx.go, tx.go, pkt_loss.go
// and sm.go.

package rpc

import (
	"net"
	"strconv"

	"github.com/eapache/queue"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/momentics/hioload-rpc/api"
	"github.com/momentics/hioload-rpc/cc"
	"github.com/momentics/hioload-rpc/control"
	"github.com/momentics/hioload-rpc/internal/concurrency"
	"github.com/momentics/hioload-rpc/pool"
	"github.com/momentics/hioload-rpc/protocol"
	"github.com/momentics/hioload-rpc/wheel"
)

// Rpc is one endpoint: the event-loop-driven engine multiplexing many
// concurrent request/response exchanges over a shared transport queue
// pair. Generic over the transport so the datapath is monomorphized.
//
// All methods except EnqueueResponse (from background handlers) must
// run on the dispatch goroutine.
type Rpc[TTr api.Transport] struct {
	nexus *Nexus
	id    uint8
	cfg   Config
	log   *zap.Logger
	stats *control.Metrics

	transport TTr
	alloc     *pool.HugeAlloc

	mtu        int
	pktPayload int

	rxRing      [][]byte
	rxRingHead  uint64
	recvsToPost int

	sessions []*Session

	txBatch  [api.TxBatchSize]api.TxBurstItem
	ctrlHdrs [api.TxBatchSize][protocol.PktHdrSize]byte
	txBatchI int

	stallq *queue.Queue
	wheel  *wheel.Wheel[*SSlot]

	evLoopTsc uint64
	iters     uint64

	rtoCycles       uint64
	smTimeoutCycles uint64
	crOwedCycles    uint64

	smQ      *concurrency.MPSCQueue[protocol.SmPkt]
	bg       *bgPool
	bgReply  *concurrency.MPSCQueue[bgReply]
	smNotify SmHandler

	smTokenMap map[uint64]uint16 // connect dedupe at the server
	tokenSeq   uint64

	pinned    bool
	destroyed bool
}

// NewRpc builds an endpoint over an already-constructed transport. The
// hugepage allocator is created with the transport's registration
// functions, then the transport fills its RX ring from it.
func NewRpc[TTr api.Transport](nexus *Nexus, rpcID uint8, transport TTr, smHandler SmHandler, opts ...Option) (*Rpc[TTr], error) {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}

	alloc := pool.New(transport.NumaNode(), transport.RegMr, transport.DeregMr)
	if err := transport.InitBuffers(alloc); err != nil {
		alloc.Destroy()
		return nil, errors.Wrap(err, "rpc: transport buffer init")
	}

	mtu := transport.MTU()
	if mtu <= protocol.PktHdrSize {
		alloc.Destroy()
		return nil, errors.Wrapf(api.ErrTransportCreation, "rpc: MTU %d too small", mtu)
	}

	now := rdtsc()
	r := &Rpc[TTr]{
		nexus:           nexus,
		id:              rpcID,
		cfg:             cfg,
		log:             nexus.log.With(zap.Uint8("rpc_id", rpcID)),
		stats:           control.NewMetrics(cfg.Metrics, rpcID),
		transport:       transport,
		alloc:           alloc,
		mtu:             mtu,
		pktPayload:      mtu - protocol.PktHdrSize,
		rxRing:          transport.RxRing(),
		stallq:          queue.New(),
		wheel:           wheel.New[*SSlot](cfg.WheelBucketWidthBits, cfg.WheelNumBuckets, now, cfg.WheelOverflowCap),
		rtoCycles:       durToCycles(cfg.Rto),
		smTimeoutCycles: durToCycles(cfg.SmTimeout),
		crOwedCycles:    durToCycles(cfg.CrOwed),
		smQ:             concurrency.NewMPSCQueue[protocol.SmPkt](smRxQueueDepth),
		bgReply:         concurrency.NewMPSCQueue[bgReply](bgQueueDepth),
		smNotify:        smHandler,
		smTokenMap:      make(map[uint64]uint16),
	}
	if cfg.NumBgWorkers > 0 {
		r.bg = newBgPool(cfg.NumBgWorkers)
	}

	if err := nexus.registerHook(rpcID, r.smQ); err != nil {
		r.teardown()
		return nil, err
	}
	r.log.Info("rpc: endpoint up",
		zap.Int("mtu", mtu), zap.Bool("cc_pacing", cfg.CcPacing),
		zap.Int("numa_node", transport.NumaNode()))
	return r, nil
}

// Destroy releases the endpoint: background workers, SM hook, pinned
// memory, transport.
func (r *Rpc[TTr]) Destroy() {
	if r.destroyed {
		return
	}
	r.destroyed = true
	r.nexus.unregisterHook(r.id)
	r.teardown()
}

func (r *Rpc[TTr]) teardown() {
	if r.bg != nil {
		r.bg.close()
	}
	_ = r.transport.Close()
	r.alloc.Destroy()
}

// AllocMsgBuffer returns a message buffer able to hold size bytes of
// payload, backed by pinned registered memory.
func (r *Rpc[TTr]) AllocMsgBuffer(size int) (*protocol.MsgBuffer, error) {
	if size < 0 || size > protocol.MaxMsgSize {
		return nil, errors.Wrapf(api.ErrInvalidArgument, "msg size %d", size)
	}
	backing := protocol.BackingSize(size, r.pktPayload)
	region, err := r.alloc.Alloc(backing)
	if err != nil {
		return nil, err
	}
	return protocol.NewMsgBuffer(region.Buf[:backing], region.Reg, region.Class, size, r.pktPayload), nil
}

// FreeMsgBuffer returns a buffer to the allocator.
func (r *Rpc[TTr]) FreeMsgBuffer(m *protocol.MsgBuffer) {
	r.alloc.Free(pool.Region{Buf: m.Buf[:cap(m.Buf)], Reg: m.Reg, Class: m.Class})
}

// CreateSession starts a client session toward remoteURI
// ("hostname:sm_port") and the remote endpoint's rpc id. The returned
// session number is valid immediately; traffic is accepted once the SM
// handler reports SmEventConnected.
func (r *Rpc[TTr]) CreateSession(remoteURI string, remoteRpcID uint8) (int, error) {
	host, portStr, err := net.SplitHostPort(remoteURI)
	if err != nil {
		return -1, errors.Wrap(err, "rpc: bad remote URI")
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return -1, errors.Wrap(err, "rpc: bad remote SM port")
	}
	sn, err := r.newSessionNum()
	if err != nil {
		return -1, err
	}

	s := newSession(false, sn, cc.DefaultParams(r.cfg.LinkBandwidth), rdtsc())
	s.remoteEndpoint.SetHostname(host)
	s.remoteEndpoint.SmUdpPort = uint16(port)
	s.remoteEndpoint.RpcID = remoteRpcID
	s.remoteEndpoint.SessionNum = protocol.InvalidSession
	s.smToken = r.nextToken()

	r.transport.FillLocalRoutingInfo(&s.localRouting)
	r.storeSession(sn, s)
	r.sendSmReq(s)
	return int(sn), nil
}

// DestroySession starts graceful teardown over the SM channel.
// Outstanding requests fail with api.ErrSessionReset once the SM
// round trip completes.
func (r *Rpc[TTr]) DestroySession(sessionNum int) error {
	s := r.sessionAt(sessionNum)
	if s == nil || s.isServer {
		return errors.Wrapf(api.ErrInvalidArgument, "session %d", sessionNum)
	}
	if s.state != StateConnected {
		return errors.Wrapf(api.ErrSessionNotConnected, "session %d in state %s", sessionNum, s.state)
	}
	s.state = StateDisconnectInProgress
	r.stats.SessionsConnected.Dec()
	r.sendSmReq(s)
	return nil
}

// SessionState reports the state of a session, for monitoring.
func (r *Rpc[TTr]) SessionState(sessionNum int) (SessionState, bool) {
	s := r.sessionAt(sessionNum)
	if s == nil {
		return 0, false
	}
	return s.state, true
}

func (r *Rpc[TTr]) sessionAt(sn int) *Session {
	if sn < 0 || sn >= len(r.sessions) {
		return nil
	}
	return r.sessions[sn]
}

func (r *Rpc[TTr]) newSessionNum() (uint16, error) {
	for i, s := range r.sessions {
		if s == nil {
			return uint16(i), nil
		}
	}
	if len(r.sessions) >= r.cfg.MaxSessions {
		return 0, errors.Errorf("rpc: session limit %d reached", r.cfg.MaxSessions)
	}
	r.sessions = append(r.sessions, nil)
	return uint16(len(r.sessions) - 1), nil
}

func (r *Rpc[TTr]) storeSession(sn uint16, s *Session) {
	r.sessions[sn] = s
}

// nextToken derives a unique connect token from the SM address so
// tokens never collide across processes on one host.
func (r *Rpc[TTr]) nextToken() uint64 {
	r.tokenSeq++
	return uint64(r.nexus.smPort)<<48 | uint64(r.id)<<40 | r.tokenSeq
}

// selfEndpoint describes this endpoint on the SM channel.
func (r *Rpc[TTr]) selfEndpoint(sessionNum uint16, ri api.RoutingInfo) protocol.SessionEndpoint {
	var e protocol.SessionEndpoint
	e.SetHostname(r.nexus.hostname)
	e.SmUdpPort = r.nexus.smPort
	e.RpcID = r.id
	e.SessionNum = sessionNum
	e.RoutingInfo = ri
	return e
}
