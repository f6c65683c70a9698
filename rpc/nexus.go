// File: rpc/nexus.go
// Package rpc
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Nexus is the process-wide state: the request-type handler registry,
// the shared UDP control socket, and the table of live endpoints by
// rpc id. One Nexus per process, created at startup and passed
// explicitly to every endpoint. The registry is written only during
// startup and read during steady state.

package rpc

import (
	"net"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/momentics/hioload-rpc/internal/concurrency"
	"github.com/momentics/hioload-rpc/protocol"
)

const smRxQueueDepth = 512

// Nexus owns the SM channel and the handler registry shared by all
// local endpoints.
type Nexus struct {
	hostname string
	smPort   uint16
	conn     *net.UDPConn
	log      *zap.Logger

	mu       sync.RWMutex
	handlers [256]*ReqHandler
	hooks    map[uint8]*concurrency.MPSCQueue[protocol.SmPkt]
	sealed   bool // set once the first endpoint registers

	sm *smClient

	stopOnce sync.Once
	done     chan struct{}
}

// NexusOption mutates Nexus construction.
type NexusOption func(*Nexus)

// WithLogger installs a structured logger; default is a nop logger.
func WithLogger(l *zap.Logger) NexusOption { return func(n *Nexus) { n.log = l } }

// NewNexus binds the SM socket at localURI ("hostname:port"; port 0
// picks an ephemeral port) and starts the SM receive goroutine.
func NewNexus(localURI string, opts ...NexusOption) (*Nexus, error) {
	host, portStr, err := net.SplitHostPort(localURI)
	if err != nil {
		return nil, errors.Wrap(err, "nexus: bad local URI")
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, errors.Wrap(err, "nexus: bad SM port")
	}
	if len(host) >= protocol.MaxHostnameLen {
		return nil, errors.Errorf("nexus: hostname %q exceeds %d bytes", host, protocol.MaxHostnameLen-1)
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(host), Port: port})
	if err != nil {
		return nil, errors.Wrap(err, "nexus: SM socket")
	}

	n := &Nexus{
		hostname: host,
		smPort:   uint16(conn.LocalAddr().(*net.UDPAddr).Port),
		conn:     conn,
		log:      zap.NewNop(),
		hooks:    make(map[uint8]*concurrency.MPSCQueue[protocol.SmPkt]),
		sm:       newSmClient(conn),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(n)
	}
	n.log.Info("nexus: SM channel up",
		zap.String("hostname", n.hostname), zap.Uint16("sm_port", n.smPort))

	go n.smRxLoop()
	return n, nil
}

// Hostname returns the SM-reachable local hostname.
func (n *Nexus) Hostname() string { return n.hostname }

// SmPort returns the bound SM UDP port.
func (n *Nexus) SmPort() uint16 { return n.smPort }

// RegisterReqFunc binds a handler to a request type. Registration must
// finish before the first endpoint is created.
func (n *Nexus) RegisterReqFunc(reqType uint8, h ReqHandler) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.sealed {
		return errors.Errorf("nexus: registry sealed; register type %d before creating endpoints", reqType)
	}
	if h.Func == nil {
		return errors.Errorf("nexus: nil handler for type %d", reqType)
	}
	if n.handlers[reqType] != nil {
		return errors.Errorf("nexus: handler for type %d already registered", reqType)
	}
	hh := h
	n.handlers[reqType] = &hh
	return nil
}

// reqHandler looks up the handler for a request type.
func (n *Nexus) reqHandler(reqType uint8) *ReqHandler {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.handlers[reqType]
}

// numHandlers counts registered request types.
func (n *Nexus) numHandlers() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	c := 0
	for _, h := range n.handlers {
		if h != nil {
			c++
		}
	}
	return c
}

// registerHook attaches an endpoint's SM queue under its rpc id and
// seals the handler registry.
func (n *Nexus) registerHook(rpcID uint8, q *concurrency.MPSCQueue[protocol.SmPkt]) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.hooks[rpcID]; ok {
		return errors.Errorf("nexus: rpc id %d already registered", rpcID)
	}
	n.hooks[rpcID] = q
	n.sealed = true
	return nil
}

func (n *Nexus) unregisterHook(rpcID uint8) {
	n.mu.Lock()
	delete(n.hooks, rpcID)
	n.mu.Unlock()
}

func (n *Nexus) hook(rpcID uint8) *concurrency.MPSCQueue[protocol.SmPkt] {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.hooks[rpcID]
}

// smRxLoop reads SM datagrams and routes them to per-endpoint queues.
// Connect requests for an unknown rpc id are answered with a reject so
// peers fail fast instead of retrying into silence; malformed datagrams
// and other unroutable ones are logged and dropped.
func (n *Nexus) smRxLoop() {
	buf := make([]byte, 2*protocol.SmPktSize)
	for {
		nr, _, err := n.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-n.done:
				return
			default:
			}
			n.log.Warn("nexus: SM read", zap.Error(err))
			continue
		}
		pkt, err := protocol.UnmarshalSmPkt(buf[:nr])
		if err != nil {
			n.log.Warn("nexus: dropping malformed SM datagram", zap.Error(err))
			continue
		}

		if q := n.hook(pkt.DstRpcID()); q != nil {
			if !q.Enqueue(pkt) {
				n.log.Warn("nexus: SM queue full, dropping datagram",
					zap.Uint8("rpc_id", pkt.DstRpcID()), zap.Stringer("kind", pkt.Kind))
			}
			continue
		}

		n.log.Warn("nexus: SM datagram for unknown rpc id",
			zap.Uint8("rpc_id", pkt.DstRpcID()), zap.Stringer("kind", pkt.Kind))
		if pkt.Kind == protocol.SmConnectReq {
			reject := pkt
			reject.Kind = protocol.SmReject
			reject.Err = protocol.SmErrUnknownRpcID
			n.sm.send(pkt.Client.HostnameStr(), pkt.Client.SmUdpPort, &reject, n.log)
		}
	}
}

// Close stops the SM loop and releases the socket. Endpoints must be
// destroyed first.
func (n *Nexus) Close() error {
	var err error
	n.stopOnce.Do(func() {
		close(n.done)
		err = n.conn.Close()
	})
	return err
}
