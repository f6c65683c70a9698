// Package fake
// Author: momentics <momentics@gmail.com>
//
// In-memory datagram fabric for testing and development. Provides
// predictable, controllable behavior for the full transport contract:
// per-packet drop flags, uniform loss injection, caller-supplied drop
// filters, and abrupt peer death.

package fake

import (
	"encoding/binary"
	"math/rand"
	"sync"

	"github.com/momentics/hioload-rpc/api"
	"github.com/momentics/hioload-rpc/protocol"
)

// DefaultMTU is the wire packet size of fake fabric links.
const DefaultMTU = 4096

// Net is one isolated fabric. Endpoints on the same Net can reach each
// other; there are no process-wide registries.
type Net struct {
	mu       sync.Mutex
	eps      map[uint16]*Transport
	nextAddr uint16
	rng      *rand.Rand

	// LossRate drops each delivered packet with uniform probability.
	LossRate float64
}

// NewNet creates a fabric with a deterministic fault-injection seed.
func NewNet(seed int64) *Net {
	return &Net{
		eps: make(map[uint16]*Transport),
		rng: rand.New(rand.NewSource(seed)),
	}
}

// NewTransport attaches a fresh endpoint to the fabric.
func (n *Net) NewTransport(mtu, numaNode int) *Transport {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nextAddr++
	t := &Transport{
		net:      n,
		addr:     n.nextAddr,
		mtu:      mtu,
		numaNode: numaNode,
		rxRing:   make([][]byte, api.RecvQueueDepth),
		free:     api.RecvQueueDepth,
	}
	n.eps[t.addr] = t
	return t
}

// Kill detaches an endpoint abruptly: packets addressed to it vanish,
// as after a peer reboot.
func (n *Net) Kill(t *Transport) {
	n.mu.Lock()
	delete(n.eps, t.addr)
	n.mu.Unlock()
}

func (n *Net) lookup(addr uint16) *Transport {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.eps[addr]
}

func (n *Net) dropLottery() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.LossRate > 0 && n.rng.Float64() < n.LossRate
}

// Transport implements api.Transport over the fake fabric.
type Transport struct {
	net      *Net
	addr     uint16
	mtu      int
	numaNode int

	mu       sync.Mutex
	arrivals [][]byte

	rxRing   [][]byte
	writeIdx uint64
	free     int

	nextLkey uint32

	// DropFilter, when set, suppresses outbound packets it returns
	// true for. Runs on the sender. Testing only.
	DropFilter func(hdr protocol.PktHdr) bool

	Stats api.TransportStats
}

var _ api.Transport = (*Transport)(nil)

// Addr returns the fabric address, for tests that encode routing info
// by hand.
func (t *Transport) Addr() uint16 { return t.addr }

func (t *Transport) RegMr(buf []byte) (api.MemRegInfo, error) {
	t.nextLkey++
	return api.MemRegInfo{Lkey: t.nextLkey}, nil
}

func (t *Transport) DeregMr(api.MemRegInfo) {}

func (t *Transport) InitBuffers(alloc api.Allocator) error {
	// Fake delivery copies packets; the RX ring needs no pinned slots.
	return nil
}

func (t *Transport) RxRing() [][]byte { return t.rxRing }

func (t *Transport) TxBurst(items []api.TxBurstItem) error {
	for i := range items {
		it := &items[i]
		t.Stats.TxCount++
		if it.Drop {
			t.Stats.TxDropped++
			continue
		}
		if t.DropFilter != nil && t.DropFilter(protocol.UnmarshalPktHdr(it.Hdr)) {
			t.Stats.TxDropped++
			continue
		}
		dst := t.net.lookup(binary.LittleEndian.Uint16(it.RoutingInfo.Buf[:2]))
		if dst == nil || t.net.dropLottery() {
			continue
		}
		// Model NIC gather DMA: the wire packet is a copy.
		pkt := make([]byte, 0, len(it.Hdr)+len(it.Payload))
		pkt = append(pkt, it.Hdr...)
		pkt = append(pkt, it.Payload...)
		dst.deliver(pkt)
	}
	return nil
}

func (t *Transport) deliver(pkt []byte) {
	t.mu.Lock()
	t.arrivals = append(t.arrivals, pkt)
	t.mu.Unlock()
}

func (t *Transport) TxFlush() { t.Stats.TxFlushCount++ }

func (t *Transport) RxBurst() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for t.free > 0 && n < len(t.arrivals) {
		t.rxRing[t.writeIdx&(api.RecvQueueDepth-1)] = t.arrivals[n]
		t.writeIdx++
		t.free--
		n++
	}
	t.arrivals = t.arrivals[n:]
	t.Stats.RxCount += uint64(n)
	return n
}

func (t *Transport) PostRecvs(n int) {
	t.mu.Lock()
	t.free += n
	t.mu.Unlock()
}

func (t *Transport) FillLocalRoutingInfo(ri *api.RoutingInfo) {
	binary.LittleEndian.PutUint16(ri.Buf[:2], t.addr)
}

func (t *Transport) ResolveRemoteRoutingInfo(ri *api.RoutingInfo) bool {
	return t.net.lookup(binary.LittleEndian.Uint16(ri.Buf[:2])) != nil
}

func (t *Transport) MTU() int { return t.mtu }

func (t *Transport) NumaNode() int { return t.numaNode }

func (t *Transport) Close() error {
	t.net.Kill(t)
	return nil
}
