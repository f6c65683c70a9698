//go:build linux
// +build linux

// File: transport/udp/udp_linux.go
// Package udp
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Software datagram transport over a nonblocking UDP socket, the
// development stand-in for a kernel-bypass fabric. TX uses
// scatter/gather sendmsg so packet headers are posted straight from
// message-buffer memory; RX drains into a pinned ring carved from the
// hugepage allocator.

package udp

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-rpc/api"
)

// DefaultMTU bounds one datagram, header included.
const DefaultMTU = 4096

// Routing info layout: ip(4) | port(2) | resolved(1).
const (
	riOffIP       = 0
	riOffPort     = 4
	riOffResolved = 6
)

// Transport implements api.Transport over UDP.
type Transport struct {
	fd       int
	mtu      int
	numaNode int

	localIP   [4]byte
	localPort uint16

	rxBufs   [][]byte
	rxRing   [][]byte
	writeIdx uint64
	free     int

	nextLkey uint32

	Stats api.TransportStats
}

var _ api.Transport = (*Transport)(nil)

// New opens and binds the datagram socket to 127.0.0.1 on an ephemeral
// port. phyPort is not used: no interface selection takes place.
func New(phyPort uint8, mtu, numaNode int) (*Transport, error) {
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return nil, errors.Wrap(api.ErrTransportCreation, err.Error())
	}
	t := &Transport{fd: fd, mtu: mtu, numaNode: numaNode}

	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, api.RecvQueueDepth*mtu)
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, api.SendQueueDepth*mtu)

	sa := &unix.SockaddrInet4{Addr: [4]byte{127, 0, 0, 1}}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, errors.Wrap(api.ErrTransportCreation, err.Error())
	}
	local, err := unix.Getsockname(fd)
	if err != nil {
		_ = unix.Close(fd)
		return nil, errors.Wrap(api.ErrTransportCreation, err.Error())
	}
	la := local.(*unix.SockaddrInet4)
	t.localIP = la.Addr
	t.localPort = uint16(la.Port)
	return t, nil
}

func (t *Transport) RegMr(buf []byte) (api.MemRegInfo, error) {
	// Software transport: the kernel copies, no NIC registration. The
	// lkey still advances so buffer accounting stays observable.
	t.nextLkey++
	return api.MemRegInfo{Lkey: t.nextLkey}, nil
}

func (t *Transport) DeregMr(api.MemRegInfo) {}

func (t *Transport) InitBuffers(alloc api.Allocator) error {
	raw, _, err := alloc.AllocRaw(api.RecvQueueDepth * t.mtu)
	if err != nil {
		return err
	}
	t.rxBufs = make([][]byte, api.RecvQueueDepth)
	t.rxRing = make([][]byte, api.RecvQueueDepth)
	for i := range t.rxBufs {
		t.rxBufs[i] = raw[i*t.mtu : (i+1)*t.mtu]
	}
	t.free = api.RecvQueueDepth
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
		sa := &unix.SockaddrInet4{Port: int(binary.LittleEndian.Uint16(it.RoutingInfo.Buf[riOffPort:]))}
		copy(sa.Addr[:], it.RoutingInfo.Buf[riOffIP:riOffIP+4])
		bufs := [][]byte{it.Hdr}
		if len(it.Payload) > 0 {
			bufs = append(bufs, it.Payload)
		}
		if _, err := unix.SendmsgBuffers(t.fd, bufs, nil, sa, 0); err != nil {
			if err == unix.EAGAIN || err == unix.ENOBUFS {
				// Socket backpressure models send-queue overrun; the
				// RTO path recovers the packet.
				t.Stats.TxDropped++
				continue
			}
			return errors.Wrap(err, "udp tx_burst")
		}
	}
	return nil
}

func (t *Transport) TxFlush() {
	// Kernel UDP has no send queue to reap; the call only counts.
	t.Stats.TxFlushCount++
}

func (t *Transport) RxBurst() int {
	n := 0
	for t.free > 0 {
		idx := t.writeIdx & (api.RecvQueueDepth - 1)
		nr, _, _, _, err := unix.Recvmsg(t.fd, t.rxBufs[idx], nil, unix.MSG_DONTWAIT)
		if err != nil || nr <= 0 {
			break
		}
		t.rxRing[idx] = t.rxBufs[idx][:nr]
		t.writeIdx++
		t.free--
		n++
	}
	t.Stats.RxCount += uint64(n)
	return n
}

func (t *Transport) PostRecvs(n int) { t.free += n }

func (t *Transport) FillLocalRoutingInfo(ri *api.RoutingInfo) {
	copy(ri.Buf[riOffIP:], t.localIP[:])
	binary.LittleEndian.PutUint16(ri.Buf[riOffPort:], t.localPort)
	ri.Buf[riOffResolved] = 0
}

func (t *Transport) ResolveRemoteRoutingInfo(ri *api.RoutingInfo) bool {
	// The sockaddr is built per-send from the wire fields; resolution
	// only validates them.
	if binary.LittleEndian.Uint16(ri.Buf[riOffPort:]) == 0 {
		return false
	}
	ri.Buf[riOffResolved] = 1
	return true
}

func (t *Transport) MTU() int { return t.mtu }

func (t *Transport) NumaNode() int { return t.numaNode }

func (t *Transport) Close() error { return unix.Close(t.fd) }
