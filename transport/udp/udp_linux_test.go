//go:build linux
// +build linux

package udp

import (
	"testing"

	"github.com/momentics/hioload-rpc/api"
	"github.com/momentics/hioload-rpc/pool"
	"github.com/momentics/hioload-rpc/protocol"
	"github.com/stretchr/testify/require"
)

func newPair(t *testing.T) (*Transport, *Transport) {
	t.Helper()
	a, err := New(0, DefaultMTU, -1)
	require.NoError(t, err)
	b, err := New(0, DefaultMTU, -1)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close(); b.Close() })

	allocA := pool.New(-1, a.RegMr, a.DeregMr)
	allocB := pool.New(-1, b.RegMr, b.DeregMr)
	t.Cleanup(func() { allocA.Destroy(); allocB.Destroy() })
	require.NoError(t, a.InitBuffers(allocA))
	require.NoError(t, b.InitBuffers(allocB))
	return a, b
}

func TestUdpScatterGatherRoundTrip(t *testing.T) {
	a, b := newPair(t)

	var ri api.RoutingInfo
	b.FillLocalRoutingInfo(&ri)
	require.True(t, a.ResolveRemoteRoutingInfo(&ri))

	hdr := make([]byte, protocol.PktHdrSize)
	(&protocol.PktHdr{PktType: protocol.PktTypeReq, ReqNum: 9, Magic: protocol.PktHdrMagic}).Marshal(hdr)
	payload := []byte("scatter-gather payload")

	require.NoError(t, a.TxBurst([]api.TxBurstItem{{
		RoutingInfo: &ri, Hdr: hdr, Payload: payload,
	}}))

	// Nonblocking RX: poll until the kernel delivers.
	var n int
	for i := 0; i < 10000 && n == 0; i++ {
		n = b.RxBurst()
	}
	require.Equal(t, 1, n)
	pkt := b.RxRing()[0]
	require.Len(t, pkt, protocol.PktHdrSize+len(payload))
	got := protocol.UnmarshalPktHdr(pkt)
	require.Equal(t, uint64(9), got.ReqNum)
	require.Equal(t, payload, pkt[protocol.PktHdrSize:])
	b.PostRecvs(n)
}

func TestUdpHeaderOnlyPacket(t *testing.T) {
	a, b := newPair(t)
	var ri api.RoutingInfo
	b.FillLocalRoutingInfo(&ri)
	require.True(t, a.ResolveRemoteRoutingInfo(&ri))

	hdr := make([]byte, protocol.PktHdrSize)
	(&protocol.PktHdr{PktType: protocol.PktTypeExplicitCR, Magic: protocol.PktHdrMagic}).Marshal(hdr)
	require.NoError(t, a.TxBurst([]api.TxBurstItem{{RoutingInfo: &ri, Hdr: hdr}}))

	var n int
	for i := 0; i < 10000 && n == 0; i++ {
		n = b.RxBurst()
	}
	require.Equal(t, 1, n)
	require.Len(t, b.RxRing()[0], protocol.PktHdrSize)
}

func TestUdpResolveRejectsEmptyRouting(t *testing.T) {
	a, _ := newPair(t)
	var ri api.RoutingInfo
	require.False(t, a.ResolveRemoteRoutingInfo(&ri))
}
