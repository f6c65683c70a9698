package fake

import (
	"testing"

	"github.com/momentics/hioload-rpc/api"
	"github.com/momentics/hioload-rpc/protocol"
	"github.com/stretchr/testify/require"
)

func routingTo(t *Transport) *api.RoutingInfo {
	var ri api.RoutingInfo
	t.FillLocalRoutingInfo(&ri)
	return &ri
}

func mkPkt(pktType protocol.PktType, reqNum uint64) []byte {
	h := protocol.PktHdr{PktType: pktType, ReqNum: reqNum, Magic: protocol.PktHdrMagic}
	b := make([]byte, protocol.PktHdrSize)
	h.Marshal(b)
	return b
}

func TestFakeDelivery(t *testing.T) {
	n := NewNet(1)
	a := n.NewTransport(DefaultMTU, -1)
	b := n.NewTransport(DefaultMTU, -1)

	payload := []byte("ping")
	err := a.TxBurst([]api.TxBurstItem{{
		RoutingInfo: routingTo(b),
		Hdr:         mkPkt(protocol.PktTypeReq, 8),
		Payload:     payload,
	}})
	require.NoError(t, err)

	require.Equal(t, 1, b.RxBurst())
	pkt := b.RxRing()[0]
	require.Len(t, pkt, protocol.PktHdrSize+len(payload))
	hdr := protocol.UnmarshalPktHdr(pkt)
	require.Equal(t, uint64(8), hdr.ReqNum)
	require.Equal(t, payload, pkt[protocol.PktHdrSize:])
	b.PostRecvs(1)
}

func TestFakeDropFlag(t *testing.T) {
	n := NewNet(1)
	a := n.NewTransport(DefaultMTU, -1)
	b := n.NewTransport(DefaultMTU, -1)

	require.NoError(t, a.TxBurst([]api.TxBurstItem{{
		RoutingInfo: routingTo(b),
		Hdr:         mkPkt(protocol.PktTypeReq, 8),
		Drop:        true,
	}}))
	require.Equal(t, 0, b.RxBurst())
	require.Equal(t, uint64(1), a.Stats.TxDropped)
}

func TestFakeDropFilter(t *testing.T) {
	n := NewNet(1)
	a := n.NewTransport(DefaultMTU, -1)
	b := n.NewTransport(DefaultMTU, -1)

	a.DropFilter = func(hdr protocol.PktHdr) bool { return hdr.PktType == protocol.PktTypeReq }
	require.NoError(t, a.TxBurst([]api.TxBurstItem{
		{RoutingInfo: routingTo(b), Hdr: mkPkt(protocol.PktTypeReq, 8)},
		{RoutingInfo: routingTo(b), Hdr: mkPkt(protocol.PktTypeResp, 8)},
	}))
	require.Equal(t, 1, b.RxBurst())
	hdr := protocol.UnmarshalPktHdr(b.RxRing()[0])
	require.Equal(t, protocol.PktTypeResp, hdr.PktType)
}

func TestFakeKill(t *testing.T) {
	n := NewNet(1)
	a := n.NewTransport(DefaultMTU, -1)
	b := n.NewTransport(DefaultMTU, -1)
	ri := routingTo(b)
	require.True(t, a.ResolveRemoteRoutingInfo(ri))

	n.Kill(b)
	require.False(t, a.ResolveRemoteRoutingInfo(ri))
	// Sends to a dead endpoint vanish without error, like a rebooted
	// peer on a real fabric.
	require.NoError(t, a.TxBurst([]api.TxBurstItem{{
		RoutingInfo: ri, Hdr: mkPkt(protocol.PktTypeReq, 8),
	}}))
}
