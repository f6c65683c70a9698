package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSmPktRoundTrip(t *testing.T) {
	var p SmPkt
	p.Kind = SmConnectResp
	p.Err = SmErrNone
	p.Token = 0xdeadbeefcafe
	p.Client.SetHostname("client.example.com")
	p.Client.SmUdpPort = 31850
	p.Client.RpcID = 4
	p.Client.SessionNum = 17
	p.Server.SetHostname("server.example.com")
	p.Server.SmUdpPort = 31851
	p.Server.RpcID = 9
	p.Server.SessionNum = 2
	p.Server.RoutingInfo.Buf[0] = 0x7f

	var b [SmPktSize]byte
	p.Marshal(b[:])
	got, err := UnmarshalSmPkt(b[:])
	require.NoError(t, err)
	require.Equal(t, p, got)
	require.Equal(t, "client.example.com", got.Client.HostnameStr())
}

func TestSmPktDstRpcID(t *testing.T) {
	var p SmPkt
	p.Client.RpcID = 1
	p.Server.RpcID = 2
	p.Kind = SmConnectReq
	require.Equal(t, uint8(2), p.DstRpcID())
	p.Kind = SmReject
	require.Equal(t, uint8(1), p.DstRpcID())
}

func TestSmPktTruncated(t *testing.T) {
	var b [SmPktSize - 1]byte
	_, err := UnmarshalSmPkt(b[:])
	require.Error(t, err)
}
