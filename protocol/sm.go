// File: protocol/sm.go
// Package protocol
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Session-management datagram codec. SM packets travel over the
// out-of-band UDP control channel, never the datapath transport. They
// are idempotent: retransmissions at the SM timeout cadence are
// expected and deduplicated by the connect token.

package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/momentics/hioload-rpc/api"
)

// SmPktType is the datagram kind.
type SmPktType uint8

const (
	SmConnectReq SmPktType = iota
	SmConnectResp
	SmDisconnectReq
	SmDisconnectResp
	SmReject
)

func (t SmPktType) String() string {
	switch t {
	case SmConnectReq:
		return "connect-req"
	case SmConnectResp:
		return "connect-resp"
	case SmDisconnectReq:
		return "disconnect-req"
	case SmDisconnectResp:
		return "disconnect-resp"
	case SmReject:
		return "reject"
	}
	return "invalid"
}

// SmErrType is the reason carried by reject datagrams.
type SmErrType uint8

const (
	SmErrNone SmErrType = iota
	SmErrTooManySessions
	SmErrUnknownRpcID
	SmErrNoHandlers
	SmErrRoutingResolution
)

func (e SmErrType) String() string {
	switch e {
	case SmErrNone:
		return "no error"
	case SmErrTooManySessions:
		return "too many sessions"
	case SmErrUnknownRpcID:
		return "unknown rpc id"
	case SmErrNoHandlers:
		return "no request handlers registered"
	case SmErrRoutingResolution:
		return "routing info resolution failed"
	}
	return "invalid"
}

// MaxHostnameLen bounds the hostname field of a session endpoint.
const MaxHostnameLen = 48

// SessionEndpoint identifies one side of a session on the SM channel.
type SessionEndpoint struct {
	Hostname    [MaxHostnameLen]byte
	SmUdpPort   uint16
	RpcID       uint8
	SessionNum  uint16
	RoutingInfo api.RoutingInfo
}

// SetHostname copies name into the fixed hostname field.
func (e *SessionEndpoint) SetHostname(name string) {
	for i := range e.Hostname {
		e.Hostname[i] = 0
	}
	copy(e.Hostname[:], name)
}

// HostnameStr returns the hostname as a string.
func (e *SessionEndpoint) HostnameStr() string {
	n := 0
	for n < len(e.Hostname) && e.Hostname[n] != 0 {
		n++
	}
	return string(e.Hostname[:n])
}

func (e *SessionEndpoint) String() string {
	return fmt.Sprintf("%s:%d/rpc%d/session%d",
		e.HostnameStr(), e.SmUdpPort, e.RpcID, e.SessionNum)
}

const endpointWireSize = MaxHostnameLen + 2 + 1 + 2 + api.MaxRoutingInfoSize

// SmPktSize is the fixed wire size of one SM datagram.
const SmPktSize = 1 + 1 + 8 + 2*endpointWireSize

// SmPkt is one SM datagram: kind, reason, the client-chosen unique
// token echoed by the server, and both session endpoints.
type SmPkt struct {
	Kind   SmPktType
	Err    SmErrType
	Token  uint64
	Client SessionEndpoint
	Server SessionEndpoint
}

// IsReq reports whether the datagram is a request (sent by the session
// client) as opposed to a response or reject (sent by the server).
func (p *SmPkt) IsReq() bool {
	return p.Kind == SmConnectReq || p.Kind == SmDisconnectReq
}

// DstRpcID returns the rpc id this datagram must be delivered to.
func (p *SmPkt) DstRpcID() uint8 {
	if p.IsReq() {
		return p.Server.RpcID
	}
	return p.Client.RpcID
}

func marshalEndpoint(b []byte, e *SessionEndpoint) int {
	n := copy(b, e.Hostname[:])
	binary.LittleEndian.PutUint16(b[n:], e.SmUdpPort)
	n += 2
	b[n] = e.RpcID
	n++
	binary.LittleEndian.PutUint16(b[n:], e.SessionNum)
	n += 2
	n += copy(b[n:], e.RoutingInfo.Buf[:])
	return n
}

func unmarshalEndpoint(b []byte, e *SessionEndpoint) int {
	n := copy(e.Hostname[:], b)
	e.SmUdpPort = binary.LittleEndian.Uint16(b[n:])
	n += 2
	e.RpcID = b[n]
	n++
	e.SessionNum = binary.LittleEndian.Uint16(b[n:])
	n += 2
	n += copy(e.RoutingInfo.Buf[:], b[n:n+api.MaxRoutingInfoSize])
	return n
}

// Marshal encodes p into b, which must hold SmPktSize bytes.
func (p *SmPkt) Marshal(b []byte) {
	b[0] = byte(p.Kind)
	b[1] = byte(p.Err)
	binary.LittleEndian.PutUint64(b[2:], p.Token)
	n := 10
	n += marshalEndpoint(b[n:], &p.Client)
	marshalEndpoint(b[n:], &p.Server)
}

// UnmarshalSmPkt decodes one SM datagram.
func UnmarshalSmPkt(b []byte) (SmPkt, error) {
	if len(b) < SmPktSize {
		return SmPkt{}, fmt.Errorf("sm pkt too short: %d < %d", len(b), SmPktSize)
	}
	var p SmPkt
	p.Kind = SmPktType(b[0])
	p.Err = SmErrType(b[1])
	p.Token = binary.LittleEndian.Uint64(b[2:])
	n := 10
	n += unmarshalEndpoint(b[n:], &p.Client)
	unmarshalEndpoint(b[n:], &p.Server)
	if p.Kind > SmReject {
		return SmPkt{}, fmt.Errorf("sm pkt: bad kind %d", b[0])
	}
	return p, nil
}
