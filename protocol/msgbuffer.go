// File: protocol/msgbuffer.go
// Package protocol
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// MsgBuffer is one multi-packet message over pinned memory. A message
// of S bytes spans ceil(S/payload) packets; each packet carries a
// prepended 16-byte header. The layout keeps the first header directly
// before the payload so a single-packet message is contiguous on the
// wire; headers for later packets live past the payload region:
//
//	[hdr0][payload.....................][hdr1][hdr2]...[hdrN-1]
//
// A MsgBuffer is exclusively owned by the session slot transmitting or
// assembling it. All slicing is zero-copy.

package protocol

import "github.com/momentics/hioload-rpc/api"

// MsgBuffer references one message worth of pinned memory.
type MsgBuffer struct {
	// Buf is the full backing region, headers included.
	Buf []byte
	// Reg is the registration record of the backing slab.
	Reg api.MemRegInfo
	// Class identifies the allocator size class, for free.
	Class int

	// DataSize is the current message size; NumPkts its packet count.
	DataSize int
	NumPkts  int

	// MaxDataSize is the capacity the buffer was allocated for.
	MaxDataSize int
	MaxNumPkts  int

	// pktPayload is the data capacity of one packet (MTU - header).
	pktPayload int
}

// NewMsgBuffer wraps a pinned region sized by BackingSize. The region
// must hold BackingSize(maxDataSize, pktPayload) bytes.
func NewMsgBuffer(buf []byte, reg api.MemRegInfo, class, maxDataSize, pktPayload int) *MsgBuffer {
	m := &MsgBuffer{
		Buf:         buf,
		Reg:         reg,
		Class:       class,
		MaxDataSize: maxDataSize,
		MaxNumPkts:  NumPktsFor(maxDataSize, pktPayload),
		pktPayload:  pktPayload,
	}
	m.Resize(maxDataSize)
	return m
}

// ViewMsgBuffer wraps a contiguous single-packet wire message (header
// followed by payload), such as an RX ring slot, without copying or
// taking ownership. The view must not outlive the underlying slot.
func ViewMsgBuffer(pkt []byte, dataSize, pktPayload int) MsgBuffer {
	return MsgBuffer{
		Buf:         pkt,
		DataSize:    dataSize,
		NumPkts:     1,
		MaxDataSize: dataSize,
		MaxNumPkts:  1,
		pktPayload:  pktPayload,
	}
}

// BackingSize returns the byte count a backing region needs for a
// message of maxDataSize bytes: payload plus one header per packet.
func BackingSize(maxDataSize, pktPayload int) int {
	return maxDataSize + NumPktsFor(maxDataSize, pktPayload)*PktHdrSize
}

// NumPktsFor returns the packet count for dataSize bytes of payload.
// A zero-byte message still takes one (header-only) packet.
func NumPktsFor(dataSize, pktPayload int) int {
	if dataSize <= pktPayload {
		return 1
	}
	return (dataSize + pktPayload - 1) / pktPayload
}

// Resize sets the current message size without touching the backing
// region. dataSize must not exceed MaxDataSize.
func (m *MsgBuffer) Resize(dataSize int) {
	m.DataSize = dataSize
	m.NumPkts = NumPktsFor(dataSize, m.pktPayload)
}

// Data returns the payload region for the current size.
func (m *MsgBuffer) Data() []byte {
	return m.Buf[PktHdrSize : PktHdrSize+m.DataSize]
}

// PktHdrSlice returns the 16-byte header slot for packet i.
func (m *MsgBuffer) PktHdrSlice(i int) []byte {
	if i == 0 {
		return m.Buf[0:PktHdrSize]
	}
	off := PktHdrSize + m.MaxDataSize + (i-1)*PktHdrSize
	return m.Buf[off : off+PktHdrSize]
}

// PktPayloadSlice returns the payload region of packet i for the
// current message size.
func (m *MsgBuffer) PktPayloadSlice(i int) []byte {
	lo := i * m.pktPayload
	hi := lo + m.pktPayload
	if hi > m.DataSize {
		hi = m.DataSize
	}
	return m.Buf[PktHdrSize+lo : PktHdrSize+hi]
}

// PktDataBytes returns the payload byte count of packet i.
func (m *MsgBuffer) PktDataBytes(i int) int {
	if i < m.NumPkts-1 {
		return m.pktPayload
	}
	return m.DataSize - (m.NumPkts-1)*m.pktPayload
}

// StampHdrs writes one header per packet of the current message. The
// per-packet PktNum and the shared fields come from proto.
func (m *MsgBuffer) StampHdrs(proto PktHdr) {
	proto.MsgSize = uint32(m.DataSize)
	proto.Magic = PktHdrMagic
	for i := 0; i < m.NumPkts; i++ {
		proto.PktNum = uint16(i)
		proto.Marshal(m.PktHdrSlice(i))
	}
}

// Hdr0 decodes the first packet header, shared source of the request
// number and message size.
func (m *MsgBuffer) Hdr0() PktHdr { return UnmarshalPktHdr(m.Buf) }
