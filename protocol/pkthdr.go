// File: protocol/pkthdr.go
// Package protocol
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Datapath packet header encoding/decoding. The header is 16 bytes,
// bit-exact, little-endian:
//
//	word0: req_type(8) | msg_size(24) | dest_session_num(16) |
//	       pkt_type(2) | pkt_num(14)
//	word1: req_num(44) | magic(20)
//
// Headers are stamped directly into message-buffer memory and parsed
// from RX ring slots without allocation.

package protocol

import (
	"encoding/binary"
	"fmt"
)

// PktHdrSize is the on-wire header size in bytes.
const PktHdrSize = 16

// PktHdrMagic is the constant in the magic field of every valid packet.
const PktHdrMagic = 11

// Field capacities implied by the bit layout.
const (
	MaxMsgSize     = (1 << 24) - 1 // bytes per message
	MaxPktNum      = (1 << 14) - 1 // packets per message
	MaxReqNum      = (1 << 44) - 1
	InvalidSession = (1 << 16) - 1
)

// PktType occupies two bits in the header.
type PktType uint8

const (
	// PktTypeReq carries request data.
	PktTypeReq PktType = iota
	// PktTypeRFR pulls the next window of response packets.
	PktTypeRFR
	// PktTypeExplicitCR returns a credit when no response data is
	// ready in time. Zero payload.
	PktTypeExplicitCR
	// PktTypeResp carries response data.
	PktTypeResp
)

func (t PktType) String() string {
	switch t {
	case PktTypeReq:
		return "REQ"
	case PktTypeRFR:
		return "RFR"
	case PktTypeExplicitCR:
		return "CR"
	case PktTypeResp:
		return "RESP"
	}
	return "INVALID"
}

// PktHdr is the decoded form of the wire header. Trivially copyable;
// no ownership, no dispatch.
type PktHdr struct {
	ReqType        uint8
	MsgSize        uint32 // 24-bit: total message size, excluding headers
	DestSessionNum uint16
	PktType        PktType // 2-bit
	PktNum         uint16  // 14-bit index of this packet in the message
	ReqNum         uint64  // 44-bit monotonic request number
	Magic          uint32  // 20-bit
}

// Marshal stamps h into b, which must hold PktHdrSize bytes.
func (h *PktHdr) Marshal(b []byte) {
	w0 := uint64(h.ReqType) |
		uint64(h.MsgSize&0xffffff)<<8 |
		uint64(h.DestSessionNum)<<32 |
		uint64(h.PktType&0x3)<<48 |
		uint64(h.PktNum&0x3fff)<<50
	w1 := (h.ReqNum & MaxReqNum) |
		uint64(h.Magic&0xfffff)<<44
	binary.LittleEndian.PutUint64(b[0:8], w0)
	binary.LittleEndian.PutUint64(b[8:16], w1)
}

// UnmarshalPktHdr decodes the leading PktHdrSize bytes of b.
func UnmarshalPktHdr(b []byte) PktHdr {
	w0 := binary.LittleEndian.Uint64(b[0:8])
	w1 := binary.LittleEndian.Uint64(b[8:16])
	return PktHdr{
		ReqType:        uint8(w0),
		MsgSize:        uint32(w0>>8) & 0xffffff,
		DestSessionNum: uint16(w0 >> 32),
		PktType:        PktType(w0>>48) & 0x3,
		PktNum:         uint16(w0>>50) & 0x3fff,
		ReqNum:         w1 & MaxReqNum,
		Magic:          uint32(w1>>44) & 0xfffff,
	}
}

// CheckMagic reports whether the magic field is valid.
func (h *PktHdr) CheckMagic() bool { return h.Magic == PktHdrMagic }

// String renders the header for diagnostics.
func (h *PktHdr) String() string {
	return fmt.Sprintf("[type %s, req %d, pkt %d/%dB, session %d]",
		h.PktType, h.ReqNum, h.PktNum, h.MsgSize, h.DestSessionNum)
}
