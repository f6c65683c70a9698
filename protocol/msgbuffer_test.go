package protocol

import (
	"testing"

	"github.com/momentics/hioload-rpc/api"
)

const testPktPayload = 1024

func newTestMsgBuffer(maxData int) *MsgBuffer {
	backing := make([]byte, BackingSize(maxData, testPktPayload))
	return NewMsgBuffer(backing, api.MemRegInfo{}, 0, maxData, testPktPayload)
}

func TestNumPktsFor(t *testing.T) {
	cases := []struct{ size, want int }{
		{0, 1},
		{1, 1},
		{testPktPayload, 1},
		{testPktPayload + 1, 2},
		{2 * testPktPayload, 2},
		{10*testPktPayload + 7, 11},
	}
	for _, c := range cases {
		if got := NumPktsFor(c.size, testPktPayload); got != c.want {
			t.Errorf("NumPktsFor(%d) = %d, want %d", c.size, got, c.want)
		}
	}
}

func TestMsgBufferSlices(t *testing.T) {
	m := newTestMsgBuffer(3*testPktPayload + 100)
	if m.NumPkts != 4 {
		t.Fatalf("NumPkts = %d", m.NumPkts)
	}
	total := 0
	for i := 0; i < m.NumPkts; i++ {
		p := m.PktPayloadSlice(i)
		if len(p) != m.PktDataBytes(i) {
			t.Fatalf("pkt %d: slice %d != data bytes %d", i, len(p), m.PktDataBytes(i))
		}
		total += len(p)
	}
	if total != m.DataSize {
		t.Fatalf("payload slices cover %d of %d bytes", total, m.DataSize)
	}
	if len(m.PktHdrSlice(0)) != PktHdrSize || len(m.PktHdrSlice(3)) != PktHdrSize {
		t.Fatal("bad header slot size")
	}
}

func TestMsgBufferStampHdrs(t *testing.T) {
	m := newTestMsgBuffer(2*testPktPayload + 1)
	m.StampHdrs(PktHdr{
		ReqType:        9,
		DestSessionNum: 3,
		PktType:        PktTypeReq,
		ReqNum:         88,
	})
	for i := 0; i < m.NumPkts; i++ {
		h := UnmarshalPktHdr(m.PktHdrSlice(i))
		if !h.CheckMagic() {
			t.Fatalf("pkt %d: bad magic", i)
		}
		if h.PktNum != uint16(i) || h.ReqNum != 88 || int(h.MsgSize) != m.DataSize {
			t.Fatalf("pkt %d: bad header %+v", i, h)
		}
	}
}

func TestMsgBufferResizeReuse(t *testing.T) {
	m := newTestMsgBuffer(8 * testPktPayload)
	m.Resize(5)
	if m.NumPkts != 1 || m.DataSize != 5 {
		t.Fatalf("resize: %d pkts, %d bytes", m.NumPkts, m.DataSize)
	}
	// Header slot 0 still directly precedes payload: single-packet
	// messages stay contiguous.
	if &m.Buf[PktHdrSize] != &m.Data()[0] {
		t.Fatal("payload not contiguous with hdr0")
	}
}
