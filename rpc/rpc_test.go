package rpc

import (
	"bytes"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-rpc/api"
	"github.com/momentics/hioload-rpc/protocol"
	"github.com/momentics/hioload-rpc/transport/fake"
)

const (
	echoReqType   = 2
	bgEchoReqType = 3
	testMTU       = fake.DefaultMTU
	testPayload   = testMTU - protocol.PktHdrSize
)

// testEnv wires one client and one server endpoint over a fake fabric
// with real loopback SM channels.
type testEnv struct {
	t      *testing.T
	net    *fake.Net
	nexusC *Nexus
	nexusS *Nexus
	client *Rpc[*fake.Transport]
	server *Rpc[*fake.Transport]
	trC    *fake.Transport
	trS    *fake.Transport

	clientEvents []SmEventType
	serverEvents []SmEventType
}

func newTestEnv(t *testing.T, clientOpts, serverOpts []Option) *testEnv {
	t.Helper()
	e := &testEnv{t: t, net: fake.NewNet(1)}

	var err error
	e.nexusC, err = NewNexus("127.0.0.1:0")
	require.NoError(t, err)
	e.nexusS, err = NewNexus("127.0.0.1:0")
	require.NoError(t, err)

	// Echo handlers; registration precedes endpoint creation.
	var srv *Rpc[*fake.Transport]
	echo := func(h *ReqHandle) {
		resp, aerr := srv.AllocMsgBuffer(h.Req.DataSize)
		require.NoError(t, aerr)
		resp.Resize(h.Req.DataSize)
		copy(resp.Data(), h.Req.Data())
		require.NoError(t, srv.EnqueueResponse(h, resp))
	}
	require.NoError(t, e.nexusS.RegisterReqFunc(echoReqType, ReqHandler{Func: echo}))

	e.trC = e.net.NewTransport(testMTU, -1)
	e.trS = e.net.NewTransport(testMTU, -1)

	e.client, err = NewRpc(e.nexusC, 1, e.trC,
		func(sn int, ev SmEventType, err error) { e.clientEvents = append(e.clientEvents, ev) },
		clientOpts...)
	require.NoError(t, err)
	e.server, err = NewRpc(e.nexusS, 2, e.trS,
		func(sn int, ev SmEventType, err error) { e.serverEvents = append(e.serverEvents, ev) },
		serverOpts...)
	require.NoError(t, err)
	srv = e.server

	t.Cleanup(func() {
		e.client.Destroy()
		e.server.Destroy()
		_ = e.nexusC.Close()
		_ = e.nexusS.Close()
	})
	return e
}

func (e *testEnv) serverURI() string {
	return fmt.Sprintf("127.0.0.1:%d", e.nexusS.SmPort())
}

// pump drives both event loops until cond holds.
func (e *testEnv) pump(cond func() bool) {
	e.t.Helper()
	e.pumpRpcs(cond, true, true)
}

func (e *testEnv) pumpRpcs(cond func() bool, runClient, runServer bool) {
	e.t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			e.t.Fatal("pump timeout")
		}
		if runClient {
			e.client.RunEventLoopOnce()
		}
		if runServer {
			e.server.RunEventLoopOnce()
		}
	}
}

// connect establishes a client session and waits for Connected.
func (e *testEnv) connect() int {
	e.t.Helper()
	sn, err := e.client.CreateSession(e.serverURI(), 2)
	require.NoError(e.t, err)
	e.pump(func() bool {
		st, _ := e.client.SessionState(sn)
		return st == StateConnected
	})
	return sn
}

// echoOnce round-trips one payload and checks the bytes.
func (e *testEnv) echoOnce(sn, size int) {
	e.t.Helper()
	req, err := e.client.AllocMsgBuffer(size)
	require.NoError(e.t, err)
	resp, err := e.client.AllocMsgBuffer(size)
	require.NoError(e.t, err)
	req.Resize(size)

	pattern := make([]byte, size)
	rng := rand.New(rand.NewSource(int64(size + 7)))
	rng.Read(pattern)
	copy(req.Data(), pattern)

	done := false
	require.NoError(e.t, e.client.EnqueueRequest(sn, echoReqType, req, resp,
		func(err error, tag any) {
			require.NoError(e.t, err)
			done = true
		}, nil))
	e.pump(func() bool { return done })

	require.Equal(e.t, size, resp.DataSize)
	require.True(e.t, bytes.Equal(pattern, resp.Data()), "echo mismatch at %d bytes", size)

	e.client.FreeMsgBuffer(req)
	e.client.FreeMsgBuffer(resp)
}

// checkCreditInvariant asserts the aggregate credit law at a quiescent
// point.
func (e *testEnv) checkCreditInvariant(sn int) {
	e.t.Helper()
	s := e.client.sessionAt(sn)
	require.NotNil(e.t, s)
	require.Equal(e.t, SessionCredits, s.credits+s.inFlight(),
		"credits + in-flight must equal the session credit pool")
}

func TestConnectEchoDisconnect(t *testing.T) {
	e := newTestEnv(t, nil, nil)
	sn := e.connect()

	e.echoOnce(sn, 64)
	e.checkCreditInvariant(sn)

	require.NoError(t, e.client.DestroySession(sn))
	e.pump(func() bool {
		st, _ := e.client.SessionState(sn)
		return st == StateDisconnected
	})
	require.Equal(t, 0.0, testutil.ToFloat64(e.client.stats.Retransmissions))
	require.Equal(t, []SmEventType{SmEventConnected, SmEventDisconnected}, e.clientEvents)
}

func TestEchoSizes(t *testing.T) {
	e := newTestEnv(t, nil, nil)
	sn := e.connect()
	for _, size := range []int{0, 1, testPayload - 1, testPayload, testPayload + 1,
		2 * testPayload, 1 << 20} {
		e.echoOnce(sn, size)
		e.checkCreditInvariant(sn)
	}
	require.Equal(t, 0.0, testutil.ToFloat64(e.client.stats.Retransmissions))
}

func TestMultiPacketEcho8MiB(t *testing.T) {
	if testing.Short() {
		t.Skip("8 MiB echo in -short mode")
	}
	e := newTestEnv(t, nil, nil)
	sn := e.connect()

	const size = 8 << 20
	require.Equal(t, 2057, protocol.NumPktsFor(size, testPayload))
	e.echoOnce(sn, size)
	e.checkCreditInvariant(sn)
}

func TestEchoWithoutPacing(t *testing.T) {
	e := newTestEnv(t, []Option{WithCcPacing(false)}, []Option{WithCcPacing(false)})
	sn := e.connect()
	for _, size := range []int{64, 3 * testPayload, 64 << 10} {
		e.echoOnce(sn, size)
		e.checkCreditInvariant(sn)
	}
}

func TestDropFirstReqPacket(t *testing.T) {
	e := newTestEnv(t,
		[]Option{WithRto(2 * time.Millisecond), WithRtoScanIters(32)}, nil)
	sn := e.connect()

	dropped := false
	e.trC.DropFilter = func(hdr protocol.PktHdr) bool {
		if hdr.PktType == protocol.PktTypeReq && hdr.PktNum == 0 && !dropped {
			dropped = true
			return true
		}
		return false
	}
	e.echoOnce(sn, 64)
	require.True(t, dropped)
	require.Equal(t, 1.0, testutil.ToFloat64(e.client.stats.Retransmissions))
	e.checkCreditInvariant(sn)
}

// Idempotence: every packet's first copy is dropped in both
// directions; retransmission still completes every request with
// correct bytes.
func TestDropFirstCopyOfEveryPacket(t *testing.T) {
	e := newTestEnv(t,
		[]Option{WithRto(2 * time.Millisecond), WithRtoScanIters(32)},
		[]Option{WithRto(2 * time.Millisecond), WithRtoScanIters(32)})
	sn := e.connect()

	seenC := map[protocol.PktHdr]bool{}
	e.trC.DropFilter = func(hdr protocol.PktHdr) bool {
		if !seenC[hdr] {
			seenC[hdr] = true
			return true
		}
		return false
	}
	seenS := map[protocol.PktHdr]bool{}
	e.trS.DropFilter = func(hdr protocol.PktHdr) bool {
		if !seenS[hdr] {
			seenS[hdr] = true
			return true
		}
		return false
	}

	for _, size := range []int{64, 3 * testPayload} {
		e.echoOnce(sn, size)
		e.checkCreditInvariant(sn)
	}
	require.Greater(t, testutil.ToFloat64(e.client.stats.Retransmissions), 0.0)
}

// Liveness under 10% uniform loss on both directions.
func TestLossyEcho(t *testing.T) {
	if testing.Short() {
		t.Skip("lossy soak in -short mode")
	}
	e := newTestEnv(t,
		[]Option{WithRto(time.Millisecond), WithRtoScanIters(16)},
		[]Option{WithRto(time.Millisecond), WithRtoScanIters(16)})
	sn := e.connect()
	e.net.LossRate = 0.10

	completed := 0
	const total = 500
	for i := 0; i < total; i++ {
		req, err := e.client.AllocMsgBuffer(128)
		require.NoError(t, err)
		resp, err := e.client.AllocMsgBuffer(128)
		require.NoError(t, err)
		req.Resize(128)
		req.Data()[0] = byte(i)
		require.NoError(t, e.client.EnqueueRequest(sn, echoReqType, req, resp,
			func(err error, tag any) {
				require.NoError(t, err)
				completed++
			}, nil))
	}
	e.pump(func() bool { return completed == total })
	e.net.LossRate = 0
	e.checkCreditInvariant(sn)
}

// Credit stall: more concurrent requests than slots; every request
// completes and continuations fire in enqueue order.
func TestCreditStallFIFO(t *testing.T) {
	e := newTestEnv(t, nil, nil)
	sn := e.connect()

	const total = 16
	var order []int
	for i := 0; i < total; i++ {
		req, err := e.client.AllocMsgBuffer(64)
		require.NoError(t, err)
		resp, err := e.client.AllocMsgBuffer(64)
		require.NoError(t, err)
		req.Resize(64)
		i := i
		require.NoError(t, e.client.EnqueueRequest(sn, echoReqType, req, resp,
			func(err error, tag any) {
				require.NoError(t, err)
				order = append(order, i)
			}, nil))
	}
	// Half the requests had to wait for slots.
	s := e.client.sessionAt(sn)
	require.Equal(t, total-SessionReqWindow, s.backlog.Length())

	e.pump(func() bool { return len(order) == total })
	for i, got := range order {
		require.Equal(t, i, got, "continuations must fire in enqueue order")
	}
	e.checkCreditInvariant(sn)
}

// A single large request exhausts the credit window and parks the slot
// on the endpoint stall queue until credits return.
func TestStallQueueOnLargeRequest(t *testing.T) {
	e := newTestEnv(t, []Option{WithCcPacing(false)}, nil)
	sn := e.connect()
	e.echoOnce(sn, (SessionCredits+4)*testPayload)
	e.checkCreditInvariant(sn)
}

// SM retransmit: the server comes up late; the client must retransmit
// the connect request and exactly one session may exist at the server.
func TestSmRetransmitSlowServer(t *testing.T) {
	e := newTestEnv(t, []Option{WithSmTimeout(100 * time.Millisecond)}, nil)

	sn, err := e.client.CreateSession(e.serverURI(), 2)
	require.NoError(t, err)

	// Hold the server loop down past one SM timeout.
	start := time.Now()
	e.pumpRpcs(func() bool { return time.Since(start) > 150*time.Millisecond }, true, false)

	e.pump(func() bool {
		st, _ := e.client.SessionState(sn)
		return st == StateConnected
	})
	require.GreaterOrEqual(t, testutil.ToFloat64(e.client.stats.SmRetransmits), 1.0)

	// Token dedupe: no duplicate server-side sessions.
	live := 0
	for _, s := range e.server.sessions {
		if s != nil {
			live++
		}
	}
	require.Equal(t, 1, live)
}

// Session reset: the peer dies mid-exchange; every outstanding
// continuation fires exactly once with ErrSessionReset and no credits
// leak.
func TestSessionReset(t *testing.T) {
	e := newTestEnv(t,
		[]Option{WithRto(time.Millisecond), WithRtoScanIters(16), WithMaxRetries(3)}, nil)
	sn := e.connect()
	e.echoOnce(sn, 64)

	e.net.Kill(e.trS)

	const inflight = 4
	failures := 0
	for i := 0; i < inflight; i++ {
		req, err := e.client.AllocMsgBuffer(64)
		require.NoError(t, err)
		resp, err := e.client.AllocMsgBuffer(64)
		require.NoError(t, err)
		req.Resize(64)
		require.NoError(t, e.client.EnqueueRequest(sn, echoReqType, req, resp,
			func(err error, tag any) {
				require.ErrorIs(t, err, api.ErrSessionReset)
				failures++
			}, nil))
	}

	e.pumpRpcs(func() bool { return failures == inflight }, true, false)
	st, _ := e.client.SessionState(sn)
	require.Equal(t, StateDisconnected, st)
	e.checkCreditInvariant(sn)
	require.Equal(t, 1.0, testutil.ToFloat64(e.client.stats.SessionResets))
}

func TestEnqueueRequestValidation(t *testing.T) {
	e := newTestEnv(t, nil, nil)

	req, err := e.client.AllocMsgBuffer(64)
	require.NoError(t, err)
	resp, err := e.client.AllocMsgBuffer(64)
	require.NoError(t, err)

	// Unknown session.
	err = e.client.EnqueueRequest(99, echoReqType, req, resp, nil, nil)
	require.ErrorIs(t, err, api.ErrInvalidArgument)

	// Session not yet connected.
	sn, err := e.client.CreateSession(e.serverURI(), 2)
	require.NoError(t, err)
	err = e.client.EnqueueRequest(sn, echoReqType, req, resp, nil, nil)
	require.ErrorIs(t, err, api.ErrSessionNotConnected)
}

func TestConnectRejectUnknownRpcID(t *testing.T) {
	e := newTestEnv(t, nil, nil)
	sn, err := e.client.CreateSession(e.serverURI(), 77) // no such endpoint
	require.NoError(t, err)
	e.pumpRpcs(func() bool {
		st, _ := e.client.SessionState(sn)
		return st == StateDisconnected
	}, true, false)
	require.Equal(t, []SmEventType{SmEventConnectFailed}, e.clientEvents)
}

func TestDestroySessionStates(t *testing.T) {
	e := newTestEnv(t, nil, nil)
	require.Error(t, e.client.DestroySession(12345))
	sn := e.connect()
	require.NoError(t, e.client.DestroySession(sn))
	// Double destroy is rejected: no longer Connected.
	require.ErrorIs(t, e.client.DestroySession(sn), api.ErrSessionNotConnected)
}
