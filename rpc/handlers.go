// File: rpc/handlers.go
// Package rpc
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// User-facing handler and continuation types. Request handlers are
// registered per request type on the Nexus before any endpoint is
// created; continuations are supplied per request.

package rpc

import "github.com/momentics/hioload-rpc/protocol"

// ContFunc is the client continuation. It runs exactly once per
// enqueued request: err is nil with the response assembled in the
// response buffer, or api.ErrSessionReset.
type ContFunc func(err error, tag any)

// ReqHandlerFunc processes one request at the server. The handle's
// request buffer is valid for the duration of the call unless the
// handler is foreground and single-packet, in which case it aliases
// the RX ring and must not be retained.
type ReqHandlerFunc func(h *ReqHandle)

// ReqHandler binds a handler function to its execution mode.
type ReqHandler struct {
	Func ReqHandlerFunc

	// RunInBackground moves handler execution to the worker pool; the
	// dispatch goroutine never blocks in it. Continuations of requests
	// of this type follow the same placement on the client.
	RunInBackground bool
}

// ReqHandle is the server-side view of one in-progress request.
type ReqHandle struct {
	// Req is the request message. Do not retain after the handler
	// returns.
	Req *protocol.MsgBuffer

	// ReqType as stamped by the client.
	ReqType uint8

	sessionNum uint16
	slotIdx    int
	reqNum     uint64
	background bool

	// ownedReq is the engine-allocated request copy handed to a
	// background handler; freed once the reply is absorbed.
	ownedReq *protocol.MsgBuffer
}

// SmEventType describes a session-management callback.
type SmEventType uint8

const (
	SmEventConnected SmEventType = iota
	SmEventConnectFailed
	SmEventDisconnected
	SmEventReset
)

func (e SmEventType) String() string {
	switch e {
	case SmEventConnected:
		return "connected"
	case SmEventConnectFailed:
		return "connect failed"
	case SmEventDisconnected:
		return "disconnected"
	case SmEventReset:
		return "reset"
	}
	return "invalid"
}

// SmHandler receives session lifecycle events on the dispatch
// goroutine.
type SmHandler func(sessionNum int, event SmEventType, err error)
