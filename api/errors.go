// Package api
// Author: momentics <momentics@gmail.com>
//
// Common error kinds for the RPC runtime. Datapath errors never reach
// the application except as ErrSessionReset delivered through the
// continuation; everything else surfaces from constructors or the
// session-management channel.

package api

import "fmt"

var (
	// ErrTransportCreation: fatal, aborts endpoint construction.
	ErrTransportCreation = fmt.Errorf("transport creation failed")

	// ErrHugepageExhaustion: pinned allocation failed; surfaced as a
	// nil buffer / ENOMEM-style error to the caller.
	ErrHugepageExhaustion = fmt.Errorf("hugepage allocation failed")

	// ErrSessionReject: the peer refused the connect request.
	ErrSessionReject = fmt.Errorf("session rejected by peer")

	// ErrSessionReset: unrecoverable runtime failure on a connected
	// session. Each orphaned continuation receives it exactly once.
	ErrSessionReset = fmt.Errorf("session reset")

	// ErrSessionNotConnected: operation requires a Connected session.
	ErrSessionNotConnected = fmt.Errorf("session not connected")

	// ErrInvalidArgument covers malformed API usage.
	ErrInvalidArgument = fmt.Errorf("invalid argument")

	// ErrRingFull: a bounded lock-free queue rejected an item.
	ErrRingFull = fmt.Errorf("ring buffer full")

	// ErrNotSupported: operation unavailable on this platform.
	ErrNotSupported = fmt.Errorf("operation not supported")
)
