//go:build !linux
// +build !linux

// File: transport/udp/udp_stub.go
// Package udp
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package udp

import "github.com/momentics/hioload-rpc/api"

// DefaultMTU bounds one datagram, header included.
const DefaultMTU = 4096

// Transport is unavailable outside Linux.
type Transport struct{}

// New reports the platform gap; use the fake fabric instead.
func New(phyPort uint8, mtu, numaNode int) (*Transport, error) {
	return nil, api.ErrNotSupported
}
