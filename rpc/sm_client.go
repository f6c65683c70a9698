// File: rpc/sm_client.go
// Package rpc
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// SM datagram sender with a per-hostname addrinfo cache. Resolution
// happens once per peer; retransmissions hit the cache.

package rpc

import (
	"net"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/momentics/hioload-rpc/protocol"
)

type smClient struct {
	conn *net.UDPConn

	mu    sync.Mutex
	cache map[string]*net.UDPAddr
}

func newSmClient(conn *net.UDPConn) *smClient {
	return &smClient{conn: conn, cache: make(map[string]*net.UDPAddr)}
}

func (c *smClient) resolve(hostname string, port uint16) (*net.UDPAddr, error) {
	key := net.JoinHostPort(hostname, strconv.Itoa(int(port)))
	c.mu.Lock()
	addr, ok := c.cache[key]
	c.mu.Unlock()
	if ok {
		return addr, nil
	}
	addr, err := net.ResolveUDPAddr("udp", key)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.cache[key] = addr
	c.mu.Unlock()
	return addr, nil
}

// send marshals and transmits one SM datagram. Failures are logged,
// not surfaced: the SM retransmission timer covers lost sends.
func (c *smClient) send(hostname string, port uint16, pkt *protocol.SmPkt, log *zap.Logger) {
	addr, err := c.resolve(hostname, port)
	if err != nil {
		log.Error("sm: failed to resolve peer",
			zap.String("hostname", hostname), zap.Uint16("port", port), zap.Error(err))
		return
	}
	var buf [protocol.SmPktSize]byte
	pkt.Marshal(buf[:])
	if _, err := c.conn.WriteToUDP(buf[:], addr); err != nil {
		log.Error("sm: send failed", zap.Stringer("kind", pkt.Kind), zap.Error(err))
	}
}
