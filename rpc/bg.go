// File: rpc/bg.go
// Package rpc
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Background worker pool. Handlers flagged background run here; only
// the dispatch goroutine touches the transport and slot TX state, so
// workers hand completed responses back through the lock-free reply
// queue and the loop absorbs them each iteration.

package rpc

import (
	"sync"

	"github.com/momentics/hioload-rpc/protocol"
)

const bgQueueDepth = 4096

// bgReply is one completed background response, worker -> dispatch.
type bgReply struct {
	h    *ReqHandle
	resp *protocol.MsgBuffer
}

// bgPool runs background work items on a fixed set of workers fed by
// one buffered channel. The dispatch goroutine is the only producer;
// workers never feed work back except through the reply queue.
type bgPool struct {
	work chan func()
	wg   sync.WaitGroup
}

func newBgPool(workers int) *bgPool {
	p := &bgPool{work: make(chan func(), bgQueueDepth)}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.run()
	}
	return p
}

// submit hands fn to the pool. Blocks only when bgQueueDepth handler
// invocations are already pending.
func (p *bgPool) submit(fn func()) {
	p.work <- fn
}

func (p *bgPool) run() {
	defer p.wg.Done()
	for fn := range p.work {
		fn()
	}
}

func (p *bgPool) close() {
	close(p.work)
	p.wg.Wait()
}
