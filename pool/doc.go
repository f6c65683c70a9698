// Package pool implements the hugepage slab allocator backing all
// datapath memory: message buffers, RX rings, and transport scratch.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Regions are carved from pinned chunks in power-of-two size classes.
// Every chunk is registered with the owning transport at reservation
// and deregistered at destruction; the registration record (lkey plus
// opaque handle) rides alongside every region so it is recovered in
// O(1) from a message buffer.
//
// The allocator is per-endpoint and single-threaded: only the dispatch
// goroutine allocates or frees.
package pool
