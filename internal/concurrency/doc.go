// Package concurrency implements the lock-free queues connecting the
// dispatch goroutine to background workers and the SM channel.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Two bounded queue shapes:
//
//   - SPSCRing: one producer -> one consumer, padded against false
//     sharing. The runtime does not use it at present.
//   - MPSCQueue: many producers -> dispatch, per-cell sequence
//     numbers.
//
// The datapath itself never crosses threads. MPSCQueue carries
// background-handler replies and SM datagrams to the dispatch
// goroutine; background work items travel on a buffered channel, not
// on these queues.
package concurrency
