// File: rpc/tsc.go
// Package rpc
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Time base for all engine intervals. Portable Go has no direct rdtsc;
// the monotonic clock read is the closest equivalent, and every
// interval in the engine is expressed in these units (nanoseconds).

package rpc

import "time"

var tscEpoch = time.Now()

// rdtsc samples the monotonic time base.
func rdtsc() uint64 { return uint64(time.Since(tscEpoch)) }

func durToCycles(d time.Duration) uint64 { return uint64(d) }
