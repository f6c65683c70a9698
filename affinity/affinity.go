// File: affinity/affinity.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Platform-neutral API for pinning the dispatch goroutine. The engine
// pins its OS thread to a CPU of the NUMA node the hugepage allocator
// lives on. Platform implementations are in affinity_linux.go and
// affinity_stub.go, guarded by build tags.

package affinity

import "runtime"

// PinToNode locks the calling goroutine to its OS thread and binds the
// thread to the CPU set of the given NUMA node. node < 0 locks the
// thread without binding.
func PinToNode(node int) error {
	runtime.LockOSThread()
	if node < 0 {
		return nil
	}
	return pinToNodePlatform(node)
}

// NodeCPUs lists the logical CPUs of a NUMA node, or nil when the
// topology is unknown.
func NodeCPUs(node int) []int {
	return nodeCPUsPlatform(node)
}
