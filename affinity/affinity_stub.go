//go:build !linux
// +build !linux

// File: affinity/affinity_stub.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Stub for platforms without NUMA-aware pinning. The thread stays
// locked but unbound.

package affinity

func pinToNodePlatform(node int) error { return nil }

func nodeCPUsPlatform(node int) []int { return nil }
