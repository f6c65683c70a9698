//go:build linux
// +build linux

// File: pool/chunk_linux.go
// Package pool
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Hugepage chunk reservation via mmap(MAP_HUGETLB). When the hugepage
// pool is empty the reservation falls back to ordinary anonymous pages
// with mlock, so the engine still runs on unconfigured hosts.

package pool

import (
	"golang.org/x/sys/unix"
)

func reserveChunk(size, numaNode int) ([]byte, bool, error) {
	buf, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE|unix.MAP_HUGETLB|unix.MAP_POPULATE)
	if err == nil {
		return buf, true, nil
	}

	buf, err = unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE|unix.MAP_POPULATE)
	if err != nil {
		return nil, false, err
	}
	// Pinning keeps fallback chunks DMA-safe. Failure is tolerated:
	// software transports do not require pinned pages.
	_ = unix.Mlock(buf)
	return buf, false, nil
}

func releaseChunk(buf []byte) {
	_ = unix.Munmap(buf)
}
