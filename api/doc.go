// Package api
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Pure contracts consumed across the library: the datagram transport
// capability set, pinned-memory allocation, lock-free rings, and the
// common error taxonomy. No package in api/ may import implementation
// packages.
package api
