//go:build !linux

/**
 * Copyright (c) 2022, Xerra Earth Observation Institute
 * See LICENSE.TXT in the root directory of this source tree.
 */

package shmem

import "fmt"

// newBacking falls back to a plain zeroed Go allocation on platforms
// without the Linux mmap path, the same "unsupported, but not fatal to
// the build" posture as go-tcpinfo's tcpinfo_other.go.
func newBacking(size int) ([]byte, func() error, error) {
	if size <= 0 {
		return nil, nil, fmt.Errorf("shmem: invalid backing size %d", size)
	}
	b := make([]byte, size)
	return b, func() error { return nil }, nil
}
