//go:build linux

/**
 * Copyright (c) 2022, Xerra Earth Observation Institute
 * See LICENSE.TXT in the root directory of this source tree.
 */

package shmem

import (
	"fmt"

	"github.com/docker/docker/pkg/parsers/kernel"
	"golang.org/x/sys/unix"
)

// minKernel, minKernelMajor and minKernelMinor gate the mmap-backed
// region on the oldest Linux kernel this package has been exercised
// against; older kernels are not known to honor MAP_ANON|MAP_PRIVATE
// the way the rest of this package assumes.
const minKernel = 3
const minKernelMajor = 0
const minKernelMinor = 0

var linuxKernelVersion *kernel.VersionInfo

func init() {
	var err error
	if linuxKernelVersion, err = kernel.GetKernelVersion(); err != nil {
		panic(fmt.Errorf("shmem: getting kernel version: %w", err))
	}
	if kernel.CompareKernelVersion(*linuxKernelVersion, kernel.VersionInfo{Kernel: minKernel, Major: minKernelMajor, Minor: minKernelMinor}) < 0 {
		panic(fmt.Sprintf("shmem: Linux kernel too old for mmap-backed shared region (want >= %d.%d.%d, got %d.%d.%d)",
			minKernel, minKernelMajor, minKernelMinor, linuxKernelVersion.Kernel, linuxKernelVersion.Major, linuxKernelVersion.Minor))
	}
}

// newBacking returns size bytes of anonymous, zeroed memory backing the
// shared region. On Linux we use an anonymous mmap rather than a plain
// Go slice: it is the closest portable analogue of the EPT-backed page
// the real core maps at a fixed virtual address (design note, spec §9),
// and it guarantees the backing store is never moved by the Go garbage
// collector mid-flight the way a slice under a growing map could be.
func newBacking(size int) ([]byte, func() error, error) {
	if size <= 0 {
		return nil, nil, fmt.Errorf("shmem: invalid backing size %d", size)
	}
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, nil, fmt.Errorf("shmem: mmap %d bytes: %w", size, err)
	}
	closer := func() error {
		return unix.Munmap(b)
	}
	return b, closer, nil
}
