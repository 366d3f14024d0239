/**
 * Copyright (c) 2022, Xerra Earth Observation Institute
 * See LICENSE.TXT in the root directory of this source tree.
 */

package shmem

import (
	"fmt"
	"unsafe"

	"github.com/sebastianrauch/flexos-rpcgo/buildcfg"
)

// SharedRegion is the only memory every compartment can touch. It hosts
// the CTRL chunks and the per-compartment message queues as a single
// backing allocation addressed by offset, the Go analogue of mapping a
// struct at RPC_PAGES_ADDR (design note, spec §9): a real deployment
// would back this with a page shared across compartment address spaces;
// here every compartment goroutine shares the one Go allocation, and the
// accessor methods below are the narrow "shared_region()" seam a
// platform-specific build would replace.
//
// The init barrier is deliberately *not* folded into the same byte
// backing: its Counters slice has no fixed-width wire shape (it is
// sized by N, not by a record stride), so it is kept as an ordinary
// Go struct accessed with sync/atomic instead of being overlaid via
// unsafe.Pointer like the fixed-stride CTRL/MSGQ records are.
type SharedRegion struct {
	cfg   buildcfg.Config
	codec MessageCodec

	backing []byte
	closer  func() error

	ctrlOff    uintptr
	ctrlStride uintptr

	msgqOff    uintptr
	msgqStride uintptr

	barrier *RawInitBarrier
}

// NewSharedRegion allocates and zeroes a region sized for cfg.
func NewSharedRegion(cfg buildcfg.Config) (*SharedRegion, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	codec, err := NewMessageCodec(cfg.CompartmentCount, cfg.ThreadSlots)
	if err != nil {
		return nil, err
	}

	var ctrlZero RawCTRL
	var msgqZero RawMsgQueue
	ctrlStride := unsafe.Sizeof(ctrlZero)
	msgqStride := unsafe.Sizeof(msgqZero)

	msgqOff := uintptr(0)
	msgqSize := msgqStride * uintptr(cfg.CompartmentCount)

	ctrlOff := msgqOff + msgqSize
	ctrlCount := cfg.PairChunkCount() * cfg.ThreadSlots
	ctrlSize := ctrlStride * uintptr(ctrlCount)

	total := int(ctrlOff + ctrlSize)
	backing, closer, err := newBacking(total)
	if err != nil {
		return nil, err
	}

	r := &SharedRegion{
		cfg:        cfg,
		codec:      codec,
		backing:    backing,
		closer:     closer,
		ctrlOff:    ctrlOff,
		ctrlStride: ctrlStride,
		msgqOff:    msgqOff,
		msgqStride: msgqStride,
		barrier: &RawInitBarrier{
			Counters: make([]uint32, cfg.CompartmentCount),
		},
	}
	return r, nil
}

// Close releases the backing allocation (unmaps it on Linux).
func (r *SharedRegion) Close() error {
	return r.closer()
}

// Config returns the build-time configuration this region was sized for.
func (r *SharedRegion) Config() buildcfg.Config {
	return r.cfg
}

// Codec returns the message bit-packing codec derived for this region's
// N and T.
func (r *SharedRegion) Codec() MessageCodec {
	return r.codec
}

// Barrier returns the init barrier.
func (r *SharedRegion) Barrier() *RawInitBarrier {
	return r.barrier
}

// MsgQueue returns the receive queue of compartment compID.
func (r *SharedRegion) MsgQueue(compID uint8) *RawMsgQueue {
	off := r.msgqOff + uintptr(compID)*r.msgqStride
	return (*RawMsgQueue)(unsafe.Pointer(&r.backing[off]))
}

// PairChunkIndex returns the triangular-number chunk index for the
// unordered compartment pair {a, b}, a != b (spec §4.4): chunk index
// = a*N - a*(a+3)/2 - 1 + b for a < b.
func PairChunkIndex(compCount int, a, b uint8) (int, error) {
	if a == b {
		return 0, fmt.Errorf("shmem: pair chunk index undefined for a == b (%d)", a)
	}
	i, j := a, b
	if i > j {
		i, j = j, i
	}
	n := compCount
	return int(i)*n - (int(i)*(int(i)+3))/2 - 1 + int(j), nil
}

// CTRL returns the control block for the given pair chunk and RPC index
// (0 <= tIndex < ThreadSlots).
func (r *SharedRegion) CTRL(pairChunk, tIndex int) *RawCTRL {
	idx := pairChunk*r.cfg.ThreadSlots + tIndex
	off := r.ctrlOff + uintptr(idx)*r.ctrlStride
	return (*RawCTRL)(unsafe.Pointer(&r.backing[off]))
}

// CTRLFor returns the control block used by RPC index rpcIndex for a
// call between the two named compartments.
func (r *SharedRegion) CTRLFor(compA, compB uint8, rpcIndex int) (*RawCTRL, error) {
	chunk, err := PairChunkIndex(r.cfg.CompartmentCount, compA, compB)
	if err != nil {
		return nil, err
	}
	tIndex := rpcIndex % r.cfg.ThreadSlots
	return r.CTRL(chunk, tIndex), nil
}
