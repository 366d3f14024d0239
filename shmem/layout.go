/**
 * Copyright (c) 2022, Xerra Earth Observation Institute
 * See LICENSE.TXT in the root directory of this source tree.
 */

// Package shmem defines the wire layout of the region that is the only
// memory every compartment can touch: the init barrier, the per-compartment
// message queues, and the CTRL chunks. The struct field order here is the
// ABI (spec §6) -- it must be bit-exact across every compartment that maps
// this region, the same discipline go-tcpinfo's RawTCPInfo used to mirror
// the kernel's struct tcp_info byte-for-byte.
package shmem

import "fmt"

// RPC control-block state values (spec §4.4).
const (
	StateIdle     = 0
	StateCalled   = 1
	StateReturned = 2
)

// RawCTRL has identical field order to the C core's
// struct flexos_vmept_rpc_ctrl: one per (caller-thread x callee-compartment)
// pair, 80 bytes, all machine words.
type RawCTRL struct {
	Func          uint64    // function id, or raw pointer in CallProtectionNone mode
	ExtendedState uint64    // packed {state, key_from, key_to}, see PackExtendedState
	Parameters    [6]uint64 // up to six machine-word arguments
	Ret           uint64    // return value
	FInfo         uint64    // packed {argc, has_return}, see PackFInfo
}

// PackExtendedState packs state/key_from/key_to exactly as
// extended_state = (key_from << 16) | (key_to << 8) | state (spec §6).
func PackExtendedState(state int, keyFrom, keyTo uint8) uint64 {
	return uint64(keyFrom)<<16 | uint64(keyTo)<<8 | uint64(state)
}

// ExtractState returns the state field of a packed extended_state word.
func ExtractState(extendedState uint64) int {
	return int(extendedState & 0xff)
}

// ExtractKeyTo returns the key_to field of a packed extended_state word.
func ExtractKeyTo(extendedState uint64) uint8 {
	return uint8((extendedState >> 8) & 0xff)
}

// ExtractKeyFrom returns the key_from field of a packed extended_state word.
func ExtractKeyFrom(extendedState uint64) uint8 {
	return uint8((extendedState >> 16) & 0xff)
}

// PackFInfo packs argc/has_return as f_info = (has_return << 8) | argc.
func PackFInfo(argc uint8, hasReturn bool) uint64 {
	v := uint64(argc)
	if hasReturn {
		v |= 1 << 8
	}
	return v
}

// ExtractArgc returns the argument count packed into f_info.
func ExtractArgc(fInfo uint64) uint8 {
	return uint8(fInfo & 0xff)
}

// ExtractHasReturn returns the has_return flag packed into f_info.
func ExtractHasReturn(fInfo uint64) bool {
	return fInfo&(1<<8) != 0
}

// MaxParams is the number of machine-word argument slots a CTRL carries.
const MaxParams = 6

// MessageCodec derives the bit layout of a wire message from the
// configured compartment count and per-compartment thread slots, per the
// open question in spec §9: "the exact bit widths depend on N and T; an
// implementation must re-derive the packing from configured N, T and
// assert it fits 16 bits."
type MessageCodec struct {
	rpcIndexBits uint
	otherCompBits uint
}

// NewMessageCodec builds a MessageCodec for N compartments and T
// per-compartment thread slots, asserting the packed message still fits
// in 16 bits.
func NewMessageCodec(compartmentCount, threadSlots int) (MessageCodec, error) {
	rpcIndexBits := bitsFor(uint(compartmentCount * threadSlots))
	otherCompBits := bitsFor(uint(compartmentCount))
	if rpcIndexBits+otherCompBits > 16 {
		return MessageCodec{}, fmt.Errorf(
			"shmem: N=%d, T=%d needs %d+%d=%d bits, message field only has 16",
			compartmentCount, threadSlots, rpcIndexBits, otherCompBits, rpcIndexBits+otherCompBits)
	}
	return MessageCodec{rpcIndexBits: rpcIndexBits, otherCompBits: otherCompBits}, nil
}

func bitsFor(n uint) uint {
	bits := uint(0)
	for (uint(1) << bits) < n {
		bits++
	}
	if bits == 0 {
		bits = 1
	}
	return bits
}

// Pack encodes rpc_index_field = (other_comp << rpcIndexBits) | rpc_index.
func (c MessageCodec) Pack(rpcIndex int, otherComp uint8) uint16 {
	return uint16(uint(otherComp)<<c.rpcIndexBits | uint(rpcIndex))
}

// Extract decodes a packed message field back into (rpcIndex, otherComp).
func (c MessageCodec) Extract(field uint16) (rpcIndex int, otherComp uint8) {
	mask := uint16(1)<<c.rpcIndexBits - 1
	return int(field & mask), uint8(field >> c.rpcIndexBits)
}

// RawMessage is one MSGQ payload slot. The rpc_index field is widened to
// a full word here (rather than padded uint16) so the queue's producer and
// consumer can exchange it with plain word-sized atomics; see RawMsgQueue.
type RawMessage struct {
	Field uint32
}

// MsgQueueCapacity is C, the number of usable payload slots (spec §3).
const MsgQueueCapacity = 7

// msgQueueMod is C+1, the ring modulus (one sentinel slot keeps full
// distinguishable from empty without a separate counter).
const msgQueueMod = MsgQueueCapacity + 1

// RawMsgQueue is the bounded single-consumer ring used as the doorbell
// between compartments (spec §3, §4.3). A producer writes Messages[Head]
// and advances Head; the single consumer reads Messages[Tail] and
// advances Tail -- Head is the producer-owned cursor, Tail the
// consumer-owned one, matching the original core's msgqueue_impl.h.
// Head/tail are plain uint32 (not uint8) so they can be used with
// sync/atomic directly; write_lock is likewise widened from the C
// core's byte-sized test-and-set lock to a uint32 CAS flag --
// sync/atomic has no byte-granularity primitive, and the queue is
// already not claiming wire-identical layout to a second Go process
// (see DESIGN.md).
type RawMsgQueue struct {
	Head      uint32
	Tail      uint32
	WriteLock uint32
	Messages  [msgQueueMod]RawMessage
}

// RawInitBarrier is the staged cross-compartment startup barrier (spec
// §4.8). Counters has one slot per compartment.
type RawInitBarrier struct {
	Initialized uint32
	Counters    []uint32
}
