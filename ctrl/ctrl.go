/**
 * Copyright (c) 2022, Xerra Earth Observation Institute
 * See LICENSE.TXT in the root directory of this source tree.
 */

// Package ctrl implements the CTRL state machine that carries one RPC
// call's arguments and return value across the compartment boundary
// (spec §4.4), grounded on the original core's vmept.c.
package ctrl

import (
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/sebastianrauch/flexos-rpcgo/shmem"
)

// Yielder is called between spin attempts while waiting on a state
// transition; nil falls back to runtime.Gosched.
type Yielder func()

// Handle is a thin, stateless accessor over a shmem.RawCTRL. Every
// transition goes through atomic loads/stores on the packed
// ExtendedState word so that caller and callee, each driving their own
// goroutine, observe state changes as soon as they are published.
type Handle struct {
	raw *shmem.RawCTRL
}

// New wraps raw as a Handle. raw is typically obtained from
// shmem.SharedRegion.CTRLFor.
func New(raw *shmem.RawCTRL) *Handle {
	return &Handle{raw: raw}
}

// State returns the current CTRL state (StateIdle/StateCalled/StateReturned).
func (h *Handle) State() int {
	return shmem.ExtractState(atomic.LoadUint64(&h.raw.ExtendedState))
}

// Call is issued by the caller side: it fills in the function id,
// arguments and argument count, then publishes StateCalled with the
// caller/callee compartment keys packed into extended_state (spec §6).
// It does not block; the caller must wait for State() to become
// StateReturned separately (WaitReturned).
func (h *Handle) Call(funcID uint64, args []uint64, hasReturn bool, keyFrom, keyTo uint8) error {
	if len(args) > shmem.MaxParams {
		return fmt.Errorf("ctrl: %d arguments exceeds MaxParams=%d", len(args), shmem.MaxParams)
	}
	if h.State() != shmem.StateIdle {
		return fmt.Errorf("ctrl: Call on non-idle CTRL (state=%d)", h.State())
	}

	h.raw.Func = funcID
	var packed [shmem.MaxParams]uint64
	copy(packed[:], args)
	h.raw.Parameters = packed
	h.raw.FInfo = shmem.PackFInfo(uint8(len(args)), hasReturn)

	atomic.StoreUint64(&h.raw.ExtendedState, shmem.PackExtendedState(shmem.StateCalled, keyFrom, keyTo))
	return nil
}

// WaitReturned busy-waits until the CTRL reaches StateReturned *for the
// call this caller itself issued* (keyFrom == expectFrom, keyTo ==
// expectTo), then returns the result and resets the CTRL to StateIdle
// so it can be reused by a later call (spec §4.4: CTRL slots are reused
// once a call completes).
//
// The key check matters only because of nested re-entry: a nested
// inbound call reuses the same CTRL slot with the keys swapped (spec
// §4.4/§4.7), so while this caller is waiting, the CTRL can pass
// through StateReturned for that *other* direction's call first. A
// plain "state == Returned" check would let this caller steal that
// reply; checking the keys makes WaitReturned ignore it and keep
// spinning until its own direction's Returned is published.
func (h *Handle) WaitReturned(expectFrom, expectTo uint8, yield Yielder) uint64 {
	for {
		es := atomic.LoadUint64(&h.raw.ExtendedState)
		if shmem.ExtractState(es) == shmem.StateReturned &&
			shmem.ExtractKeyFrom(es) == expectFrom &&
			shmem.ExtractKeyTo(es) == expectTo {
			break
		}
		doYield(yield)
	}
	ret := h.raw.Ret
	atomic.StoreUint64(&h.raw.ExtendedState, shmem.PackExtendedState(shmem.StateIdle, 0, 0))
	return ret
}

// WaitCalled busy-waits until the CTRL reaches StateCalled, then returns
// the function id, packed argument info and the caller/callee keys
// that were stamped into extended_state. It then resets the CTRL to
// StateIdle (the CALLED -> IDLE "resume after nested dispatch"
// transition of spec §4.4), freeing the slot so a nested inbound call
// in the opposite direction can reuse it while this call is still being
// evaluated; Return re-publishes the keys captured here.
func (h *Handle) WaitCalled(yield Yielder) (funcID uint64, argc uint8, hasReturn bool, keyFrom, keyTo uint8) {
	for h.State() != shmem.StateCalled {
		doYield(yield)
	}
	es := atomic.LoadUint64(&h.raw.ExtendedState)
	argc = shmem.ExtractArgc(h.raw.FInfo)
	hasReturn = shmem.ExtractHasReturn(h.raw.FInfo)
	funcID = h.raw.Func
	keyFrom = shmem.ExtractKeyFrom(es)
	keyTo = shmem.ExtractKeyTo(es)
	atomic.StoreUint64(&h.raw.ExtendedState, shmem.PackExtendedState(shmem.StateIdle, 0, 0))
	return funcID, argc, hasReturn, keyFrom, keyTo
}

// Args returns the first argc packed argument words. Call only after
// WaitCalled has observed StateCalled.
func (h *Handle) Args(argc uint8) []uint64 {
	out := make([]uint64, argc)
	copy(out, h.raw.Parameters[:argc])
	return out
}

// Return is issued by the callee side: it publishes the return value
// and transitions the CTRL to StateReturned, stamped with the same
// keyFrom/keyTo the matching Call used (captured from WaitCalled, since
// WaitCalled already reset the CTRL to StateIdle in the meantime).
func (h *Handle) Return(ret uint64, keyFrom, keyTo uint8) {
	h.raw.Ret = ret
	atomic.StoreUint64(&h.raw.ExtendedState, shmem.PackExtendedState(shmem.StateReturned, keyFrom, keyTo))
}

func doYield(y Yielder) {
	if y != nil {
		y()
		return
	}
	runtime.Gosched()
}
