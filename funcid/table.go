/**
 * Copyright (c) 2022, Xerra Earth Observation Institute
 * See LICENSE.TXT in the root directory of this source tree.
 */

// Package funcid implements the callee-local function-id indirection
// table that stands in for the raw asm register-dispatch trampoline of
// the original core (spec §4.2, design note in spec §9: "a raw function
// pointer carried across the compartment boundary is a baseline/insecure
// mode only"). A Func here is an ordinary Go closure; Table is the
// validated, build-time-populated mapping from small integer ids to
// those closures.
package funcid

import (
	"fmt"

	"github.com/sebastianrauch/flexos-rpcgo/buildcfg"
)

// Func is the callee-side target of an RPC: it receives up to
// shmem.MaxParams packed arguments and returns a single machine word.
// Whether the return value is meaningful for a given call is carried
// out-of-band in the CTRL's f_info field, not in this signature.
type Func func(args []uint64) uint64

// Table is the per-compartment table translating function ids to Funcs.
// Id 0 is reserved and always invalid, mirroring the original core's
// convention that a zeroed CTRL (func == 0) can never be mistaken for a
// live call.
type Table struct {
	mode    buildcfg.CallProtection
	entries map[uint64]Func
	size    int
}

// New builds an empty Table sized and gated by cfg. Only
// buildcfg.CallProtectionID yields a Table. For
// buildcfg.CallProtectionNone New returns an error: that mode expresses
// the original core's insecure raw-function-pointer baseline, which has
// no idiomatic Go representation (there is no safe way to turn an
// attacker-controlled integer into a callable closure). Any other mode
// is reserved and also rejected.
func New(cfg buildcfg.Config) (*Table, error) {
	switch cfg.CallProtection {
	case buildcfg.CallProtectionID:
		return &Table{mode: cfg.CallProtection, entries: make(map[uint64]Func), size: cfg.FuncTableSize}, nil
	case buildcfg.CallProtectionNone:
		return nil, fmt.Errorf("funcid: CallProtectionNone has no safe Go representation; use CallProtectionID")
	default:
		return nil, fmt.Errorf("funcid: call protection %s is reserved and unimplemented", cfg.CallProtection)
	}
}

// Register binds id to fn. id must be nonzero and within the
// configured table size, and must not already be bound.
func (t *Table) Register(id uint64, fn Func) error {
	if id == 0 {
		return fmt.Errorf("funcid: id 0 is reserved")
	}
	if id >= uint64(t.size) {
		return fmt.Errorf("funcid: id %d out of range [1,%d)", id, t.size)
	}
	if _, exists := t.entries[id]; exists {
		return fmt.Errorf("funcid: id %d already registered", id)
	}
	t.entries[id] = fn
	return nil
}

// Lookup resolves id to its registered Func, the Go equivalent of the
// original core's translate_func / flexos_vmept_eval_func validation
// step: an unrecognized id is always an error, never a best-effort call
// through an attacker-influenced address.
func (t *Table) Lookup(id uint64) (Func, error) {
	if id == 0 {
		return nil, fmt.Errorf("funcid: id 0 is reserved and invalid")
	}
	fn, ok := t.entries[id]
	if !ok {
		return nil, fmt.Errorf("funcid: id %d is not registered", id)
	}
	return fn, nil
}
