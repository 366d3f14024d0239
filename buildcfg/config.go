/**
 * Copyright (c) 2022, Xerra Earth Observation Institute
 * See LICENSE.TXT in the root directory of this source tree.
 */

// Package buildcfg holds the build-time configuration of the RPC core.
//
// Everything here is meant to be decided once, at process construction
// time, and never change afterwards -- there is no runtime reconfiguration
// path, mirroring the C core's reliance on compile-time macros
// (FLEXOS_VMEPT_COMP_COUNT, FLEXOS_VMEPT_MAX_THREADS, ...).
package buildcfg

import "fmt"

// CallProtection selects how a CTRL's func field is resolved to an
// executable target.
type CallProtection int

const (
	// CallProtectionNone carries a raw callee-side function pointer.
	// Insecure; exists only for measurement baselines.
	CallProtectionNone CallProtection = iota
	// CallProtectionID carries a small integer validated against a
	// build-time-generated, callee-local table.
	CallProtectionID
	// CallProtectionPtrCheck is reserved and unimplemented.
	CallProtectionPtrCheck
)

func (c CallProtection) String() string {
	switch c {
	case CallProtectionNone:
		return "none"
	case CallProtectionID:
		return "id"
	case CallProtectionPtrCheck:
		return "ptr_check"
	default:
		return fmt.Sprintf("CallProtection(%d)", int(c))
	}
}

// Config is the set of compile-time decisions a deployment of this core
// must fix before any compartment starts. A zero Config is invalid; use
// Default and override fields, then call Validate.
type Config struct {
	// CompartmentCount is N, the number of compartments in the process.
	CompartmentCount int
	// ThreadSlots is T, the number of per-compartment thread slots
	// reserved for RPC indices.
	ThreadSlots int
	// MaxIdleThreads bounds the idle RPC worker pool per compartment.
	MaxIdleThreads int
	// InitialPoolSize is how many idle RPC workers a compartment starts
	// with.
	InitialPoolSize int
	// CallProtection selects the dispatch-protection mode (see
	// funcid.Table).
	CallProtection CallProtection
	// FuncTableSize is the number of slots in the function-id table,
	// index 0 reserved for "invalid". Only meaningful in ID mode.
	FuncTableSize int
}

// Default returns a small but workable configuration, suitable for tests
// and the demo binary: 4 compartments, 8 thread slots each.
func Default() Config {
	return Config{
		CompartmentCount: 4,
		ThreadSlots:      8,
		MaxIdleThreads:   16,
		InitialPoolSize:  1,
		CallProtection:   CallProtectionID,
		FuncTableSize:    16,
	}
}

// Validate checks that a Config can be realized by the wire layout in
// spec §6: the message encoding packs rpc_index and the other
// compartment id into 16 bits. shmem.MessageCodec derives the exact
// split from N and T; Validate bounds CompartmentCount*ThreadSlots to
// 12 bits and CompartmentCount to 4 bits, so every accepted Config
// yields a split that fits.
//
// This plays the role pkg/linux/init.go's kernel-version gate used to
// play for go-tcpinfo: a panic-worthy startup precondition, not a
// recoverable error, because every other component assumes a validated
// Config exists before it is constructed.
func (c Config) Validate() error {
	if c.CompartmentCount <= 0 || c.CompartmentCount > 16 {
		return fmt.Errorf("buildcfg: CompartmentCount must be in [1,16], got %d", c.CompartmentCount)
	}
	if c.ThreadSlots <= 0 {
		return fmt.Errorf("buildcfg: ThreadSlots must be positive, got %d", c.ThreadSlots)
	}
	if c.CompartmentCount*c.ThreadSlots > 1<<12 {
		return fmt.Errorf("buildcfg: N*T = %d does not fit the 12-bit rpc_index wire field",
			c.CompartmentCount*c.ThreadSlots)
	}
	if c.MaxIdleThreads <= 0 {
		return fmt.Errorf("buildcfg: MaxIdleThreads must be positive, got %d", c.MaxIdleThreads)
	}
	if c.InitialPoolSize < 0 || c.InitialPoolSize > c.MaxIdleThreads {
		return fmt.Errorf("buildcfg: InitialPoolSize %d out of range [0,%d]", c.InitialPoolSize, c.MaxIdleThreads)
	}
	if c.CallProtection == CallProtectionID && c.FuncTableSize <= 0 {
		return fmt.Errorf("buildcfg: FuncTableSize must be positive in ID mode, got %d", c.FuncTableSize)
	}
	if c.CallProtection == CallProtectionPtrCheck {
		return fmt.Errorf("buildcfg: call protection %s is reserved and unimplemented", c.CallProtection)
	}
	return nil
}

// MustValidate panics on an invalid Config, the same "refuse to start
// rather than run with a bad assumption" posture as the original core's
// UK_CRASH on a protocol violation.
func (c Config) MustValidate() {
	if err := c.Validate(); err != nil {
		panic(err)
	}
}

// PairChunkCount returns N*(N-1)/2, the number of distinct compartment
// pairs, and hence the number of CTRL chunks.
func (c Config) PairChunkCount() int {
	n := c.CompartmentCount
	return n * (n - 1) / 2
}
