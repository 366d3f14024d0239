/**
 * Copyright (c) 2022, Xerra Earth Observation Institute
 * See LICENSE.TXT in the root directory of this source tree.
 */

// Package rpcmgr implements the per-compartment RPC thread manager: the
// pool of idle worker threads the server loop hands an incoming call to,
// and the bookkeeping that tracks which thread is currently serving
// which rpc_index (spec §4.7), grounded on the original core's
// flexos_vmept_add_idle_rpc_thread / assign_rpc_thread /
// unassign_rpc_thread in vmept.c.
package rpcmgr

import (
	"fmt"
	"sync"

	"github.com/sebastianrauch/flexos-rpcgo/bitfield"
	"github.com/sebastianrauch/flexos-rpcgo/sched"
)

// maxIdleSlots bounds the idle pool at the width of a single
// bitfield.Field256, the same free-slot-selection primitive spec §4.1
// and §4.7 describe for picking an idle RPC thread.
const maxIdleSlots = 256

// Manager owns the idle worker pool and the active rpc_index -> thread
// assignment table for one compartment. The idle pool is a fixed-size
// slot array with a bitfield.Field256 marking which slots hold an idle thread,
// mirroring the original core's use of the bitfield primitive to pick
// an idle thread in O(1) rather than scanning a list.
type Manager struct {
	mu sync.Mutex

	maxIdle     int
	threadCount int                        // total worker threads ever created, the original core's thread_cnt
	known       map[*sched.Thread]struct{} // threads already counted against threadCount
	free        bitfield.Field256          // bit set means slots[i] is occupied by an idle thread
	slots       [maxIdleSlots]*sched.Thread

	active map[int]*sched.Thread // rpc_index -> assigned worker thread

	nestedDepth map[int]int // rpc_index -> current re-entrant call depth
}

// New returns an empty Manager bounded at maxIdle idle threads (spec
// §9's MaxIdleThreads, the Go analogue of FLEXOS_VMEPT_MAX_IDLE_THREADS).
// maxIdle must not exceed maxIdleSlots.
func New(maxIdle int) *Manager {
	if maxIdle > maxIdleSlots {
		maxIdle = maxIdleSlots
	}
	return &Manager{
		maxIdle:     maxIdle,
		known:       make(map[*sched.Thread]struct{}),
		active:      make(map[int]*sched.Thread),
		nestedDepth: make(map[int]int),
	}
}

// AddIdleThread puts t into the idle pool. The first time a given t is
// seen it is counted against the total-thread-count cap: the original
// core's add_idle_rpc_thread increments thread_cnt on every new thread
// it creates and refuses once thread_cnt == MAX_IDLE_THREADS, rather
// than bounding only the currently-idle count. A worker thread calls
// this every time it finishes a call and goes back to sleep, so t is
// usually already known and the cap check is skipped -- thread_cnt only
// ever grows, never shrinks, exactly as in the original.
func (m *Manager) AddIdleThread(t *sched.Thread) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, known := m.known[t]
	if !known && m.threadCount >= m.maxIdle {
		return fmt.Errorf("rpcmgr: thread pool at capacity (%d)", m.maxIdle)
	}
	slot := m.firstFreeSlotLocked()
	if slot < 0 {
		return fmt.Errorf("rpcmgr: idle pool at capacity (%d)", m.maxIdle)
	}
	m.slots[slot] = t
	m.free.SetBit(uint8(slot))
	if !known {
		m.known[t] = struct{}{}
		m.threadCount++
	}
	return nil
}

// ThreadCount reports the total number of worker threads ever created
// for this compartment (the original core's thread_cnt), for metrics
// export and the worker-pool-growth testable property (spec §8 S5).
func (m *Manager) ThreadCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.threadCount
}

// firstFreeSlotLocked returns the lowest unoccupied slot index within
// [0, maxIdle), or -1 if none remain.
func (m *Manager) firstFreeSlotLocked() int {
	for i := 0; i < m.maxIdle; i++ {
		if m.free.GetBit(uint8(i)) == 0 {
			return i
		}
	}
	return -1
}

func (m *Manager) idleCountLocked() int {
	n := 0
	for i := 0; i < m.maxIdle; i++ {
		if m.free.GetBit(uint8(i)) == 1 {
			n++
		}
	}
	return n
}

// AssignThread pops one thread from the idle pool and records it as
// serving rpcIndex. It reports ok=false if the pool is empty, in which
// case the caller should grow the pool with AddIdleThread and retry
// (spec §4.6 step 3, §7's idle-pool-empty recovery policy) before
// falling back to inline execution.
func (m *Manager) AssignThread(rpcIndex int) (t *sched.Thread, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	slot := m.free.FirstOne()
	if slot < 0 || slot >= m.maxIdle {
		return nil, false
	}
	t = m.slots[slot]
	m.slots[slot] = nil
	m.free.ClearBit(uint8(slot))
	m.active[rpcIndex] = t
	return t, true
}

// UnassignThread removes the active-thread record for rpcIndex. It does
// not by itself return the thread to the idle pool; the worker thread
// re-registers itself with AddIdleThread separately (a nested call finishing wants its thread
// left assigned to the same rpc_index, not recycled).
func (m *Manager) UnassignThread(rpcIndex int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, rpcIndex)
}

// ActiveThread returns the thread currently assigned to rpcIndex, if any.
func (m *Manager) ActiveThread(rpcIndex int) (*sched.Thread, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.active[rpcIndex]
	return t, ok
}

// IdleCount reports the number of threads presently idle, for metrics
// export.
func (m *Manager) IdleCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.idleCountLocked()
}

// ActiveCount reports the number of rpc_index slots currently assigned
// to a worker thread, for metrics export.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// EnterNested increments and returns the re-entrant call depth for
// rpcIndex: a worker thread that, while serving a call, itself issues a
// nested RPC back into a compartment already on its call chain
// increments this counter instead of being handed a second thread
// (spec §4.7, Testable Property on nested re-entrant calls).
func (m *Manager) EnterNested(rpcIndex int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nestedDepth[rpcIndex]++
	return m.nestedDepth[rpcIndex]
}

// ExitNested decrements the re-entrant call depth for rpcIndex.
func (m *Manager) ExitNested(rpcIndex int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nestedDepth[rpcIndex]--
	depth := m.nestedDepth[rpcIndex]
	if depth <= 0 {
		delete(m.nestedDepth, rpcIndex)
	}
	return depth
}

// NestedDepth reports the current re-entrant call depth for rpcIndex,
// for metrics export.
func (m *Manager) NestedDepth(rpcIndex int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nestedDepth[rpcIndex]
}
