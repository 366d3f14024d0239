/**
 * Copyright (c) 2022, Xerra Earth Observation Institute
 * See LICENSE.TXT in the root directory of this source tree.
 */

package compartment

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sebastianrauch/flexos-rpcgo/buildcfg"
	"github.com/sebastianrauch/flexos-rpcgo/shmem"
)

func newTestRegion(t *testing.T, compCount, threadSlots int) (buildcfg.Config, *shmem.SharedRegion) {
	t.Helper()
	cfg := buildcfg.Default()
	cfg.CompartmentCount = compCount
	cfg.ThreadSlots = threadSlots
	region, err := shmem.NewSharedRegion(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = region.Close() })
	return cfg, region
}

// TestZeroArgCallReturnsFixedValue exercises end-to-end scenario S1: a
// zero-argument call from compartment 0 into compartment 1 returning a
// fixed constant.
func TestZeroArgCallReturnsFixedValue(t *testing.T) {
	cfg, region := newTestRegion(t, 2, 4)

	callee, err := New(cfg, region, 1, nil, nil)
	require.NoError(t, err)
	require.NoError(t, callee.RegisterFunc(1, func(args []uint64) uint64 { return 0xDEADBEEF }))
	callee.Start(2)

	caller, err := New(cfg, region, 0, nil, nil)
	require.NoError(t, err)
	caller.Start(0)

	done := make(chan uint64, 1)
	errCh := make(chan error, 1)
	go func() {
		ret, err := caller.Server.SendCall(1, 0, 1, nil, true)
		if err != nil {
			errCh <- err
			return
		}
		done <- ret
	}()

	select {
	case ret := <-done:
		require.Equal(t, uint64(0xDEADBEEF), ret)
	case err := <-errCh:
		t.Fatalf("call failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("call did not complete")
	}
}

// TestSixArgSumCall exercises end-to-end scenario S2: a six-argument
// call whose result is the sum of its arguments.
func TestSixArgSumCall(t *testing.T) {
	cfg, region := newTestRegion(t, 2, 4)

	callee, err := New(cfg, region, 1, nil, nil)
	require.NoError(t, err)
	require.NoError(t, callee.RegisterFunc(1, func(args []uint64) uint64 {
		var sum uint64
		for _, a := range args {
			sum += a
		}
		return sum
	}))
	callee.Start(2)

	caller, err := New(cfg, region, 0, nil, nil)
	require.NoError(t, err)
	caller.Start(0)

	done := make(chan uint64, 1)
	go func() {
		ret, err := caller.Server.SendCall(1, 1, 1, []uint64{1, 2, 3, 4, 5, 6}, true)
		require.NoError(t, err)
		done <- ret
	}()

	select {
	case ret := <-done:
		require.Equal(t, uint64(21), ret)
	case <-time.After(2 * time.Second):
		t.Fatal("call did not complete")
	}
}

// TestNestedReentrantCall exercises end-to-end scenario S3: compartment
// 0 calls into compartment 1's funcA, which itself calls back into
// compartment 0's funcB on the same rpc_index before returning. This is
// the scenario that requires WaitReturned to match on call direction
// rather than raw state (spec §4.4/§4.7): both legs of the round trip
// share one CTRL slot, in opposite directions, at overlapping times.
func TestNestedReentrantCall(t *testing.T) {
	const rpcIndex = 0
	const funcA = uint64(1)
	const funcB = uint64(2)

	cfg, region := newTestRegion(t, 2, 4)

	compB, err := New(cfg, region, 1, nil, nil)
	require.NoError(t, err)
	compA, err := New(cfg, region, 0, nil, nil)
	require.NoError(t, err)

	require.NoError(t, compB.RegisterFunc(funcA, func(args []uint64) uint64 {
		ret, err := compB.Server.SendCall(0, rpcIndex, funcB, nil, true)
		require.NoError(t, err)
		return ret * 2
	}))
	require.NoError(t, compA.RegisterFunc(funcB, func(args []uint64) uint64 { return 7 }))

	compB.Start(2)
	compA.Start(2)

	done := make(chan uint64, 1)
	go func() {
		ret, err := compA.Server.SendCall(1, rpcIndex, funcA, nil, true)
		require.NoError(t, err)
		done <- ret
	}()

	select {
	case ret := <-done:
		require.Equal(t, uint64(14), ret)
	case <-time.After(2 * time.Second):
		t.Fatal("nested call did not complete")
	}
}

// TestWorkerPoolGrowsUnderConcurrentLoad exercises scenario S5: starting
// with a single idle worker, four concurrent calls against distinct
// rpc_index slots must each get served (by growing the idle pool) rather
// than piling up behind the one pre-started worker, and thread_cnt must
// grow monotonically without exceeding MaxIdleThreads.
func TestWorkerPoolGrowsUnderConcurrentLoad(t *testing.T) {
	cfg, region := newTestRegion(t, 2, 4)

	callee, err := New(cfg, region, 1, nil, nil)
	require.NoError(t, err)
	require.NoError(t, callee.RegisterFunc(1, func(args []uint64) uint64 { return args[0] * 2 }))
	callee.Start(1)

	caller, err := New(cfg, region, 0, nil, nil)
	require.NoError(t, err)
	caller.Start(0)

	const n = 4
	done := make(chan uint64, n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			ret, err := caller.Server.SendCall(1, i, 1, []uint64{uint64(i)}, true)
			require.NoError(t, err)
			done <- ret
		}()
	}

	seen := make(map[uint64]bool)
	for i := 0; i < n; i++ {
		select {
		case ret := <-done:
			seen[ret] = true
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d/%d concurrent calls completed", i, n)
		}
	}
	for i := 0; i < n; i++ {
		require.True(t, seen[uint64(i)*2], "missing result for call %d", i)
	}

	require.GreaterOrEqual(t, callee.Server.Threads.ThreadCount(), n)
	require.LessOrEqual(t, callee.Server.Threads.ThreadCount(), cfg.MaxIdleThreads)
}
