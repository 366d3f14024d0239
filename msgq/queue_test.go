/**
 * Copyright (c) 2022, Xerra Earth Observation Institute
 * See LICENSE.TXT in the root directory of this source tree.
 */

package msgq

import (
	"testing"

	"github.com/sebastianrauch/flexos-rpcgo/shmem"
	"github.com/stretchr/testify/require"
)

func TestQueueTryPutTryGetRoundTrip(t *testing.T) {
	raw := &shmem.RawMsgQueue{}
	q := New(raw)
	q.Init()

	require.NoError(t, q.TryPut(42))
	require.NoError(t, q.TryPut(7))

	v, err := q.TryGet()
	require.NoError(t, err)
	require.Equal(t, uint32(42), v)

	v, err = q.TryGet()
	require.NoError(t, err)
	require.Equal(t, uint32(7), v)

	_, err = q.TryGet()
	require.ErrorIs(t, err, ErrEmpty)
}

func TestQueueFillsToCapacity(t *testing.T) {
	raw := &shmem.RawMsgQueue{}
	q := New(raw)
	q.Init()

	for i := 0; i < shmem.MsgQueueCapacity; i++ {
		require.NoError(t, q.TryPut(uint32(i)), "slot %d should fit", i)
	}
	require.ErrorIs(t, q.TryPut(99), ErrFull)

	for i := 0; i < shmem.MsgQueueCapacity; i++ {
		v, err := q.TryGet()
		require.NoError(t, err)
		require.Equal(t, uint32(i), v)
	}
	_, err := q.TryGet()
	require.ErrorIs(t, err, ErrEmpty)
}

func TestQueueDepth(t *testing.T) {
	raw := &shmem.RawMsgQueue{}
	q := New(raw)
	q.Init()

	require.Equal(t, 0, q.Depth())
	require.NoError(t, q.TryPut(1))
	require.NoError(t, q.TryPut(2))
	require.Equal(t, 2, q.Depth())

	_, err := q.TryGet()
	require.NoError(t, err)
	require.Equal(t, 1, q.Depth())
}

func TestQueueGetBlockingReturnsOnceAvailable(t *testing.T) {
	raw := &shmem.RawMsgQueue{}
	q := New(raw)
	q.Init()

	done := make(chan uint32, 1)
	go func() {
		done <- q.GetBlocking(nil)
	}()

	require.NoError(t, q.TryPut(123))
	require.Equal(t, uint32(123), <-done)
}
