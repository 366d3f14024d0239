/**
 * Copyright (c) 2022, Xerra Earth Observation Institute
 * See LICENSE.TXT in the root directory of this source tree.
 */

package sched

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTwoThreadsRoundRobin(t *testing.T) {
	s := New()
	var order []int

	done := make(chan struct{})
	s.CreateThread(func(th *Thread) {
		order = append(order, 1)
		th.Yield()
		order = append(order, 3)
	}, false)
	s.CreateThread(func(th *Thread) {
		order = append(order, 2)
		th.Yield()
		order = append(order, 4)
		close(done)
	}, false)

	s.Run()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not complete")
	}
	require.Equal(t, []int{1, 2, 3, 4}, order)
}

func TestRPCServerThreadPreferred(t *testing.T) {
	s := New()
	var order []int

	server := s.CreateThread(func(th *Thread) {
		order = append(order, 100)
		th.RPCYield()
		order = append(order, 101)
	}, true)
	s.SetServerThread(server)

	s.CreateThread(func(th *Thread) {
		order = append(order, 1)
		th.Yield()
		order = append(order, 2)
	}, false)

	require.Equal(t, RPCServerFirst, s.Status())
}

func TestBlockAndWake(t *testing.T) {
	s := New()
	var order []int
	blocked := make(chan *Thread, 1)
	finished := make(chan struct{})

	s.CreateThread(func(th *Thread) {
		order = append(order, 1)
		blocked <- th
		th.Block()
		order = append(order, 3)
		close(finished)
	}, false)

	s.CreateThread(func(th *Thread) {
		order = append(order, 2)
		waiter := <-blocked
		waiter.Wake()
	}, false)

	s.Run()

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("blocked thread never resumed")
	}
	require.Equal(t, []int{1, 2, 3}, order)
}
