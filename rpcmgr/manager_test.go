/**
 * Copyright (c) 2022, Xerra Earth Observation Institute
 * See LICENSE.TXT in the root directory of this source tree.
 */

package rpcmgr

import (
	"testing"

	"github.com/sebastianrauch/flexos-rpcgo/sched"
	"github.com/stretchr/testify/require"
)

func TestAssignAndUnassign(t *testing.T) {
	m := New(2)
	s := sched.New()
	th := s.CreateThread(func(*sched.Thread) {}, true)

	require.NoError(t, m.AddIdleThread(th))
	require.Equal(t, 1, m.IdleCount())

	got, ok := m.AssignThread(5)
	require.True(t, ok)
	require.Equal(t, th, got)
	require.Equal(t, 0, m.IdleCount())
	require.Equal(t, 1, m.ActiveCount())

	active, ok := m.ActiveThread(5)
	require.True(t, ok)
	require.Equal(t, th, active)

	m.UnassignThread(5)
	require.Equal(t, 0, m.ActiveCount())
}

func TestAssignThreadFailsWhenPoolEmpty(t *testing.T) {
	m := New(2)
	_, ok := m.AssignThread(1)
	require.False(t, ok)
}

func TestAddIdleThreadRejectsOverCapacity(t *testing.T) {
	m := New(1)
	s := sched.New()
	t1 := s.CreateThread(func(*sched.Thread) {}, true)
	t2 := s.CreateThread(func(*sched.Thread) {}, true)

	require.NoError(t, m.AddIdleThread(t1))
	require.Error(t, m.AddIdleThread(t2))
}

func TestNestedDepth(t *testing.T) {
	m := New(2)
	require.Equal(t, 1, m.EnterNested(3))
	require.Equal(t, 2, m.EnterNested(3))
	require.Equal(t, 2, m.NestedDepth(3))
	require.Equal(t, 1, m.ExitNested(3))
	require.Equal(t, 0, m.ExitNested(3))
	require.Equal(t, 0, m.NestedDepth(3))
}
