/**
 * Copyright (c) 2022, Xerra Earth Observation Institute
 * See LICENSE.TXT in the root directory of this source tree.
 */

package shmem

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPackExtractExtendedState(t *testing.T) {
	es := PackExtendedState(StateCalled, 3, 7)
	require.Equal(t, StateCalled, ExtractState(es))
	require.Equal(t, uint8(3), ExtractKeyFrom(es))
	require.Equal(t, uint8(7), ExtractKeyTo(es))
}

func TestPackExtractFInfo(t *testing.T) {
	fi := PackFInfo(4, true)
	require.Equal(t, uint8(4), ExtractArgc(fi))
	require.True(t, ExtractHasReturn(fi))

	fi2 := PackFInfo(0, false)
	require.Equal(t, uint8(0), ExtractArgc(fi2))
	require.False(t, ExtractHasReturn(fi2))
}

func TestMessageCodecRoundTrip(t *testing.T) {
	codec, err := NewMessageCodec(4, 8)
	require.NoError(t, err)

	field := codec.Pack(17, 2)
	rpcIndex, otherComp := codec.Extract(field)
	require.Equal(t, 17, rpcIndex)
	require.Equal(t, uint8(2), otherComp)
}

func TestMessageCodecRejectsOverflow(t *testing.T) {
	_, err := NewMessageCodec(1<<10, 1<<10)
	require.Error(t, err)
}
