/**
 * Copyright (c) 2022, Xerra Earth Observation Institute
 * See LICENSE.TXT in the root directory of this source tree.
 */

package buildcfg

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestValidateRejectsOutOfRangeCompartmentCount(t *testing.T) {
	cfg := Default()
	cfg.CompartmentCount = 0
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.CompartmentCount = 17
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsWireFieldOverflow(t *testing.T) {
	cfg := Default()
	cfg.CompartmentCount = 16
	cfg.ThreadSlots = 1 << 10
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsBadInitialPoolSize(t *testing.T) {
	cfg := Default()
	cfg.InitialPoolSize = cfg.MaxIdleThreads + 1
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsIDModeWithoutFuncTable(t *testing.T) {
	cfg := Default()
	cfg.FuncTableSize = 0
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsPtrCheckMode(t *testing.T) {
	cfg := Default()
	cfg.CallProtection = CallProtectionPtrCheck
	require.Error(t, cfg.Validate())
}

func TestMustValidatePanicsOnInvalidConfig(t *testing.T) {
	cfg := Default()
	cfg.CompartmentCount = 0
	require.Panics(t, func() { cfg.MustValidate() })
}

func TestPairChunkCount(t *testing.T) {
	cfg := Default()
	cfg.CompartmentCount = 4
	require.Equal(t, 6, cfg.PairChunkCount())
}
