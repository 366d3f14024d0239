/**
 * Copyright (c) 2022, Xerra Earth Observation Institute
 * See LICENSE.TXT in the root directory of this source tree.
 */

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func TestCollectorExportsObservations(t *testing.T) {
	c := New()
	c.ObserveCall(1, 7)
	c.ObserveCall(1, 7)
	c.ObserveNestedDepth(1, 3, 2)
	c.ObserveQueueDepth(1, 4)
	c.ObserveThreadPool(1, 2, 3)

	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(c))

	families, err := reg.Gather()
	require.NoError(t, err)

	byName := map[string]*dto.MetricFamily{}
	for _, f := range families {
		byName[f.GetName()] = f
	}

	require.Contains(t, byName, "flexos_rpc_calls_total")
	require.Equal(t, float64(2), byName["flexos_rpc_calls_total"].Metric[0].GetCounter().GetValue())

	require.Contains(t, byName, "flexos_rpc_nested_depth")
	require.Contains(t, byName, "flexos_rpc_msgqueue_depth")
	require.Contains(t, byName, "flexos_rpc_idle_threads")
	require.Contains(t, byName, "flexos_rpc_active_threads")
}
