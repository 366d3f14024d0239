/**
 * Copyright (c) 2022, Xerra Earth Observation Institute
 * See LICENSE.TXT in the root directory of this source tree.
 */

// Package metrics exposes the RPC core's runtime counters as Prometheus
// metrics, grounded on pkg/exporter's TCPInfoCollector pattern: a
// mutex-guarded map of observations behind a prometheus.Collector that
// renders them on Collect rather than pushing updates through the
// registry on every call.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector tracks per-compartment RPC activity and renders it as
// Prometheus metrics on demand.
type Collector struct {
	mu sync.Mutex

	callsTotal    map[callKey]uint64
	nestedDepth   map[depthKey]int
	queueDepth    map[uint8]int
	idleThreads   map[uint8]int
	activeThreads map[uint8]int

	callsDesc       *prometheus.Desc
	nestedDepthDesc *prometheus.Desc
	queueDepthDesc  *prometheus.Desc
	idleDesc        *prometheus.Desc
	activeDesc      *prometheus.Desc
}

type callKey struct {
	comp   uint8
	funcID uint64
}

type depthKey struct {
	comp     uint8
	rpcIndex int
}

// New returns an empty Collector ready to be registered with a
// prometheus.Registry.
func New() *Collector {
	return &Collector{
		callsTotal:    make(map[callKey]uint64),
		nestedDepth:   make(map[depthKey]int),
		queueDepth:    make(map[uint8]int),
		idleThreads:   make(map[uint8]int),
		activeThreads: make(map[uint8]int),

		callsDesc: prometheus.NewDesc(
			"flexos_rpc_calls_total", "Total RPC calls served, by compartment and function id.",
			[]string{"compartment", "func_id"}, nil),
		nestedDepthDesc: prometheus.NewDesc(
			"flexos_rpc_nested_depth", "Current re-entrant call depth, by compartment and rpc index.",
			[]string{"compartment", "rpc_index"}, nil),
		queueDepthDesc: prometheus.NewDesc(
			"flexos_rpc_msgqueue_depth", "Pending doorbell messages, by compartment.",
			[]string{"compartment"}, nil),
		idleDesc: prometheus.NewDesc(
			"flexos_rpc_idle_threads", "Idle RPC worker threads, by compartment.",
			[]string{"compartment"}, nil),
		activeDesc: prometheus.NewDesc(
			"flexos_rpc_active_threads", "Assigned RPC worker threads, by compartment.",
			[]string{"compartment"}, nil),
	}
}

// ObserveCall records one served call for comp/funcID.
func (c *Collector) ObserveCall(comp uint8, funcID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callsTotal[callKey{comp, funcID}]++
}

// ObserveNestedDepth records the current re-entrant call depth for
// comp/rpcIndex.
func (c *Collector) ObserveNestedDepth(comp uint8, rpcIndex int, depth int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nestedDepth[depthKey{comp, rpcIndex}] = depth
}

// ObserveQueueDepth records the current doorbell queue depth for comp.
func (c *Collector) ObserveQueueDepth(comp uint8, depth int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queueDepth[comp] = depth
}

// ObserveThreadPool records the idle and active worker thread counts
// for comp.
func (c *Collector) ObserveThreadPool(comp uint8, idle, active int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.idleThreads[comp] = idle
	c.activeThreads[comp] = active
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.callsDesc
	ch <- c.nestedDepthDesc
	ch <- c.queueDepthDesc
	ch <- c.idleDesc
	ch <- c.activeDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, v := range c.callsTotal {
		ch <- prometheus.MustNewConstMetric(c.callsDesc, prometheus.CounterValue, float64(v),
			compLabel(k.comp), funcIDLabel(k.funcID))
	}
	for k, v := range c.nestedDepth {
		ch <- prometheus.MustNewConstMetric(c.nestedDepthDesc, prometheus.GaugeValue, float64(v),
			compLabel(k.comp), rpcIndexLabel(k.rpcIndex))
	}
	for comp, v := range c.queueDepth {
		ch <- prometheus.MustNewConstMetric(c.queueDepthDesc, prometheus.GaugeValue, float64(v), compLabel(comp))
	}
	for comp, v := range c.idleThreads {
		ch <- prometheus.MustNewConstMetric(c.idleDesc, prometheus.GaugeValue, float64(v), compLabel(comp))
	}
	for comp, v := range c.activeThreads {
		ch <- prometheus.MustNewConstMetric(c.activeDesc, prometheus.GaugeValue, float64(v), compLabel(comp))
	}
}
