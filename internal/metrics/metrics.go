// Package metrics provides Prometheus metrics for the inference-serving
// core, exposed at /metrics on the admin port.
//
// The plan-delay histograms are the primary health signal: start delay is
// how late a batch plan began against the scheduler's intended execution
// time, finish delay how late it completed against the expected finish time.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PlanStartDelay tracks execute-start lateness against plan deadlines in
	// microseconds.
	PlanStartDelay = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nexuslb_plan_start_delay_us",
			Help:    "Batch plan start delay against exec_time in microseconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 20),
		},
	)

	// PlanFinishDelay tracks completion lateness against expected finish
	// times in microseconds.
	PlanFinishDelay = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nexuslb_plan_finish_delay_us",
			Help:    "Batch plan finish delay against expected_finish_time in microseconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 20),
		},
	)

	// PlansExecutedTotal counts executed batch plans per model.
	PlansExecutedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nexuslb_plans_executed_total",
			Help: "Total batch plans executed",
		},
		[]string{"model_index"},
	)

	// DispatchesTotal counts dispatch requests by enqueue status.
	DispatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nexuslb_dispatches_total",
			Help: "Total dispatch requests by status",
		},
		[]string{"status"},
	)

	// DispatchRepliesTotal counts failure replies sent back to frontends.
	DispatchRepliesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nexuslb_dispatch_replies_total",
			Help: "Total dispatch failure replies sent",
		},
	)

	// ConnectionsActive tracks live RDMA connections.
	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nexuslb_rdma_connections_active",
			Help: "Number of established RDMA connections",
		},
	)

	// CompletionsTotal counts work completions by opcode.
	CompletionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nexuslb_rdma_completions_total",
			Help: "Total work completions observed by opcode",
		},
		[]string{"opcode"},
	)

	// PoolBlocksInUse tracks buffer-pool blocks held by owned handles.
	PoolBlocksInUse = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nexuslb_pool_blocks_in_use",
			Help: "Buffer pool blocks currently allocated",
		},
	)
)
