// Package stfstats exposes the pipeline's runtime counters (§4.4, §4.5,
// §7) as Prometheus metrics: TFs discarded on timeout, STFs dropped on the
// scheduler's Ahead response, STFs dropped to a dead aggregator, the tf-id
// regression counter, and a free-superpage gauge (registered, but not set by
// any component in this repository).
//
// Grounded on the other_examples VSA simulator (cmd-tfd-sim/main.go), the
// one file in the retrieval pack that reaches for prometheus/client_golang
// directly - prometheus.NewCounter/NewGauge registered against a registry
// rather than a StatsD push client (the teacher's own stats package is
// StatsD-only and build-tag gated; this pipeline has no equivalent opt-out,
// so it always registers). No command serves the registry over HTTP.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package stfstats

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the process-wide set of counters/gauges for one pipeline
// component. Registry defaults to prometheus.DefaultRegisterer unless a test
// supplies its own via NewWithRegistry.
type Metrics struct {
	DiscardedTFs       prometheus.Counter
	DroppedSTFs        prometheus.Counter
	StaleHeartbeatDrop prometheus.Counter
	TFIDRegressions    prometheus.Counter
	FreeSuperpages     prometheus.Gauge
}

// New registers metrics against prometheus.DefaultRegisterer. component
// (e.g. "stfbuilder", "stfsender", "tfbuilder") becomes the "component" label so
// several process kinds can share one scrape target without name
// collisions.
func New(component string) *Metrics {
	return NewWithRegistry(component, prometheus.DefaultRegisterer)
}

func NewWithRegistry(component string, reg prometheus.Registerer) *Metrics {
	f := prometheus.Labels{"component": component}
	m := &Metrics{
		DiscardedTFs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tfpipe_discarded_tfs_total", Help: "TimeFrames discarded after T_buffer timeout.", ConstLabels: f,
		}),
		DroppedSTFs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tfpipe_dropped_stfs_total", Help: "STFs dropped by the scheduler's Ahead response.", ConstLabels: f,
		}),
		StaleHeartbeatDrop: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tfpipe_stale_heartbeat_drops_total", Help: "STFs dropped because the target aggregator's heartbeat is stale.", ConstLabels: f,
		}),
		TFIDRegressions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tfpipe_tfid_regressions_total", Help: "Times a producer channel observed a tf_id decrease.", ConstLabels: f,
		}),
		FreeSuperpages: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tfpipe_free_superpages", Help: "Superpages currently on the arena's free stack.", ConstLabels: f,
		}),
	}
	reg.MustRegister(m.DiscardedTFs, m.DroppedSTFs, m.StaleHeartbeatDrop, m.TFIDRegressions, m.FreeSuperpages)
	return m
}
