package rnnt

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Kernel throughput metrics
	latticesComputed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bodkin_lattices_computed_total",
		Help: "Total number of (batch, hypothesis) alpha lattices filled",
	})

	latticeCells = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bodkin_lattice_cells_total",
		Help: "Total number of valid lattice cells written",
	})

	computeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bodkin_compute_duration_seconds",
		Help:    "Wall time of one alpha invocation across all of its pairs",
		Buckets: prometheus.DefBuckets,
	})

	// Workspace pool metrics
	workspacePoolHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bodkin_workspace_pool_hits_total",
		Help: "Scratch buffer requests served from pooled backing",
	})

	workspacePoolMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bodkin_workspace_pool_misses_total",
		Help: "Scratch buffer requests that allocated fresh backing",
	})
)
