// Package metrics defines the optional Prometheus instrumentation for
// a sync run. Metrics are only ever scraped when the CLI is given
// --metrics_addr; registration is unconditional (promauto package
// vars) but nothing serves /metrics unless Serve is called.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PushTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mobile_install_pushes_total",
		Help: "Total files pushed to the device, by reconciler.",
	}, []string{"reconciler"})

	PushFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mobile_install_push_failures_total",
		Help: "Total push failures, by device-bridge error kind.",
	}, []string{"kind"})

	SyncDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name: "mobile_install_sync_duration_seconds",
		Help: "Wall-clock duration of a full orchestrator run, by outcome.",
	}, []string{"outcome"})

	DexesUpToDate = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mobile_install_dex_noop_total",
		Help: "Total runs where the dex fast path found nothing to do.",
	})

	ResourceUpToDate = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mobile_install_resource_noop_total",
		Help: "Total runs where the resource fast path found nothing to do.",
	})
)
