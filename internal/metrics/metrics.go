// Package metrics exposes Prometheus counters for patch operations.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	operationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "patchmgr_operations_total",
		Help: "Patch operations by name and result",
	}, []string{"op", "result"})

	operationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "patchmgr_operation_seconds",
		Help:    "Latency of patch operations",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	patchesGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "patchmgr_patches",
		Help: "Number of patches in the tree, root included",
	})
)

// Observe records one finished operation started at start.
func Observe(op string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	operationsTotal.WithLabelValues(op, result).Inc()
	operationSeconds.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// SetPatches records the current tree size.
func SetPatches(n int) {
	patchesGauge.Set(float64(n))
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
