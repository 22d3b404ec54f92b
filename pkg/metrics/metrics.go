// Package metrics exposes the Prometheus counters and gauges the Engine
// and its collaborators update, following the global-var-plus-init-
// registration idiom of cuemby-warren's pkg/metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TransfersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concourse_transfers_total",
			Help: "Total number of Buffer-to-Database transfer passes, by environment",
		},
		[]string{"environment"},
	)

	PagesTransferredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concourse_pages_transferred_total",
			Help: "Total number of sealed Buffer pages handed off to the Database, by environment",
		},
		[]string{"environment"},
	)

	BufferPagesOpen = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "concourse_buffer_pages_open",
			Help: "Current number of sealed, not-yet-transferred Buffer pages, by environment",
		},
		[]string{"environment"},
	)

	LockWaitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "concourse_lock_wait_duration_seconds",
			Help:    "Time spent blocked acquiring a range/point lock",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"mode"},
	)

	AtomicRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concourse_atomic_operation_retries_total",
			Help: "Total number of AtomicOperation commit retries caused by a serialization conflict",
		},
		[]string{"environment"},
	)

	DeadlocksDetectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concourse_deadlocks_detected_total",
			Help: "Total number of range-lock wait-for cycles detected and broken",
		},
		[]string{"environment"},
	)
)

func init() {
	prometheus.MustRegister(
		TransfersTotal,
		PagesTransferredTotal,
		BufferPagesOpen,
		LockWaitDuration,
		AtomicRetriesTotal,
		DeadlocksDetectedTotal,
	)
}

// Handler returns the Prometheus scrape handler for the admin HTTP
// surface a request-routing collaborator would mount; mounting the
// endpoint is that collaborator's job, this only exposes the handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
