package transfer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// bytesMoved counts payload bytes moved per direction and strategy.
	bytesMoved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gpucr_transfer_bytes_total",
			Help: "Buffer-object bytes transferred.",
		},
		[]string{"direction", "strategy"},
	)

	// fallbacks counts buffers a strategy gave up on.
	fallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gpucr_transfer_fallbacks_total",
			Help: "Transfers that fell through to the next strategy.",
		},
		[]string{"strategy"},
	)

	// jobDuration tracks per-GPU transfer job durations.
	jobDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gpucr_transfer_job_duration_seconds",
			Help:    "Histogram of per-GPU transfer job durations.",
			Buckets: prometheus.DefBuckets,
		},
	)
)
