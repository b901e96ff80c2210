package index

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	updateDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "echo_index_update_duration_seconds",
		Help:    "Time spent applying an update batch to one index",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"kind"})

	updateFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "echo_index_update_failures_total",
		Help: "Object updates an index failed to apply",
	}, []string{"kind"})

	findDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "echo_index_find_duration_seconds",
		Help:    "Time spent answering index lookups",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
	}, []string{"kind"})

	documentsIndexed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "echo_index_documents_total",
		Help: "Object snapshots submitted to the index manager",
	})
)
