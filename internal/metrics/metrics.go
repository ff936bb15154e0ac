// Package metrics registers the prometheus collectors for the upload and
// processing pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ChunksReceived counts accepted chunks.
	ChunksReceived = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "catalog_media",
		Name:      "chunks_received_total",
		Help:      "Chunks accepted by the upload coordinator.",
	})

	// ChunksRejected counts chunks rejected by validation or checksum.
	ChunksRejected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "catalog_media",
		Name:      "chunks_rejected_total",
		Help:      "Chunks rejected by validation or checksum verification.",
	})

	// Assemblies counts completeUpload outcomes by result.
	Assemblies = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "catalog_media",
		Name:      "assemblies_total",
		Help:      "Upload completions by result.",
	}, []string{"result"})

	// JobAttempts counts processing job attempts by result.
	JobAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "catalog_media",
		Name:      "job_attempts_total",
		Help:      "Processing job attempts by result.",
	}, []string{"result"})

	// ProcessingDuration observes the wall time of processing attempts.
	ProcessingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "catalog_media",
		Name:      "processing_duration_seconds",
		Help:      "Duration of image processing attempts.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	})
)
