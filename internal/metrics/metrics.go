// Package metrics defines Prometheus collectors for both the uploader
// daemon and the receiving server. Collectors are registered once at
// package load via promauto; unused families simply stay at zero in the
// binary that doesn't exercise them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Uploader-side counters
var (
	// TasksTotal counts task terminal outcomes (completed, failed, cancelled)
	TasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bagferry_tasks_total",
			Help: "Total number of upload tasks by terminal outcome",
		},
		[]string{"outcome"},
	)

	// ChunksSentTotal counts chunk send attempts by result (acked, retried, rejected)
	ChunksSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bagferry_chunks_sent_total",
			Help: "Total number of chunk sends by result",
		},
		[]string{"result"},
	)

	// RetriesTotal counts backoff retries across all tasks
	RetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bagferry_retries_total",
			Help: "Total number of transient-failure retries",
		},
	)

	// BytesAckedTotal counts bytes acknowledged by the server
	BytesAckedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bagferry_bytes_acked_total",
			Help: "Total bytes acknowledged by the receiving server",
		},
	)
)

// Uploader-side gauges
var (
	// QueueDepth tracks tasks by status
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bagferry_queue_depth",
			Help: "Number of tasks by status",
		},
		[]string{"status"},
	)

	// ActiveWorkers tracks workers currently executing a task
	ActiveWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bagferry_active_workers",
			Help: "Number of workers currently executing a task",
		},
	)

	// NetworkReachable is 1 when the destination answers health probes
	NetworkReachable = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bagferry_network_reachable",
			Help: "Whether the destination endpoint is reachable (1) or not (0)",
		},
	)
)

// Uploader-side histograms
var (
	// ChunkSendDuration tracks per-chunk send latency
	ChunkSendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bagferry_chunk_send_duration_seconds",
			Help:    "Chunk send latency in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)
)

// Server-side counters
var (
	// SessionsTotal counts sessions by disposition (created, resumed, expired)
	SessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bagferry_server_sessions_total",
			Help: "Total number of transfer sessions by disposition",
		},
		[]string{"disposition"},
	)

	// ChunksReceivedTotal counts received chunks by result (stored, duplicate, rejected)
	ChunksReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bagferry_server_chunks_received_total",
			Help: "Total number of chunks received by result",
		},
		[]string{"result"},
	)

	// FinalizeTotal counts finalize outcomes (success, incomplete, checksum_mismatch, error)
	FinalizeTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bagferry_server_finalize_total",
			Help: "Total number of finalize attempts by outcome",
		},
		[]string{"outcome"},
	)

	// ArchiveTotal counts S3 archive attempts by outcome (success, failure)
	ArchiveTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bagferry_server_archive_total",
			Help: "Total number of S3 archive attempts by outcome",
		},
		[]string{"outcome"},
	)
)
