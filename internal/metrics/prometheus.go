// Package metrics wires the accounting store's counters, gauges and
// histograms into Prometheus client collectors. No HTTP exposition
// server ships here; the embedder registers Metrics.Registry() with
// its own.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector the store touches.
type Metrics struct {
	registry *prometheus.Registry

	WorkerQueueDepth   prometheus.Gauge
	WorkerSubmitted    prometheus.Counter
	WorkerRejected     prometheus.Counter
	TxCommitTotal      prometheus.Counter
	TxAbortTotal       prometheus.Counter
	TxDuration         prometheus.Histogram
	WALAppendsTotal    prometheus.Counter
	WALSyncsTotal      prometheus.Counter
	WALRotationsTotal  prometheus.Counter
	SnapshotsTotal     prometheus.Counter
	SnapshotDuration   prometheus.Histogram
	EvictionScanLength prometheus.Histogram
	GlobalQuotaBytes   prometheus.Gauge
	TileSetsTotal      prometheus.Gauge
}

// New creates a fresh registry and registers every collector against
// it.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		WorkerQueueDepth: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "diskquota",
			Subsystem: "worker",
			Name:      "queue_depth",
			Help:      "Number of units of work currently queued on the transaction worker.",
		}),
		WorkerSubmitted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "diskquota",
			Subsystem: "worker",
			Name:      "submitted_total",
			Help:      "Total number of units of work submitted to the transaction worker.",
		}),
		WorkerRejected: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "diskquota",
			Subsystem: "worker",
			Name:      "rejected_total",
			Help:      "Total number of units of work rejected because the worker was closed or its queue was full.",
		}),
		TxCommitTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "diskquota",
			Subsystem: "tx",
			Name:      "commit_total",
			Help:      "Total number of committed transactions.",
		}),
		TxAbortTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "diskquota",
			Subsystem: "tx",
			Name:      "abort_total",
			Help:      "Total number of aborted transactions.",
		}),
		TxDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Namespace: "diskquota",
			Subsystem: "tx",
			Name:      "duration_seconds",
			Help:      "Histogram of transaction durations.",
			Buckets:   prometheus.DefBuckets,
		}),
		WALAppendsTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "diskquota",
			Subsystem: "wal",
			Name:      "appends_total",
			Help:      "Total number of write-ahead log record batches appended.",
		}),
		WALSyncsTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "diskquota",
			Subsystem: "wal",
			Name:      "syncs_total",
			Help:      "Total number of write-ahead log fsyncs.",
		}),
		WALRotationsTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "diskquota",
			Subsystem: "wal",
			Name:      "rotations_total",
			Help:      "Total number of write-ahead log segment rotations.",
		}),
		SnapshotsTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "diskquota",
			Subsystem: "compaction",
			Name:      "snapshots_total",
			Help:      "Total number of snapshots written by the compactor.",
		}),
		SnapshotDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Namespace: "diskquota",
			Subsystem: "compaction",
			Name:      "snapshot_duration_seconds",
			Help:      "Histogram of snapshot write durations.",
			Buckets:   prometheus.DefBuckets,
		}),
		EvictionScanLength: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Namespace: "diskquota",
			Subsystem: "eviction",
			Name:      "scan_length",
			Help:      "Number of PageStats rows traversed per eviction query, including the returned candidate if one was found.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		GlobalQuotaBytes: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "diskquota",
			Subsystem: "quota",
			Name:      "global_bytes",
			Help:      "Current value of the sentinel global quota row, as a float64 approximation.",
		}),
		TileSetsTotal: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "diskquota",
			Subsystem: "quota",
			Name:      "tile_sets_total",
			Help:      "Current number of non-sentinel tile sets.",
		}),
	}

	return m
}

// Registry exposes the underlying Prometheus registry so the embedder
// can serve it however it likes.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) RecordCommit(durationSeconds float64) {
	m.TxCommitTotal.Inc()
	m.TxDuration.Observe(durationSeconds)
}

func (m *Metrics) RecordAbort(durationSeconds float64) {
	m.TxAbortTotal.Inc()
	m.TxDuration.Observe(durationSeconds)
}

func (m *Metrics) RecordEvictionScan(length int) {
	m.EvictionScanLength.Observe(float64(length))
}
