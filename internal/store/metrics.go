package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricCommitBatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedstore_commit_batch_total",
			Help: "Total number of batches committed by the writer",
		},
		[]string{"status"},
	)

	metricCommitBatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "feedstore_commit_batch_duration_seconds",
			Help:    "Duration of a single batch commit",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms to ~2s
		},
	)

	metricCommitRecordsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "feedstore_commit_records_total",
			Help: "Total number of record commits written",
		},
	)

	metricRollupStepTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedstore_rollup_step_total",
			Help: "Total number of roll-up steps executed, by kind and outcome",
		},
		[]string{"kind", "status"},
	)

	metricRollupStepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "feedstore_rollup_step_duration_seconds",
			Help:    "Duration of a single roll-up step",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12),
		},
		[]string{"kind"},
	)

	metricRollupCellsFolded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "feedstore_rollup_cells_folded_total",
			Help: "Total number of live_counts cells folded into aggregates",
		},
	)

	metricAccountDeleteTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedstore_account_delete_total",
			Help: "Total number of account-delete queue entries processed, by outcome",
		},
		[]string{"status"},
	)

	metricAccountDeleteRecordsRemoved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "feedstore_account_delete_records_removed_total",
			Help: "Total number of record rows removed by account deletion",
		},
	)

	metricTrimPassTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedstore_trim_pass_total",
			Help: "Total number of feed trim passes, by mode and outcome",
		},
		[]string{"mode", "status"},
	)

	metricTrimEntriesRemoved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "feedstore_trim_entries_removed_total",
			Help: "Total number of feed entries removed by the trimmer",
		},
	)

	metricRollupCursorLag = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "feedstore_rollup_cursor_lag_microseconds",
			Help: "Difference between the latest committed cursor and the roll-up cursor",
		},
	)
)
