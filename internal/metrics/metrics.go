// StreamSentry - User Behavioral Fingerprinting and Anomaly Detection
// Copyright 2026 StreamSentry Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamsentry/streamsentry

// Package metrics provides Prometheus instrumentation for StreamSentry:
// detection throughput, anomaly counts, store query performance, geolocation
// lookups, and backfill runs. Exposed via /metrics (promhttp).
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Detection metrics
	ActivitiesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamsentry_activities_processed_total",
			Help: "Total number of activities evaluated by the detection engine",
		},
		[]string{"server_id"},
	)

	AnomaliesDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamsentry_anomalies_detected_total",
			Help: "Total number of anomaly events emitted",
		},
		[]string{"anomaly_type", "severity"},
	)

	DetectionErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamsentry_detection_errors_total",
			Help: "Total number of detection rule evaluation errors",
		},
		[]string{"anomaly_type"},
	)

	AnomalyResolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamsentry_anomaly_resolutions_total",
			Help: "Total number of anomaly lifecycle transitions",
		},
		[]string{"operation"}, // resolve, unresolve, resolve_all, resolve_by_ids
	)

	// Store metrics
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "streamsentry_db_query_duration_seconds",
			Help:    "Duration of DuckDB queries in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "table"},
	)

	DBQueryErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamsentry_db_query_errors_total",
			Help: "Total number of DuckDB query errors",
		},
		[]string{"operation", "table"},
	)

	// Geolocation metrics
	GeoIPLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamsentry_geoip_lookups_total",
			Help: "Total number of IP geolocation lookups",
		},
		[]string{"provider", "status"}, // status: ok, error, private, rate_limited
	)

	// Fingerprint metrics
	FingerprintRebuilds = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamsentry_fingerprint_rebuilds_total",
			Help: "Total number of user fingerprint recomputations",
		},
		[]string{"status"}, // ok, error
	)

	FingerprintRebuildDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "streamsentry_fingerprint_rebuild_duration_seconds",
			Help:    "Duration of a fingerprint rebuild pass over a server's users",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Backfill metrics
	BackfillRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamsentry_backfill_runs_total",
			Help: "Total number of backfill task executions",
		},
		[]string{"kind", "status"}, // kind: geolocation_backfill, fingerprint_recalc
	)

	BackfillDuplicatesRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "streamsentry_backfill_duplicates_rejected_total",
			Help: "Backfill triggers rejected because a task was already active",
		},
	)
)

// ObserveDBQuery records a query duration and, if err is non-nil, an error.
func ObserveDBQuery(operation, table string, start time.Time, err error) {
	DBQueryDuration.WithLabelValues(operation, table).Observe(time.Since(start).Seconds())
	if err != nil {
		DBQueryErrors.WithLabelValues(operation, table).Inc()
	}
}
