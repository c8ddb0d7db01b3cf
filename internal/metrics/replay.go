// SPDX-License-Identifier: MIT

// Package metrics exposes the replay engine's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "replay_events_processed_total",
		Help: "Total number of events processed",
	}, []string{"replay_id", "status"})

	eventsErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "replay_events_errors_total",
		Help: "Total number of event processing errors",
	}, []string{"replay_id", "error_type"})

	checkpointOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "replay_checkpoint_operations_total",
		Help: "Total number of checkpoint operations",
	}, []string{"operation_type", "status"})

	bugsDetectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "replay_bugs_detected_total",
		Help: "Total number of bugs detected",
	}, []string{"bug_type", "severity"})

	progressRatio = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "replay_progress_ratio",
		Help: "Current replay progress as a ratio (0.0 to 1.0)",
	}, []string{"replay_id"})

	streamLength = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "redis_stream_length",
		Help: "Current length of the Redis stream",
	}, []string{"stream_key"})

	replayDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "replay_duration_seconds",
		Help:    "Duration of replay sessions in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600},
	}, []string{"replay_id", "status"})

	reportWritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "replay_report_writes_total",
		Help: "Report artifact writes by outcome",
	}, []string{"outcome"}) // outcome=success|failure|dropped
)

func RecordEventProcessed(replayID, status string) {
	eventsProcessedTotal.WithLabelValues(replayID, status).Inc()
}

func RecordEventError(replayID, errorType string) {
	eventsErrorsTotal.WithLabelValues(replayID, errorType).Inc()
}

func RecordCheckpoint(operationType, status string) {
	checkpointOperationsTotal.WithLabelValues(operationType, status).Inc()
}

func RecordBugDetected(bugType, severity string) {
	bugsDetectedTotal.WithLabelValues(bugType, severity).Inc()
}

func UpdateProgress(replayID string, progress float64) {
	progressRatio.WithLabelValues(replayID).Set(progress)
}

func UpdateStreamLength(streamKey string, length int64) {
	streamLength.WithLabelValues(streamKey).Set(float64(length))
}

func ObserveReplayDuration(replayID, status string, seconds float64) {
	replayDurationSeconds.WithLabelValues(replayID, status).Observe(seconds)
}

func RecordReportWrite(outcome string) {
	reportWritesTotal.WithLabelValues(outcome).Inc()
}
