// dtable-events - SeaTable Background Event Processing Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dtable-events

// Package metrics holds the Prometheus collectors of dtable-events.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Table event bus
	EventsConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dtable_events_consumed_total",
			Help: "Table events consumed from the event bus",
		},
		[]string{"op_type"},
	)

	EventsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dtable_events_failed_total",
			Help: "Table events whose processing failed, by consumer",
		},
		[]string{"consumer", "kind"}, // kind: "retryable", "permanent", "parse"
	)

	EventProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dtable_event_processing_duration_seconds",
			Help:    "Time spent by one consumer on one table event",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"consumer"},
	)

	EventsPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dtable_events_published_total",
			Help: "Messages published to NATS by this process",
		},
	)

	// Rules
	RuleRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dtable_rule_runs_total",
			Help: "Rule runs by rule kind and trigger",
		},
		[]string{"kind", "trigger"}, // kind: "automation", "notification"
	)

	RuleActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dtable_rule_actions_total",
			Help: "Automation actions executed by type and result",
		},
		[]string{"action", "result"},
	)

	RulesInvalidated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dtable_rules_invalidated_total",
			Help: "Rules marked invalid after a definition error",
		},
		[]string{"kind"},
	)

	RuleRunsSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dtable_rule_runs_skipped_total",
			Help: "Rule runs skipped, by reason",
		},
		[]string{"kind", "reason"},
	)

	RuleRowsCapped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dtable_rule_rows_capped_total",
			Help: "Rule runs that matched more rows than the row limit",
		},
		[]string{"kind"},
	)

	// Messages
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dtable_messages_sent_total",
			Help: "Outbound messages by channel and result",
		},
		[]string{"channel", "result"},
	)

	MessageDeliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dtable_message_delivery_duration_seconds",
			Help:    "Delivery latency per channel including retries",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"channel"},
	)

	// Datasets
	DatasetSyncs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dtable_dataset_syncs_total",
			Help: "Common dataset sync runs by result",
		},
		[]string{"result"},
	)

	DatasetRowsSynced = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dtable_dataset_rows_synced_total",
			Help: "Rows written by dataset syncs by operation",
		},
		[]string{"op"}, // "append", "update", "delete"
	)

	DatasetSyncDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dtable_dataset_sync_duration_seconds",
			Help:    "Duration of one dataset sync",
			Buckets: []float64{.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
	)

	// Tasks
	TasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dtable_io_tasks_total",
			Help: "Import/export/sync tasks by type and final status",
		},
		[]string{"type", "status"},
	)

	// Sibling service clients
	DTableRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dtable_client_request_duration_seconds",
			Help:    "Latency of requests to dtable-server, dtable-db and dtable-web",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service", "status"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breaker",
		},
		[]string{"name", "result"}, // result: "success", "failure", "rejected"
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_state_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"name", "from_state", "to_state"},
	)

	// Scheduler
	SchedulerJobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dtable_scheduler_job_duration_seconds",
			Help:    "Duration of periodic scheduler jobs",
			Buckets: []float64{.1, .5, 1, 5, 10, 30, 60, 300, 900},
		},
		[]string{"job"},
	)

	SchedulerJobErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dtable_scheduler_job_errors_total",
			Help: "Periodic scheduler job failures",
		},
		[]string{"job"},
	)

	// API
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dtable_events_api_requests_total",
			Help: "Internal API requests",
		},
		[]string{"method", "route", "status"},
	)
	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dtable_events_api_request_duration_seconds",
			Help:    "Internal API request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

// RecordAPIRequest records one served API request. route is the matched
// pattern, not the raw path.
func RecordAPIRequest(method, route, status string, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, route, status).Inc()
	APIRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordEventProcessed records one consumer pass over one event.
func RecordEventProcessed(consumer string, duration time.Duration) {
	EventProcessingDuration.WithLabelValues(consumer).Observe(duration.Seconds())
}

// RecordAction records one automation action execution.
func RecordAction(action string, err error) {
	RuleActions.WithLabelValues(action, result(err)).Inc()
}

// RecordMessage records one delivery attempt outcome.
func RecordMessage(channel string, success bool, duration time.Duration) {
	res := "success"
	if !success {
		res = "failure"
	}
	MessagesSent.WithLabelValues(channel, res).Inc()
	MessageDeliveryDuration.WithLabelValues(channel).Observe(duration.Seconds())
}

// RecordDatasetSync records one sync run.
func RecordDatasetSync(duration time.Duration, appended, updated, deleted int, err error) {
	DatasetSyncs.WithLabelValues(result(err)).Inc()
	DatasetSyncDuration.Observe(duration.Seconds())
	DatasetRowsSynced.WithLabelValues("append").Add(float64(appended))
	DatasetRowsSynced.WithLabelValues("update").Add(float64(updated))
	DatasetRowsSynced.WithLabelValues("delete").Add(float64(deleted))
}

// RecordSchedulerJob records one periodic job run.
func RecordSchedulerJob(job string, duration time.Duration, err error) {
	SchedulerJobDuration.WithLabelValues(job).Observe(duration.Seconds())
	if err != nil {
		SchedulerJobErrors.WithLabelValues(job).Inc()
	}
}

func result(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}
