// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "driftguard"

var (
	LedgerAppends = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "appends_total",
		Help:      "Audit entries appended, by severity",
	}, []string{"severity"})

	LedgerFlushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "flushes_total",
		Help:      "Ledger persistence flushes, by result",
	}, []string{"result"})

	LedgerPending = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "pending_entries",
		Help:      "Entries appended in memory but not yet persisted",
	})

	LedgerStreamed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "streamed_total",
		Help:      "Persisted entries handed to the streamer, by result",
	}, []string{"result"})

	IntegrityViolations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "integrity_violations_total",
		Help:      "Entries reported invalid by chain verification",
	})

	DriftScans = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "drift",
		Name:      "scans_total",
		Help:      "Drift detections, by environment and severity",
	}, []string{"environment", "severity"})

	DriftScore = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "drift",
		Name:      "score",
		Help:      "Drift score distribution",
		Buckets:   []float64{0, 10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
	}, []string{"environment"})

	DriftChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "drift",
		Name:      "changes_total",
		Help:      "Detected changes, by category and impact",
	}, []string{"category", "impact"})

	CaptureWarnings = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "snapshot",
		Name:      "capture_warnings_total",
		Help:      "Snapshot sources skipped during capture",
	}, []string{"section"})

	AlertsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "alerts",
		Name:      "created_total",
		Help:      "Alerts created, by severity and category",
	}, []string{"severity", "category"})

	AlertTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "alerts",
		Name:      "transitions_total",
		Help:      "Alert status transitions, by target status",
	}, []string{"status"})

	AlertEscalations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "alerts",
		Name:      "escalations_total",
		Help:      "Escalations executed, by rule",
	}, []string{"rule"})

	AlertCorrelations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "alerts",
		Name:      "correlations_total",
		Help:      "Correlation rule actions applied, by rule and action",
	}, []string{"rule", "action"})

	ResponseActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "alerts",
		Name:      "response_actions_total",
		Help:      "Response actions finished, by kind and status",
	}, []string{"kind", "status"})

	NotificationsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "notifications",
		Name:      "sent_total",
		Help:      "Notification deliveries, by channel and result",
	}, []string{"channel", "result"})

	NotificationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "notifications",
		Name:      "delivery_seconds",
		Help:      "Notification delivery latency",
		Buckets:   prometheus.DefBuckets,
	}, []string{"channel"})
)
