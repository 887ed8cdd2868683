// Package metrics defines the Prometheus collectors exported by the respond service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Component label values
const (
	ComponentCorrelation = "correlation"
	ComponentDetection   = "detection"
	ComponentRules       = "rules"
)

var (
	// Scheduler metrics
	TicksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "respond_ticks_total",
			Help: "Total number of completed scheduler ticks",
		},
		[]string{"component", "result"},
	)

	TicksSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "respond_ticks_skipped_total",
			Help: "Ticks skipped because the previous tick was still running",
		},
		[]string{"component"},
	)

	TickDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "respond_tick_duration_seconds",
			Help:    "Duration of scheduler ticks in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"component"},
	)

	// Correlation metrics
	AlertsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "respond_alerts_processed_total",
			Help: "Alerts seen by the correlation engine, by outcome",
		},
		[]string{"outcome"},
	)

	CasesCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "respond_cases_created_total",
			Help: "Cases opened, by source",
		},
		[]string{"source"},
	)

	// Detection metrics
	Detections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "respond_detections_total",
			Help: "Rule buckets evaluated, by rule and outcome",
		},
		[]string{"rule_id", "outcome"},
	)

	// Rule store metrics
	RulesLoaded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "respond_rules_loaded",
			Help: "Number of valid detection rules currently active",
		},
	)

	RuleLoadErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "respond_rule_load_errors_total",
			Help: "Rule definitions rejected during load",
		},
	)
)
