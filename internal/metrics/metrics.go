// Package metrics holds the Prometheus collectors for the lifecycle manager.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RetrainCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelvault_retrain_cycles_total",
			Help: "Retrain cycles by family and terminal status",
		},
		[]string{"family", "status"},
	)

	Promotions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelvault_promotions_total",
			Help: "Current pointer replacements by family and reason",
		},
		[]string{"family", "reason"}, // "improved", "rollback"
	)

	TrainingFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelvault_training_failures_total",
			Help: "Trainer invocations that produced no usable artifacts",
		},
		[]string{"family"},
	)

	TrainingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "modelvault_training_duration_seconds",
			Help:    "Wall time of trainer invocations",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
		[]string{"family"},
	)

	VersionsSaved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelvault_versions_saved_total",
			Help: "Versions written to history",
		},
		[]string{"family"},
	)

	VersionsPruned = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelvault_versions_pruned_total",
			Help: "Versions deleted by retention",
		},
		[]string{"family"},
	)

	PruneFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelvault_prune_failures_total",
			Help: "Version deletions that failed during retention",
		},
		[]string{"family"},
	)

	PublishFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelvault_publish_failures_total",
			Help: "Best-effort publish attempts that failed",
		},
		[]string{"publisher"},
	)

	SaveDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "modelvault_version_save_duration_seconds",
			Help:    "Time to durably write a version",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"family"},
	)

	BestScore = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "modelvault_best_score",
			Help: "Best promoted score recorded in the ledger",
		},
		[]string{"family"},
	)
)
