// Package telemetry exposes Prometheus metrics for the decomposition
// pipeline.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RunsTotal counts decomposition runs by terminal status.
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storyforge_runs_total",
		Help: "Decomposition runs by terminal status.",
	}, []string{"status"})

	// RegenerationsTotal counts regenerations by outcome.
	RegenerationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storyforge_regenerations_total",
		Help: "Single-story regenerations by outcome.",
	}, []string{"outcome"})

	// QuotaRejections counts guardrail rejections by scope kind.
	QuotaRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storyforge_quota_rejections_total",
		Help: "Regenerations rejected by quota guardrails.",
	}, []string{"scope"})

	// GenerationLatency observes generation round-trip latency.
	GenerationLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "storyforge_generation_latency_seconds",
		Help:    "Latency of generation round trips.",
		Buckets: prometheus.DefBuckets,
	})

	// TokensTotal counts tokens spent by direction (input/output).
	TokensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storyforge_tokens_total",
		Help: "Tokens consumed against the generation service.",
	}, []string{"direction"})

	// CostTotal accumulates the estimated dollar spend.
	CostTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "storyforge_cost_dollars_total",
		Help: "Estimated dollars spent on generation.",
	})

	// RepairStage counts which repair stage produced a usable payload.
	RepairStage = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storyforge_repair_stage_total",
		Help: "Repair cascade stage that yielded a parseable payload.",
	}, []string{"stage"})
)

// Handler serves the default Prometheus registry.
func Handler() http.Handler { return promhttp.Handler() }
