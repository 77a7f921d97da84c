// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector gathers evolution pipeline metrics.
type Collector struct {
	evolutionsTriggered *prometheus.CounterVec
	evolutionsFinished  *prometheus.CounterVec
	stageTransitions    *prometheus.CounterVec
	stageDuration       *prometheus.HistogramVec

	llmRequestsTotal *prometheus.CounterVec
	llmTokensUsed    *prometheus.CounterVec

	skillCallsTotal  *prometheus.CounterVec
	observationsOpen prometheus.Gauge
	rollbacksTotal   *prometheus.CounterVec

	capabilityBlocks prometheus.Gauge

	logger *zap.Logger
}

// NewCollector creates a collector registered on the default registry.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.evolutionsTriggered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evolutions_triggered_total",
			Help:      "Total number of evolutions triggered",
		},
		[]string{"skill", "reason"},
	)

	c.evolutionsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evolutions_finished_total",
			Help:      "Total number of evolutions reaching a terminal or rolled-back state",
		},
		[]string{"skill", "status"},
	)

	c.stageTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_transitions_total",
			Help:      "Total number of pipeline stage transitions",
		},
		[]string{"stage"},
	)

	c.stageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of pipeline stages in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		},
		[]string{"stage"},
	)

	c.llmRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_requests_total",
			Help:      "Total number of LLM requests",
		},
		[]string{"provider", "purpose", "status"},
	)

	c.llmTokensUsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_tokens_used_total",
			Help:      "Total number of LLM tokens used",
		},
		[]string{"provider", "type"},
	)

	c.skillCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "skill_calls_total",
			Help:      "Total number of skill invocations",
		},
		[]string{"skill", "status"},
	)

	c.observationsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "observations_open",
			Help:      "Number of observation windows currently open",
		},
	)

	c.rollbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollbacks_total",
			Help:      "Total number of rollbacks",
		},
		[]string{"skill", "trigger"},
	)

	c.capabilityBlocks = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "capability_blocks_active",
			Help:      "Number of capabilities currently blocked from evolution",
		},
	)

	return c
}

// RecordEvolutionTriggered counts a newly triggered evolution.
func (c *Collector) RecordEvolutionTriggered(skill, reason string) {
	c.evolutionsTriggered.WithLabelValues(skill, reason).Inc()
}

// RecordEvolutionFinished counts an evolution reaching Completed, Failed or
// RolledBack.
func (c *Collector) RecordEvolutionFinished(skill, status string) {
	c.evolutionsFinished.WithLabelValues(skill, status).Inc()
}

// RecordStage counts a stage transition and its duration.
func (c *Collector) RecordStage(stage string, duration time.Duration) {
	c.stageTransitions.WithLabelValues(stage).Inc()
	c.stageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// RecordLLMRequest counts one LLM request and its token usage.
func (c *Collector) RecordLLMRequest(provider, purpose, status string, promptTokens, completionTokens int) {
	c.llmRequestsTotal.WithLabelValues(provider, purpose, status).Inc()
	if promptTokens > 0 {
		c.llmTokensUsed.WithLabelValues(provider, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		c.llmTokensUsed.WithLabelValues(provider, "completion").Add(float64(completionTokens))
	}
}

// RecordSkillCall counts one skill invocation.
func (c *Collector) RecordSkillCall(skill string, succeeded bool) {
	status := "ok"
	if !succeeded {
		status = "error"
	}
	c.skillCallsTotal.WithLabelValues(skill, status).Inc()
}

// SetOpenObservations updates the open-observation gauge.
func (c *Collector) SetOpenObservations(n int) {
	c.observationsOpen.Set(float64(n))
}

// RecordRollback counts a rollback and what triggered it.
func (c *Collector) RecordRollback(skill, trigger string) {
	c.rollbacksTotal.WithLabelValues(skill, trigger).Inc()
}

// SetActiveBlocks updates the active capability block gauge.
func (c *Collector) SetActiveBlocks(n int) {
	c.capabilityBlocks.Set(float64(n))
}
