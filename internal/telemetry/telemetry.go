// Package telemetry exposes Prometheus metrics for the query engine:
// question throughput, loop iterations, tool-call outcomes and cache
// efficiency. Everything is registered on a caller-supplied registerer so
// tests can use isolated registries.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all engine-level Prometheus collectors.
type Metrics struct {
	QueriesTotal   *prometheus.CounterVec
	QueryDuration  prometheus.Histogram
	Iterations     prometheus.Histogram
	ToolCallsTotal *prometheus.CounterVec
	RepairsTotal   *prometheus.CounterVec
	CacheHits      *prometheus.CounterVec
	CacheMisses    *prometheus.CounterVec
}

// New registers all collectors on reg. Pass prometheus.DefaultRegisterer in
// production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		QueriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "croquery_queries_total",
			Help: "Questions processed, labelled by outcome.",
		}, []string{"status"}),
		QueryDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "croquery_query_duration_seconds",
			Help:    "End-to-end question processing time.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		}),
		Iterations: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "croquery_query_iterations",
			Help:    "Reasoning passes per question.",
			Buckets: []float64{1, 2, 3, 4, 5},
		}),
		ToolCallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "croquery_tool_calls_total",
			Help: "Tool calls executed, labelled by tool and outcome.",
		}, []string{"tool", "status"}),
		RepairsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "croquery_query_repairs_total",
			Help: "Query repair attempts, labelled by tool and outcome.",
		}, []string{"tool", "status"}),
		CacheHits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "croquery_cache_hits_total",
			Help: "Result cache hits per tool.",
		}, []string{"tool"}),
		CacheMisses: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "croquery_cache_misses_total",
			Help: "Result cache misses per tool.",
		}, []string{"tool"}),
	}
}

// ObserveQuery records one finished question.
func (m *Metrics) ObserveQuery(status string, iterations int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.QueriesTotal.WithLabelValues(status).Inc()
	m.QueryDuration.Observe(elapsed.Seconds())
	m.Iterations.Observe(float64(iterations))
}

// ObserveToolCall records one gateway execution.
func (m *Metrics) ObserveToolCall(tool, status string) {
	if m == nil {
		return
	}
	m.ToolCallsTotal.WithLabelValues(tool, status).Inc()
}

// ObserveRepair records one repair attempt outcome.
func (m *Metrics) ObserveRepair(tool, status string) {
	if m == nil {
		return
	}
	m.RepairsTotal.WithLabelValues(tool, status).Inc()
}

// ObserveCache records a cache lookup outcome for a tool.
func (m *Metrics) ObserveCache(tool string, hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheHits.WithLabelValues(tool).Inc()
	} else {
		m.CacheMisses.WithLabelValues(tool).Inc()
	}
}
