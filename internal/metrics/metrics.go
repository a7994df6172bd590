// Package metrics holds the Prometheus collectors for the trace correlation
// path: store traffic, parent resolution and tool invocations.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Tool call outcomes.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// Metrics holds all Prometheus metrics.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	StoreHits     prometheus.Counter
	StoreMisses   prometheus.Counter
	StorePuts     prometheus.Counter
	StoreRemovals prometheus.Counter
	StoreEntries  prometheus.Gauge

	ParentResolutions *prometheus.CounterVec
	ToolCalls         *prometheus.CounterVec
	ToolDuration      *prometheus.HistogramVec
}

// New registers the collectors on reg. Passing a fresh registry per test
// keeps counters isolated.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		StoreHits: f.NewCounter(prometheus.CounterOpts{
			Name: "weathermcp_trace_store_hits_total",
			Help: "Session lookups that found a stored trace context",
		}),
		StoreMisses: f.NewCounter(prometheus.CounterOpts{
			Name: "weathermcp_trace_store_misses_total",
			Help: "Session lookups with no stored trace context",
		}),
		StorePuts: f.NewCounter(prometheus.CounterOpts{
			Name: "weathermcp_trace_store_puts_total",
			Help: "Trace contexts written for a session",
		}),
		StoreRemovals: f.NewCounter(prometheus.CounterOpts{
			Name: "weathermcp_trace_store_removals_total",
			Help: "Session entries removed explicitly",
		}),
		StoreEntries: f.NewGauge(prometheus.GaugeOpts{
			Name: "weathermcp_trace_store_entries",
			Help: "Session entries currently held",
		}),
		ParentResolutions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "weathermcp_parent_resolutions_total",
			Help: "Span parent resolutions by source",
		}, []string{"stage", "source"}),
		ToolCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "weathermcp_tool_calls_total",
			Help: "Tool invocations by tool and outcome",
		}, []string{"tool", "outcome"}),
		ToolDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "weathermcp_tool_duration_seconds",
			Help:    "Tool handler duration in seconds",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"tool"}),
	}
}

// StoreLookup records a session lookup.
func (m *Metrics) StoreLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.StoreHits.Inc()
		return
	}
	m.StoreMisses.Inc()
}

// StorePut records a write and the resulting entry count.
func (m *Metrics) StorePut(entries int) {
	if m == nil {
		return
	}
	m.StorePuts.Inc()
	m.StoreEntries.Set(float64(entries))
}

// StoreRemove records an explicit removal and the resulting entry count.
func (m *Metrics) StoreRemove(entries int) {
	if m == nil {
		return
	}
	m.StoreRemovals.Inc()
	m.StoreEntries.Set(float64(entries))
}

// Resolved records where a span parent came from. stage is "request" or "tool".
func (m *Metrics) Resolved(stage, source string) {
	if m == nil {
		return
	}
	m.ParentResolutions.WithLabelValues(stage, source).Inc()
}

// ToolCall records one tool invocation.
func (m *Metrics) ToolCall(tool string, err error, d time.Duration) {
	if m == nil {
		return
	}
	outcome := OutcomeOK
	if err != nil {
		outcome = OutcomeError
	}
	m.ToolCalls.WithLabelValues(tool, outcome).Inc()
	m.ToolDuration.WithLabelValues(tool).Observe(d.Seconds())
}
