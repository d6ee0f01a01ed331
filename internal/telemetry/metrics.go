package telemetry

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/vinodismyname/xcelpivot/internal/crosstab"
)

// Metrics holds the Prometheus collectors for crosstab builds and tool calls.
// It implements crosstab.Observer so it can be set on build options directly.
type Metrics struct {
	buildsTotal   *prometheus.CounterVec
	buildDuration prometheus.Histogram
	buildRows     prometheus.Histogram
	buildCells    prometheus.Histogram
	truncations   *prometheus.CounterVec
	spills        prometheus.Counter
	toolCalls     *prometheus.CounterVec
	toolDuration  *prometheus.HistogramVec
}

// NewMetrics registers the collectors on reg. Passing nil registers on the
// default Prometheus registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		buildsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "xcelpivot_crosstab_builds_total",
			Help: "Total crosstab builds by outcome",
		}, []string{"outcome"}),
		buildDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "xcelpivot_crosstab_build_duration_seconds",
			Help:    "Crosstab build duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
		}),
		buildRows: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "xcelpivot_crosstab_source_rows",
			Help:    "Source rows scanned per crosstab build",
			Buckets: prometheus.ExponentialBuckets(10, 4, 9),
		}),
		buildCells: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "xcelpivot_crosstab_grid_cells",
			Help:    "Grid cells produced per crosstab build",
			Buckets: prometheus.ExponentialBuckets(10, 4, 9),
		}),
		truncations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "xcelpivot_crosstab_truncations_total",
			Help: "Crosstab builds cut short by a ceiling, by reason",
		}, []string{"reason"}),
		spills: f.NewCounter(prometheus.CounterOpts{
			Name: "xcelpivot_crosstab_spills_total",
			Help: "Crosstab builds whose tuple lists moved to the spill store",
		}),
		toolCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "xcelpivot_tool_calls_total",
			Help: "Total MCP tool calls by tool and outcome",
		}, []string{"tool", "outcome"}),
		toolDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "xcelpivot_tool_call_duration_seconds",
			Help:    "MCP tool call duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"tool"}),
	}
}

// Build outcomes.
const (
	OutcomeOK        = "ok"
	OutcomeCancelled = "cancelled"
	OutcomeError     = "error"
	OutcomeToolError = "tool_error"
)

// BuildFinished records one crosstab build.
func (m *Metrics) BuildFinished(s crosstab.BuildStats) {
	if m == nil {
		return
	}
	switch {
	case s.Err == nil:
		m.buildsTotal.WithLabelValues(OutcomeOK).Inc()
	case errors.Is(s.Err, context.Canceled), errors.Is(s.Err, context.DeadlineExceeded):
		m.buildsTotal.WithLabelValues(OutcomeCancelled).Inc()
		return
	default:
		m.buildsTotal.WithLabelValues(OutcomeError).Inc()
		return
	}
	m.buildDuration.Observe(s.Duration.Seconds())
	m.buildRows.Observe(float64(s.SourceRows))
	m.buildCells.Observe(float64(s.Cells))
	if s.Truncation != nil {
		m.truncations.WithLabelValues(s.Truncation.Reason).Inc()
	}
	if s.Spilled {
		m.spills.Inc()
	}
}

// ToolCalled records one MCP tool call.
func (m *Metrics) ToolCalled(tool, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(tool, outcome).Inc()
	m.toolDuration.WithLabelValues(tool).Observe(d.Seconds())
}
