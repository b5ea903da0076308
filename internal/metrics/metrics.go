// Package metrics holds the Prometheus instruments of a run and exports them
// in text exposition format for a node_exporter textfile collector.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/harrison/testsmith/internal/models"
)

const namespace = "testsmith"

// Completion request results
const (
	ResultSuccess   = "success"
	ResultRetryable = "retryable_failure"
	ResultFatal     = "fatal_failure"
)

// Metrics is the instrument set of one process.
type Metrics struct {
	registry *prometheus.Registry

	UnitsTotal              *prometheus.CounterVec
	CompletionRequestsTotal *prometheus.CounterVec
	CompletionSeconds       prometheus.Histogram
	HarnessSeconds          *prometheus.HistogramVec
	RepairRoundsTotal       prometheus.Counter
	PolicyViolationsTotal   prometheus.Counter
}

// New creates the instruments on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		UnitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "units_total",
				Help:      "Total number of work units processed, labeled by outcome.",
			},
			[]string{"outcome"},
		),
		CompletionRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "completion_requests_total",
				Help:      "Total number of completion backend requests, labeled by backend and result.",
			},
			[]string{"backend", "result"},
		),
		CompletionSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "completion_duration_seconds",
				Help:      "Wall-clock time of one completion request (seconds).",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 900},
			},
		),
		HarnessSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "harness_duration_seconds",
				Help:      "Wall-clock time of one harness run (seconds), labeled by verdict.",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 900},
			},
			[]string{"verdict"},
		),
		RepairRoundsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "repair_rounds_total",
				Help:      "Total number of repair prompts issued after a runtime rejection.",
			},
		),
		PolicyViolationsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_violations_total",
				Help:      "Total number of banned constructs found in candidates.",
			},
		),
	}

	m.registry.MustRegister(
		m.UnitsTotal,
		m.CompletionRequestsTotal,
		m.CompletionSeconds,
		m.HarnessSeconds,
		m.RepairRoundsTotal,
		m.PolicyViolationsTotal,
	)
	return m
}

// Registry returns the registry the instruments live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveUnit counts a finished unit.
func (m *Metrics) ObserveUnit(r models.UnitResult) {
	m.UnitsTotal.WithLabelValues(r.Outcome).Inc()
}

// ObserveCompletion counts one backend request and records its duration.
func (m *Metrics) ObserveCompletion(backend string, res models.CompletionResult) {
	result := ResultSuccess
	switch {
	case res.Success:
	case res.Retryable:
		result = ResultRetryable
	default:
		result = ResultFatal
	}
	m.CompletionRequestsTotal.WithLabelValues(backend, result).Inc()
	m.CompletionSeconds.Observe(res.Duration.Seconds())
}

// ObserveHarness records one harness run.
func (m *Metrics) ObserveHarness(v models.ValidationVerdict) {
	m.HarnessSeconds.WithLabelValues(verdictLabel(v)).Observe(v.Duration.Seconds())
}

// ObserveViolations counts banned constructs found in one candidate.
func (m *Metrics) ObserveViolations(n int) {
	if n > 0 {
		m.PolicyViolationsTotal.Add(float64(n))
	}
}

// ObserveRepair counts one repair round.
func (m *Metrics) ObserveRepair() {
	m.RepairRoundsTotal.Inc()
}

func verdictLabel(v models.ValidationVerdict) string {
	switch {
	case v.TimedOut:
		return "timeout"
	case v.Valid:
		return "valid"
	default:
		return "invalid"
	}
}

// WriteTextfile writes every instrument to path in text exposition format.
// The file is replaced atomically.
func (m *Metrics) WriteTextfile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics to %s: %w", path, err)
	}
	return nil
}
