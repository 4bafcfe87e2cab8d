package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's prometheus instruments. Registration is
// opt-in: an evaluator without metrics carries a nil *Metrics, and every
// method is a no-op on nil.
type Metrics struct {
	evaluations  *prometheus.CounterVec
	errors       *prometheus.CounterVec
	stateUpdates *prometheus.CounterVec
	flagCount    prometheus.Gauge
	evalDuration prometheus.Histogram
}

// New creates the instrument set and registers it with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		evaluations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flag_evaluations_total",
				Help: "Total flag evaluations by resolution reason",
			},
			[]string{"reason"},
		),
		errors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flag_evaluation_errors_total",
				Help: "Total flag evaluation errors by error code",
			},
			[]string{"code"},
		),
		stateUpdates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flag_state_updates_total",
				Help: "Total state updates by outcome",
			},
			[]string{"outcome"},
		),
		flagCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flag_snapshot_flags",
			Help: "Number of flags in the current snapshot",
		}),
		evalDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "flag_evaluation_duration_seconds",
			Help:    "Flag evaluation duration in seconds",
			Buckets: prometheus.ExponentialBuckets(1e-7, 10, 8),
		}),
	}
	reg.MustRegister(m.evaluations, m.errors, m.stateUpdates, m.flagCount, m.evalDuration)
	return m
}

// ObserveEvaluation records one evaluation outcome.
func (m *Metrics) ObserveEvaluation(reason, errorCode string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.evaluations.WithLabelValues(reason).Inc()
	if errorCode != "" {
		m.errors.WithLabelValues(errorCode).Inc()
	}
	m.evalDuration.Observe(elapsed.Seconds())
}

// ObserveStateUpdate records one state update and the resulting table
// size.
func (m *Metrics) ObserveStateUpdate(success bool, flagCount int) {
	if m == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.stateUpdates.WithLabelValues(outcome).Inc()
	if success {
		m.flagCount.Set(float64(flagCount))
	}
}
