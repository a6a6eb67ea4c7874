// Package metrics exposes Prometheus instrumentation for the tuning loop.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Round outcomes reported to the rounds counter.
const (
	OutcomeObserved = "observed"
	OutcomeNoSignal = "no_signal"
	OutcomeFailed   = "pipeline_failed"
	OutcomeStalled  = "stalled"
)

// Metrics bundles the collectors for one process. A nil *Metrics is valid
// and records nothing, so the session can run uninstrumented in tests.
type Metrics struct {
	rounds       *prometheus.CounterVec
	refits       prometheus.Counter
	degradedFits prometheus.Counter
	bestValue    *prometheus.GaugeVec
	iterations   *prometheus.GaugeVec
}

// New registers the collectors with the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		rounds: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pipetune_rounds_total",
			Help: "Evaluation rounds processed, by outcome.",
		}, []string{"outcome"}),
		refits: factory.NewCounter(prometheus.CounterOpts{
			Name: "pipetune_surrogate_refits_total",
			Help: "Surrogate model refits.",
		}),
		degradedFits: factory.NewCounter(prometheus.CounterOpts{
			Name: "pipetune_surrogate_degraded_fits_total",
			Help: "Refits that fell back to the prior-only predictor.",
		}),
		bestValue: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pipetune_best_objective",
			Help: "Best aggregated objective observed so far.",
		}, []string{"session"}),
		iterations: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pipetune_iterations",
			Help: "Completed iterations.",
		}, []string{"session"}),
	}
}

// Round records one evaluation round outcome.
func (m *Metrics) Round(outcome string) {
	if m == nil {
		return
	}
	m.rounds.WithLabelValues(outcome).Inc()
}

// Refit records one surrogate refit, degraded when the fit fell back to
// the prior-only predictor.
func (m *Metrics) Refit(degraded bool) {
	if m == nil {
		return
	}
	m.refits.Inc()
	if degraded {
		m.degradedFits.Inc()
	}
}

// Progress records the session's iteration count and best objective.
func (m *Metrics) Progress(session string, iteration int, best float64) {
	if m == nil {
		return
	}
	m.iterations.WithLabelValues(session).Set(float64(iteration))
	m.bestValue.WithLabelValues(session).Set(best)
}
