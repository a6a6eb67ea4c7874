// Package aggregate converts heterogeneous evaluation feedback into one
// scalar objective with an associated noise estimate. Automated scores are
// high-throughput but noisy; manual ratings are sparse but trusted. Both
// arrive as tagged signals and leave as a single observation value.
package aggregate

import (
	"math"

	"github.com/pipetune/pipetune/internal/tuning"
)

// Config holds the aggregation constants. Noise levels and blend weights
// are tunables, not hardcoded policy.
type Config struct {
	// AutomatedNoise is the observation-noise variance assumed for a
	// purely automated score.
	AutomatedNoise float64
	// ManualNoise is the observation-noise variance assumed for a human
	// rating. Typically well below AutomatedNoise.
	ManualNoise float64
	// AutomatedWeight and ManualWeight blend the two signals when both
	// are present. They need not sum to one; the blend normalizes.
	AutomatedWeight float64
	ManualWeight    float64
	// RejectionObjective is the sentinel objective recorded when the
	// operator rejects a configuration outright, so the surrogate learns
	// to avoid that region instead of forgetting the round.
	RejectionObjective float64
}

// DefaultConfig mirrors the historical defaults: equal weighting and a
// manual channel an order of magnitude more confident than the automated
// one.
func DefaultConfig() Config {
	return Config{
		AutomatedNoise:     0.05,
		ManualNoise:        0.005,
		AutomatedWeight:    0.5,
		ManualWeight:       0.5,
		RejectionObjective: -1.0,
	}
}

// Aggregator blends evaluator signals into observation values.
type Aggregator struct {
	cfg Config
}

// New validates the config and returns an Aggregator.
func New(cfg Config) (*Aggregator, error) {
	const op = "aggregate.New"

	if cfg.AutomatedNoise <= 0 || cfg.ManualNoise <= 0 {
		return nil, tuning.NewErrorf("noise variances must be positive, got automated=%v manual=%v",
			cfg.AutomatedNoise, cfg.ManualNoise).WithOperation(op)
	}
	if cfg.AutomatedWeight < 0 || cfg.ManualWeight < 0 || cfg.AutomatedWeight+cfg.ManualWeight == 0 {
		return nil, tuning.NewErrorf("blend weights must be non-negative with a positive sum, got automated=%v manual=%v",
			cfg.AutomatedWeight, cfg.ManualWeight).WithOperation(op)
	}
	return &Aggregator{cfg: cfg}, nil
}

// Aggregate merges the round's signals into (objective, noise, source).
//
// One present signal becomes the objective with its configured noise. Both
// present blend by weight, with the blended noise never below the more
// confident component. A manual rejection maps to the sentinel objective
// regardless of any automated score. Both absent fails with ErrNoSignal.
func (a *Aggregator) Aggregate(auto, manual tuning.Signal) (float64, float64, tuning.Source, error) {
	const op = "aggregate.Aggregate"

	if manual.Kind == tuning.SignalRejected {
		return a.cfg.RejectionObjective, a.cfg.ManualNoise, tuning.SourceManual, nil
	}

	autoPresent := auto.Kind == tuning.SignalAutomated
	manualPresent := manual.Kind == tuning.SignalManual

	switch {
	case autoPresent && manualPresent:
		wSum := a.cfg.AutomatedWeight + a.cfg.ManualWeight
		objective := (a.cfg.AutomatedWeight*auto.Score + a.cfg.ManualWeight*manual.Score) / wSum
		noise := (a.cfg.AutomatedWeight*a.cfg.AutomatedNoise + a.cfg.ManualWeight*a.cfg.ManualNoise) / wSum
		noise = math.Max(noise, math.Min(a.cfg.AutomatedNoise, a.cfg.ManualNoise))
		return objective, noise, tuning.SourceBlended, nil

	case autoPresent:
		return auto.Score, a.cfg.AutomatedNoise, tuning.SourceAutomated, nil

	case manualPresent:
		return manual.Score, a.cfg.ManualNoise, tuning.SourceManual, nil

	default:
		return 0, 0, "", tuning.WrapError(tuning.ErrNoSignal, "both evaluators absent").WithOperation(op)
	}
}

// RejectionObjective exposes the configured sentinel, used by callers that
// need to recognize rejected observations in the log.
func (a *Aggregator) RejectionObjective() float64 { return a.cfg.RejectionObjective }
