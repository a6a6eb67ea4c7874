package tuning

import (
	"context"
	"time"
)

// Configuration is one complete assignment of values to all tunable
// parameters, keyed by parameter name. Integer and categorical parameters
// carry their value as a float64; the space package owns the mapping.
type Configuration map[string]float64

// Clone returns a deep copy of the configuration.
func (c Configuration) Clone() Configuration {
	out := make(Configuration, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// SignalKind tags the variant of an evaluator result.
type SignalKind int

const (
	// SignalAbsent means the evaluator produced no score (skipped or
	// unavailable).
	SignalAbsent SignalKind = iota
	// SignalAutomated is a numeric score from the automated evaluator.
	SignalAutomated
	// SignalManual is a numeric rating from the human operator.
	SignalManual
	// SignalRejected means the operator explicitly marked the
	// configuration as unacceptable.
	SignalRejected
)

// Signal is the tagged-variant result produced by either evaluator
// collaborator. Both evaluators are consumed uniformly by the aggregator.
type Signal struct {
	Kind  SignalKind `json:"kind"`
	Score float64    `json:"score"`
}

// Absent returns the no-score signal.
func Absent() Signal { return Signal{Kind: SignalAbsent} }

// Automated returns an automated score signal. Scores are normalized to
// [0,1] by the evaluator collaborator, higher is better.
func Automated(score float64) Signal { return Signal{Kind: SignalAutomated, Score: score} }

// Manual returns a manual rating signal, normalized to [0,1].
func Manual(score float64) Signal { return Signal{Kind: SignalManual, Score: score} }

// Rejected returns the explicit operator-rejection signal.
func Rejected() Signal { return Signal{Kind: SignalRejected} }

// Present reports whether the signal carries usable information
// (a score or an explicit rejection).
func (s Signal) Present() bool { return s.Kind != SignalAbsent }

// Source records which evaluation path produced an observation's objective.
type Source string

const (
	SourceAutomated Source = "automated"
	SourceManual    Source = "manual"
	SourceBlended   Source = "blended"
)

// Observation is a recorded (configuration, objective, noise) triple from
// one completed evaluation round. Immutable after creation; owned by the
// session's observation log.
type Observation struct {
	// Config is the evaluated configuration in parameter units.
	Config Configuration `json:"config"`
	// Vector is the normalized [0,1]^d encoding used by the surrogate.
	Vector []float64 `json:"vector"`
	// Objective is the aggregated scalar objective (higher is better).
	Objective float64 `json:"objective"`
	// Noise is the aggregator's noise estimate for this observation.
	Noise float64 `json:"noise"`
	// Source tags which evaluation path produced the objective.
	Source Source `json:"source"`
	// Index is the zero-based order of the observation in the session log.
	Index int `json:"index"`
	// At records when the observation was appended.
	At time.Time `json:"at"`
}

// PipelineResult is what the pipeline execution collaborator hands back for
// one configuration: processed image outputs plus any metrics the host
// computed alongside.
type PipelineResult struct {
	// Outputs maps output image names to encoded image bytes. The core
	// never decodes them; they are passed through to the evaluators.
	Outputs map[string][]byte
	// Metrics are collaborator-produced measurements, e.g. per-object
	// deviation percentages.
	Metrics map[string]float64
}

// PipelineRunner executes the image-analysis pipeline with a configuration
// applied. Errors are reported back as a failed evaluation round; the core
// never retries a crashed pipeline silently.
type PipelineRunner interface {
	Run(ctx context.Context, cfg Configuration) (*PipelineResult, error)
}

// AutomatedEvaluator scores pipeline output without human involvement.
// It returns Absent when it cannot produce a score.
type AutomatedEvaluator interface {
	Score(ctx context.Context, result *PipelineResult) (Signal, error)
}

// ManualEvaluator presents pipeline output to a human operator and returns
// a rating, an explicit rejection, or Absent if the operator skipped.
type ManualEvaluator interface {
	Rate(ctx context.Context, result *PipelineResult) (Signal, error)
}

// Round carries the evaluation outcome for the pending configuration into
// the session controller. Either signal may be absent; a pipeline error
// marks the whole round as failed.
type Round struct {
	Automated   Signal `json:"automated"`
	Manual      Signal `json:"manual"`
	PipelineErr string `json:"pipelineError,omitempty"`
}

// Failed reports whether the round represents a pipeline execution failure.
func (r Round) Failed() bool { return r.PipelineErr != "" }
