// Package session owns the optimization iteration state machine. It is the
// sole writer of the observation log; the surrogate and acquisition
// components are pure functions over a read-only view of that log.
//
// Host interaction is message-driven: the host reads the pending
// configuration, evaluates it out-of-process for however long a human
// takes, and submits the round. There are no callbacks to lose track of.
package session

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/pipetune/pipetune/internal/metrics"
	"github.com/pipetune/pipetune/internal/tuning"
	"github.com/pipetune/pipetune/internal/tuning/acquisition"
	"github.com/pipetune/pipetune/internal/tuning/aggregate"
	"github.com/pipetune/pipetune/internal/tuning/kernels"
	"github.com/pipetune/pipetune/internal/tuning/space"
	"github.com/pipetune/pipetune/internal/tuning/surrogate"
)

// State is the controller's lifecycle phase.
type State string

const (
	StateInitializing State = "initializing"
	StateAwaiting     State = "awaiting_evaluation"
	StateConverged    State = "converged"
	StateCancelled    State = "cancelled"
)

// Terminal reports whether the state accepts no further observations.
func (s State) Terminal() bool {
	return s == StateConverged || s == StateCancelled
}

// Config holds the loop policy knobs.
type Config struct {
	// MaxIterations bounds the number of completed observations.
	MaxIterations int
	// InitialDesignSize is the number of space-filling points evaluated
	// before model-driven proposals begin.
	InitialDesignSize int
	// ImprovementThreshold and ImprovementPatience terminate the session
	// when the best objective improves by less than the threshold for
	// that many consecutive iterations. Zero patience disables the check.
	ImprovementThreshold float64
	ImprovementPatience  int
	// NoSignalRetryLimit bounds consecutive failed rounds on a single
	// configuration before the session reports a stall and moves on.
	NoSignalRetryLimit int
	// Kernel selects the surrogate covariance: "rbf" or "matern52".
	Kernel string
	// Seed fixes the random stream; zero derives one from the clock.
	Seed int64

	Aggregate   aggregate.Config
	Surrogate   surrogate.Config
	Acquisition acquisition.Config
}

// DefaultConfig returns the loop defaults.
func DefaultConfig() Config {
	return Config{
		MaxIterations:        50,
		InitialDesignSize:    4,
		ImprovementThreshold: 1e-3,
		ImprovementPatience:  0,
		NoSignalRetryLimit:   3,
		Kernel:               "rbf",
		Aggregate:            aggregate.DefaultConfig(),
		Surrogate:            surrogate.DefaultConfig(),
		Acquisition:          acquisition.DefaultConfig(),
	}
}

// Session is the optimization session controller.
type Session struct {
	id     string
	cfg    Config
	space  *space.Space
	logger *zap.Logger
	rng    *rand.Rand

	agg      *aggregate.Aggregator
	gp       *surrogate.GP
	proposer *acquisition.Proposer
	design   []tuning.Configuration
	metrics  *metrics.Metrics

	state        State
	pending      tuning.Configuration
	pendingVec   []float64
	observations []tuning.Observation
	iteration    int
	bestIndex    int
	flatRounds   int
	retries      int
	degraded     bool
}

// Option customizes session construction.
type Option func(*Session)

// WithWarmStart seeds the initial design with known configurations instead
// of a fresh space-filling sample. Extra model-free rounds follow if the
// seed is smaller than the configured design size.
func WithWarmStart(seed []tuning.Configuration) Option {
	return func(s *Session) {
		for _, cfg := range seed {
			s.design = append(s.design, cfg.Clone())
		}
	}
}

// WithMetrics attaches Prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// New builds a session over the given parameter space. The space's
// dimension and encoding are fixed for the session lifetime.
func New(id string, sp *space.Space, cfg Config, logger *zap.Logger, opts ...Option) (*Session, error) {
	const op = "session.New"

	if sp == nil {
		return nil, tuning.NewError("parameter space is required").WithOperation(op)
	}
	if cfg.MaxIterations < 1 {
		cfg.MaxIterations = DefaultConfig().MaxIterations
	}
	if cfg.InitialDesignSize < 1 {
		cfg.InitialDesignSize = DefaultConfig().InitialDesignSize
	}
	if cfg.NoSignalRetryLimit < 1 {
		cfg.NoSignalRetryLimit = DefaultConfig().NoSignalRetryLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	agg, err := aggregate.New(cfg.Aggregate)
	if err != nil {
		return nil, tuning.WrapError(err, "invalid aggregation config").WithOperation(op)
	}

	kernel, err := newKernel(cfg.Kernel, cfg.Surrogate.PriorVariance)
	if err != nil {
		return nil, tuning.WrapError(err, "invalid surrogate kernel").WithOperation(op)
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	s := &Session{
		id:        id,
		cfg:       cfg,
		space:     sp,
		logger:    logger.Named("session").With(zap.String("session_id", id)),
		rng:       rand.New(rand.NewSource(seed)),
		agg:       agg,
		gp:        surrogate.New(cfg.Surrogate, kernel, logger),
		state:     StateInitializing,
		bestIndex: -1,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func newKernel(name string, signalVar float64) (kernels.Kernel, error) {
	if signalVar <= 0 {
		signalVar = 1
	}
	switch name {
	case "matern52":
		return kernels.NewMatern52(0.2, signalVar)
	case "", "rbf":
		return kernels.NewSquaredExponential(0.2, signalVar)
	default:
		return nil, fmt.Errorf("unknown kernel %q", name)
	}
}

// Start generates the initial design and queues the first configuration.
func (s *Session) Start() (tuning.Configuration, error) {
	const op = "Session.Start"

	if s.state != StateInitializing {
		return nil, tuning.NewErrorf("cannot start from state %q", s.state).WithOperation(op)
	}

	if len(s.design) < s.cfg.InitialDesignSize {
		fill := s.space.SampleLatinHypercube(s.cfg.InitialDesignSize-len(s.design), s.rng)
		s.design = append(s.design, fill...)
	}
	s.proposer = acquisition.New(s.cfg.Acquisition, s.design, s.rng, s.logger)

	if err := s.setPending(s.design[0].Clone()); err != nil {
		return nil, err
	}
	s.state = StateAwaiting

	s.logger.Info("session started",
		zap.Int("design_size", len(s.design)),
		zap.Int("max_iterations", s.cfg.MaxIterations),
	)
	return s.pending.Clone(), nil
}

// Pending returns the configuration awaiting evaluation, or nil if the
// session is not in AwaitingEvaluation.
func (s *Session) Pending() tuning.Configuration {
	if s.state != StateAwaiting {
		return nil
	}
	return s.pending.Clone()
}

// Submit completes one evaluation round for the pending configuration.
//
// A usable signal appends an observation, refits the surrogate and queues
// the next proposal. Rounds with no usable signal (both evaluators absent,
// or a pipeline failure) are absorbed: the same configuration stays queued
// for a bounded number of retries, after which ErrStalled is surfaced and
// a fresh configuration replaces the stuck one. The observation log is
// never left half-written.
func (s *Session) Submit(round tuning.Round) error {
	const op = "Session.Submit"

	if s.state.Terminal() {
		return tuning.WrapError(tuning.ErrSessionTerminal, "observation rejected").WithOperation(op)
	}
	if s.state != StateAwaiting {
		return tuning.NewErrorf("no evaluation pending in state %q", s.state).WithOperation(op)
	}

	if round.Failed() {
		s.logger.Warn("pipeline execution failed", zap.String("error", round.PipelineErr))
		s.metrics.Round(metrics.OutcomeFailed)
		return s.failedRound(tuning.WrapError(tuning.ErrPipelineFailure, round.PipelineErr).WithOperation(op))
	}

	objective, noise, source, err := s.agg.Aggregate(round.Automated, round.Manual)
	if err != nil {
		if errors.Is(err, tuning.ErrNoSignal) {
			s.metrics.Round(metrics.OutcomeNoSignal)
			return s.failedRound(err)
		}
		return tuning.WrapError(err, "aggregation failed").WithOperation(op)
	}

	obs := tuning.Observation{
		Config:    s.pending.Clone(),
		Vector:    append([]float64(nil), s.pendingVec...),
		Objective: objective,
		Noise:     noise,
		Source:    source,
		Index:     len(s.observations),
		At:        time.Now().UTC(),
	}
	s.observations = append(s.observations, obs)
	s.iteration++
	s.retries = 0
	s.metrics.Round(metrics.OutcomeObserved)

	s.updateBest(obs)
	s.metrics.Progress(s.id, s.iteration, s.observations[s.bestIndex].Objective)

	s.logger.Info("observation recorded",
		zap.Int("iteration", s.iteration),
		zap.Float64("objective", objective),
		zap.Float64("noise", noise),
		zap.String("source", string(source)),
		zap.Float64("best", s.observations[s.bestIndex].Objective),
	)

	if done := s.checkTermination(); done {
		return nil
	}
	return s.advance()
}

// failedRound keeps or replaces the pending configuration after a round
// produced no observation.
func (s *Session) failedRound(cause error) error {
	s.retries++
	if s.retries < s.cfg.NoSignalRetryLimit {
		// Same configuration stays queued; the host should retry.
		return cause
	}

	// Retry budget exhausted: move to a fresh configuration so a stuck
	// evaluator cannot deadlock the session, and report the stall.
	s.retries = 0
	s.metrics.Round(metrics.OutcomeStalled)

	fresh := s.space.SampleUniform(s.rng)
	if err := s.setPending(fresh); err != nil {
		return err
	}
	s.logger.Warn("evaluation stalled, replacing pending configuration",
		zap.Int("retry_limit", s.cfg.NoSignalRetryLimit))

	return tuning.WrapError(tuning.ErrStalled, cause.Error())
}

// updateBest recomputes best-so-far and the flat-improvement streak.
func (s *Session) updateBest(obs tuning.Observation) {
	if s.bestIndex < 0 {
		s.bestIndex = obs.Index
		s.flatRounds = 0
		return
	}

	prev := s.observations[s.bestIndex].Objective
	if obs.Objective > prev {
		s.bestIndex = obs.Index
	}
	if s.observations[s.bestIndex].Objective-prev < s.cfg.ImprovementThreshold {
		s.flatRounds++
	} else {
		s.flatRounds = 0
	}
}

// checkTermination applies the termination policy, returning true when the
// session reached a terminal state.
func (s *Session) checkTermination() bool {
	if s.iteration >= s.cfg.MaxIterations {
		s.terminate(StateConverged, "max iterations reached")
		return true
	}
	if s.cfg.ImprovementPatience > 0 && s.flatRounds >= s.cfg.ImprovementPatience {
		s.terminate(StateConverged, "objective improvement below threshold")
		return true
	}
	return false
}

func (s *Session) terminate(state State, reason string) {
	s.state = state
	s.pending = nil
	s.pendingVec = nil

	best, objective, ok := s.Best()
	fields := []zap.Field{
		zap.String("reason", reason),
		zap.Int("iterations", s.iteration),
	}
	if ok {
		fields = append(fields, zap.Float64("best_objective", objective), zap.Any("best_config", best))
	}
	s.logger.Info("session terminated", fields...)
}

// advance refits the surrogate and queues the next proposal.
func (s *Session) advance() error {
	const op = "Session.advance"

	post, err := s.gp.Fit(s.observations)
	if err != nil {
		if !errors.Is(err, tuning.ErrIllConditioned) {
			return tuning.WrapError(err, "surrogate fit failed").WithOperation(op)
		}
		// Degraded round: fall back to the prior-only predictor rather
		// than losing the iteration.
		s.degraded = true
		s.metrics.Refit(true)
		s.logger.Warn("surrogate ill-conditioned, using prior-only predictor for this round")
		post = s.gp.PriorPosterior()
	} else {
		s.degraded = false
		s.metrics.Refit(false)
	}

	next, err := s.proposer.Propose(post, s.space, s.observations)
	if err != nil {
		return tuning.WrapError(err, "proposal failed").WithOperation(op)
	}
	if err := s.setPending(next); err != nil {
		return err
	}
	s.state = StateAwaiting
	return nil
}

// setPending validates and queues a configuration, caching its encoding.
func (s *Session) setPending(cfg tuning.Configuration) error {
	vec, err := s.space.Encode(cfg)
	if err != nil {
		return tuning.WrapError(err, "proposed configuration out of domain")
	}
	s.pending = cfg
	s.pendingVec = vec
	return nil
}

// Cancel terminates the session. Safe at any point: the observation log up
// to the last completed round is preserved, partial round state is
// discarded.
func (s *Session) Cancel() {
	if s.state.Terminal() {
		return
	}
	s.terminate(StateCancelled, "operator cancelled")
}

// Best returns the best configuration and objective observed so far.
func (s *Session) Best() (tuning.Configuration, float64, bool) {
	if s.bestIndex < 0 {
		return nil, math.Inf(-1), false
	}
	best := s.observations[s.bestIndex]
	return best.Config.Clone(), best.Objective, true
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle phase.
func (s *Session) State() State { return s.state }

// Iteration returns the number of completed observations.
func (s *Session) Iteration() int { return s.iteration }

// Degraded reports whether the most recent refit fell back to the
// prior-only predictor.
func (s *Session) Degraded() bool { return s.degraded }

// Observations returns a copy of the observation log.
func (s *Session) Observations() []tuning.Observation {
	out := make([]tuning.Observation, len(s.observations))
	copy(out, s.observations)
	return out
}

// Run drives the session against in-process collaborators until it reaches
// a terminal state. Pipeline errors become failed rounds; evaluator errors
// degrade to absent signals. ErrStalled is surfaced to the caller, who may
// keep driving the loop or cancel.
func (s *Session) Run(ctx context.Context, runner tuning.PipelineRunner, auto tuning.AutomatedEvaluator, manual tuning.ManualEvaluator) error {
	const op = "Session.Run"

	if s.state == StateInitializing {
		if _, err := s.Start(); err != nil {
			return err
		}
	}

	for s.state == StateAwaiting {
		select {
		case <-ctx.Done():
			s.Cancel()
			return ctx.Err()
		default:
		}

		cfg := s.Pending()
		round := tuning.Round{Automated: tuning.Absent(), Manual: tuning.Absent()}

		result, err := runner.Run(ctx, cfg)
		if err != nil {
			round.PipelineErr = err.Error()
		} else {
			round.Automated = s.evaluate(ctx, "automated", func() (tuning.Signal, error) {
				return auto.Score(ctx, result)
			})
			round.Manual = s.evaluate(ctx, "manual", func() (tuning.Signal, error) {
				if manual == nil {
					return tuning.Absent(), nil
				}
				return manual.Rate(ctx, result)
			})
		}

		if err := s.Submit(round); err != nil {
			if errors.Is(err, tuning.ErrStalled) {
				return tuning.WrapError(err, "evaluators unresponsive").WithOperation(op)
			}
			if errors.Is(err, tuning.ErrNoSignal) || errors.Is(err, tuning.ErrPipelineFailure) {
				continue
			}
			return err
		}
	}
	return nil
}

func (s *Session) evaluate(ctx context.Context, name string, fn func() (tuning.Signal, error)) tuning.Signal {
	sig, err := fn()
	if err != nil {
		s.logger.Warn("evaluator error, treating signal as absent",
			zap.String("evaluator", name), zap.Error(err))
		return tuning.Absent()
	}
	return sig
}
