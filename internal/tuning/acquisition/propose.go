package acquisition

import (
	"math"
	"math/rand"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/optimize"

	"github.com/pipetune/pipetune/internal/tuning"
	"github.com/pipetune/pipetune/internal/tuning/space"
	"github.com/pipetune/pipetune/internal/tuning/surrogate"
)

// Config holds the proposer knobs.
type Config struct {
	// Kind selects the acquisition function: "ei" or "ucb".
	Kind string
	// Xi is the EI exploration margin.
	Xi float64
	// Beta is the UCB exploration coefficient.
	Beta float64
	// Restarts is the number of local searches. Zero picks a
	// dimension-scaled default.
	Restarts int
	// NoRepeatTol is the normalized-space distance below which a
	// candidate counts as a repeat of an observed configuration.
	NoRepeatTol float64
	// CollisionRetries bounds the perturb/resample attempts after the raw
	// maximizer collides with an observed point.
	CollisionRetries int
}

// DefaultConfig returns the proposer defaults.
func DefaultConfig() Config {
	return Config{
		Kind:             "ei",
		Xi:               0.01,
		Beta:             2.0,
		NoRepeatTol:      1e-6,
		CollisionRetries: 16,
	}
}

// Proposer maximizes the acquisition surface over the normalized space.
// It holds the session's precomputed space-filling design for the
// model-free opening moves.
type Proposer struct {
	cfg    Config
	design []tuning.Configuration
	rng    *rand.Rand
	logger *zap.Logger
}

// New creates a Proposer. design is the session's initial space-filling
// design; proposals bypass the model until it is exhausted.
func New(cfg Config, design []tuning.Configuration, rng *rand.Rand, logger *zap.Logger) *Proposer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.NoRepeatTol <= 0 {
		cfg.NoRepeatTol = DefaultConfig().NoRepeatTol
	}
	if cfg.CollisionRetries <= 0 {
		cfg.CollisionRetries = DefaultConfig().CollisionRetries
	}
	return &Proposer{cfg: cfg, design: design, rng: rng, logger: logger.Named("acquisition")}
}

// Propose returns the next configuration to evaluate. While observations
// are fewer than the initial design, the corresponding design point is
// returned without consulting the model. Afterwards the acquisition
// function is maximized by derivative-free multistart search, and any
// candidate colliding with an observed configuration is perturbed away.
func (p *Proposer) Propose(post *surrogate.Posterior, sp *space.Space, obs []tuning.Observation) (tuning.Configuration, error) {
	const op = "Proposer.Propose"

	if next, ok := p.designPoint(sp, obs); ok {
		return next, nil
	}

	best := bestObjective(obs)
	var acq Function
	switch p.cfg.Kind {
	case "ucb":
		acq = NewUpperConfidenceBound(p.cfg.Beta)
	default:
		acq = NewExpectedImprovement(best, p.cfg.Xi)
	}

	dim := sp.Dim()
	observed := observedVectors(obs)

	vec := p.maximize(acq, post, dim, obs)
	vec = p.avoidRepeats(vec, observed, post, sp)

	cfg, err := sp.Decode(vec)
	if err != nil {
		return nil, tuning.WrapError(err, "maximizer produced an undecodable vector").WithOperation(op)
	}

	// Decoding can snap integer and categorical coordinates back onto an
	// already-observed grid point. Re-encode and re-check.
	encoded, err := sp.Encode(cfg)
	if err != nil {
		return nil, tuning.WrapError(err, "decoded proposal fell out of the domain").WithOperation(op)
	}
	if collides(encoded, observed, p.cfg.NoRepeatTol) {
		encoded = p.avoidRepeats(encoded, observed, post, sp)
		if cfg, err = sp.Decode(encoded); err != nil {
			return nil, tuning.WrapError(err, "perturbed proposal fell out of the domain").WithOperation(op)
		}
	}

	return cfg, nil
}

// designPoint returns the next unexhausted point of the initial design.
func (p *Proposer) designPoint(sp *space.Space, obs []tuning.Observation) (tuning.Configuration, bool) {
	if len(obs) >= len(p.design) {
		return nil, false
	}
	return p.design[len(obs)].Clone(), true
}

// maximize runs multistart Nelder-Mead over [0,1]^dim. Among near-tied
// maxima, the start that reached higher posterior variance wins, steering
// ties toward unexplored regions.
func (p *Proposer) maximize(acq Function, post *surrogate.Posterior, dim int, obs []tuning.Observation) []float64 {
	objective := func(x []float64) float64 {
		clamped := clampUnit(x)
		mean, variance := post.Predict(clamped)
		return -acq.Score(mean, math.Sqrt(variance))
	}

	problem := optimize.Problem{Func: objective}
	settings := &optimize.Settings{
		Converger: &optimize.FunctionConverge{
			Absolute:   1e-8,
			Relative:   1e-8,
			Iterations: 100,
		},
	}

	restarts := p.cfg.Restarts
	if restarts <= 0 {
		restarts = 5 + int(5*math.Sqrt(float64(dim)))
	}

	starts := make([][]float64, 0, restarts)
	if bestVec := bestVector(obs); bestVec != nil {
		starts = append(starts, append([]float64(nil), bestVec...))
	}
	for len(starts) < restarts {
		s := make([]float64, dim)
		for i := range s {
			s[i] = p.rng.Float64()
		}
		starts = append(starts, s)
	}

	const tieTol = 1e-9
	bestVal := math.Inf(1)
	bestVariance := -1.0
	bestX := starts[0]

	for _, start := range starts {
		result, err := optimize.Minimize(problem, start, settings, &optimize.NelderMead{})
		if err != nil && result == nil {
			continue
		}
		x := clampUnit(result.X)
		val := objective(x)
		_, variance := post.Predict(x)

		better := val < bestVal-tieTol
		tied := math.Abs(val-bestVal) <= tieTol && variance > bestVariance
		if better || tied {
			bestVal = val
			bestVariance = variance
			bestX = x
		}
	}

	return bestX
}

// avoidRepeats perturbs a colliding candidate inside a local neighborhood,
// preferring the perturbation with the highest posterior variance. If every
// attempt collides it falls back to uniform resampling.
func (p *Proposer) avoidRepeats(vec []float64, observed [][]float64, post *surrogate.Posterior, sp *space.Space) []float64 {
	if !collides(vec, observed, p.cfg.NoRepeatTol) {
		return vec
	}

	p.logger.Debug("proposal collides with an observed configuration, perturbing",
		zap.Float64s("vector", vec))

	radius := math.Max(p.cfg.NoRepeatTol*100, 0.02)
	var fallback []float64

	for attempt := 0; attempt < p.cfg.CollisionRetries; attempt++ {
		candidate := make([]float64, len(vec))
		for i := range candidate {
			candidate[i] = clamp01(vec[i] + p.rng.NormFloat64()*radius)
		}
		if !collides(candidate, observed, p.cfg.NoRepeatTol) {
			if fallback == nil {
				fallback = candidate
			} else if variance := varianceAt(post, candidate); variance > varianceAt(post, fallback) {
				fallback = candidate
			}
			continue
		}
		// Widen the neighborhood when the local grid is saturated.
		radius *= 1.5
	}
	if fallback != nil {
		return fallback
	}

	// Saturated neighborhood: resample uniformly until clear.
	for attempt := 0; attempt < p.cfg.CollisionRetries; attempt++ {
		candidate := make([]float64, len(vec))
		for i := range candidate {
			candidate[i] = p.rng.Float64()
		}
		if !collides(candidate, observed, p.cfg.NoRepeatTol) {
			return candidate
		}
	}
	return vec
}

func varianceAt(post *surrogate.Posterior, x []float64) float64 {
	_, variance := post.Predict(x)
	return variance
}

func observedVectors(obs []tuning.Observation) [][]float64 {
	out := make([][]float64, len(obs))
	for i, o := range obs {
		out[i] = o.Vector
	}
	return out
}

func collides(vec []float64, observed [][]float64, tol float64) bool {
	for _, o := range observed {
		var sum float64
		for i := range vec {
			d := vec[i] - o[i]
			sum += d * d
		}
		if math.Sqrt(sum) <= tol {
			return true
		}
	}
	return false
}

func bestObjective(obs []tuning.Observation) float64 {
	best := math.Inf(-1)
	for _, o := range obs {
		if o.Objective > best {
			best = o.Objective
		}
	}
	return best
}

func bestVector(obs []tuning.Observation) []float64 {
	var best []float64
	val := math.Inf(-1)
	for _, o := range obs {
		if o.Objective > val {
			val = o.Objective
			best = o.Vector
		}
	}
	return best
}

func clampUnit(x []float64) []float64 {
	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = clamp01(v)
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
