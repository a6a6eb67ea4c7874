// Package surrogate implements the probabilistic regression model fit to
// the session's observation log. The model is a heteroscedastic Gaussian
// process: every observation carries its own noise level from the
// evaluation aggregator, folded into the covariance diagonal.
//
// Fit is a pure function of the observation view; a Posterior never
// outlives the log it was computed from.
package surrogate

import (
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"

	"github.com/pipetune/pipetune/internal/tuning"
	"github.com/pipetune/pipetune/internal/tuning/kernels"
)

// Config holds the model hyperpriors and numerical knobs.
type Config struct {
	// PriorMean is the predicted mean with fewer than MinObservations
	// observations. Once data exists the empirical mean of the objectives
	// takes over.
	PriorMean float64
	// PriorVariance is the predictive variance of the prior-only model
	// and the initial kernel signal variance.
	PriorVariance float64
	// NoiseFloor is the minimum observation-noise variance folded into
	// the covariance diagonal.
	NoiseFloor float64
	// FitHyperparameters enables marginal-likelihood optimization of the
	// kernel length scale and signal variance on every Fit call. The
	// optimization runs from a fixed start grid, so refitting the same
	// log is idempotent.
	FitHyperparameters bool
	// MinObservations is the observation count below which Fit returns
	// the prior-only posterior.
	MinObservations int
}

// DefaultConfig returns conservative defaults for the normalized [0,1]^d
// space.
func DefaultConfig() Config {
	return Config{
		PriorMean:          0,
		PriorVariance:      1,
		NoiseFloor:         1e-6,
		FitHyperparameters: true,
		MinObservations:    2,
	}
}

// GP fits Gaussian process posteriors to observation logs.
type GP struct {
	cfg    Config
	kernel kernels.Kernel
	logger *zap.Logger
}

// New creates a GP with the given kernel prototype. The kernel's
// hyperparameters are re-estimated on every Fit when enabled.
func New(cfg Config, kernel kernels.Kernel, logger *zap.Logger) *GP {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GP{cfg: cfg, kernel: kernel, logger: logger.Named("surrogate")}
}

// Posterior is the ephemeral predictive distribution over the normalized
// space, recomputed from the full observation set on every Fit.
type Posterior struct {
	prior     bool
	priorMean float64
	priorVar  float64

	kernel kernels.Kernel
	x      *mat.Dense
	chol   *mat.Cholesky
	alpha  *mat.VecDense
	yMean  float64
	n, dim int
}

// Prior reports whether this posterior is the data-free fallback.
func (p *Posterior) Prior() bool { return p.prior }

// Predict returns the posterior mean and variance at a normalized vector.
// Variance is clamped to be non-negative.
func (p *Posterior) Predict(x []float64) (float64, float64) {
	if p.prior {
		return p.priorMean, p.priorVar
	}

	kstar := mat.NewVecDense(p.n, nil)
	for j := 0; j < p.n; j++ {
		kstar.SetVec(j, p.kernel.Eval(x, p.x.RawRowView(j)))
	}

	mean := p.yMean + mat.Dot(kstar, p.alpha)

	v := mat.NewVecDense(p.n, nil)
	variance := p.kernel.Eval(x, x)
	if err := p.chol.SolveVecTo(v, kstar); err == nil {
		variance -= mat.Dot(kstar, v)
	}
	return mean, math.Max(0, variance)
}

// PriorPosterior returns the data-free predictor. Callers fall back to it
// when Fit reports an ill-conditioned covariance.
func (gp *GP) PriorPosterior() *Posterior {
	return &Posterior{prior: true, priorMean: gp.cfg.PriorMean, priorVar: gp.cfg.PriorVariance}
}

// Fit computes the posterior for the given observation log. With fewer
// than MinObservations observations it returns the prior-only posterior
// rather than failing. A covariance that cannot be factorized even after
// jitter escalation fails with ErrIllConditioned.
func (gp *GP) Fit(obs []tuning.Observation) (*Posterior, error) {
	const op = "GP.Fit"

	if len(obs) < gp.cfg.MinObservations || len(obs) < 1 {
		return gp.PriorPosterior(), nil
	}

	n := len(obs)
	dim := len(obs[0].Vector)
	for _, o := range obs {
		if len(o.Vector) != dim {
			return nil, tuning.NewErrorf("observation %d has dimension %d, want %d",
				o.Index, len(o.Vector), dim).WithOperation(op).WithComponent("surrogate")
		}
	}

	x := mat.NewDense(n, dim, nil)
	noise := make([]float64, n)
	var ySum float64
	for i, o := range obs {
		x.SetRow(i, o.Vector)
		noise[i] = math.Max(o.Noise, gp.cfg.NoiseFloor)
		ySum += o.Objective
	}
	yMean := ySum / float64(n)
	y := mat.NewVecDense(n, nil)
	for i, o := range obs {
		y.SetVec(i, o.Objective-yMean)
	}

	if gp.cfg.FitHyperparameters {
		gp.fitHyperparameters(x, y, noise)
	}

	chol, jitter, err := gp.factorize(x, noise)
	if err != nil {
		return nil, err
	}

	alpha := mat.NewVecDense(n, nil)
	if err := chol.SolveVecTo(alpha, y); err != nil {
		return nil, tuning.WrapError(tuning.ErrIllConditioned, err.Error()).
			WithOperation(op).WithComponent("surrogate")
	}

	gp.logger.Debug("fitted surrogate",
		zap.Int("observations", n),
		zap.Int("dim", dim),
		zap.Float64("jitter", jitter),
		zap.Float64s("hyperparameters", gp.kernel.Hyperparameters()),
	)

	return &Posterior{
		kernel: gp.kernel.Clone(),
		x:      x,
		chol:   chol,
		alpha:  alpha,
		yMean:  yMean,
		n:      n,
		dim:    dim,
	}, nil
}

// factorize builds the noisy covariance matrix and factorizes it,
// escalating a diagonal jitter when near-duplicate configurations make the
// matrix numerically indefinite.
func (gp *GP) factorize(x *mat.Dense, noise []float64) (*mat.Cholesky, float64, error) {
	const op = "GP.factorize"
	const maxAttempts = 8

	n, _ := x.Dims()
	base := gp.covariance(x, noise)

	jitter := 0.0
	for attempt := 0; attempt < maxAttempts; attempt++ {
		k := mat.NewSymDense(n, nil)
		k.CopySym(base)
		if jitter > 0 {
			for i := 0; i < n; i++ {
				k.SetSym(i, i, k.At(i, i)+jitter)
			}
		}

		var chol mat.Cholesky
		if chol.Factorize(k) {
			return &chol, jitter, nil
		}

		if jitter == 0 {
			jitter = 1e-10
		} else {
			jitter *= 10
		}
		gp.logger.Debug("cholesky failed, escalating jitter",
			zap.Int("attempt", attempt+1),
			zap.Float64("jitter", jitter),
		)
	}

	return nil, 0, tuning.WrapErrorf(tuning.ErrIllConditioned,
		"covariance not positive definite after %d jitter attempts", maxAttempts).
		WithOperation(op).WithComponent("surrogate")
}

// covariance computes K(X, X) with per-observation noise on the diagonal.
func (gp *GP) covariance(x *mat.Dense, noise []float64) *mat.SymDense {
	n, _ := x.Dims()
	k := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		xi := x.RawRowView(i)
		k.SetSym(i, i, gp.kernel.Eval(xi, xi)+noise[i])
		for j := i + 1; j < n; j++ {
			k.SetSym(i, j, gp.kernel.Eval(xi, x.RawRowView(j)))
		}
	}
	return k
}

// fitHyperparameters maximizes the log marginal likelihood over
// (log lengthScale, log signalVariance) with Nelder-Mead from a fixed
// start grid. Failures leave the current hyperparameters untouched.
func (gp *GP) fitHyperparameters(x *mat.Dense, y *mat.VecDense, noise []float64) {
	problem := optimize.Problem{
		Func: func(theta []float64) float64 {
			return -gp.logMarginalLikelihood(x, y, noise, math.Exp(theta[0]), math.Exp(theta[1]))
		},
	}
	settings := &optimize.Settings{
		Converger: &optimize.FunctionConverge{
			Absolute:   1e-6,
			Relative:   1e-6,
			Iterations: 50,
		},
	}

	// Deterministic starts keep refits idempotent for the same log.
	starts := [][2]float64{
		{0.1, gp.cfg.PriorVariance},
		{0.3, gp.cfg.PriorVariance},
		{1.0, gp.cfg.PriorVariance},
	}

	bestVal := math.Inf(1)
	var bestTheta []float64
	for _, s := range starts {
		start := []float64{math.Log(s[0]), math.Log(s[1])}
		result, err := optimize.Minimize(problem, start, settings, &optimize.NelderMead{})
		if err != nil || math.IsInf(result.F, 1) || math.IsNaN(result.F) {
			continue
		}
		if result.F < bestVal {
			bestVal = result.F
			bestTheta = append([]float64(nil), result.X...)
		}
	}

	if bestTheta == nil {
		gp.logger.Debug("hyperparameter fit failed on all starts, keeping current kernel")
		return
	}

	ls := math.Exp(bestTheta[0])
	sv := math.Exp(bestTheta[1])
	if err := gp.kernel.SetHyperparameters([]float64{ls, sv}); err != nil {
		gp.logger.Warn("rejected fitted hyperparameters", zap.Error(err))
	}
}

// logMarginalLikelihood evaluates the GP evidence for candidate kernel
// hyperparameters. Returns -Inf for parameterizations whose covariance
// cannot be factorized.
func (gp *GP) logMarginalLikelihood(x *mat.Dense, y *mat.VecDense, noise []float64, lengthScale, signalVar float64) float64 {
	if lengthScale <= 0 || signalVar <= 0 ||
		math.IsInf(lengthScale, 0) || math.IsInf(signalVar, 0) {
		return math.Inf(-1)
	}

	saved := gp.kernel.Hyperparameters()
	if err := gp.kernel.SetHyperparameters([]float64{lengthScale, signalVar}); err != nil {
		return math.Inf(-1)
	}
	defer func() { _ = gp.kernel.SetHyperparameters(saved) }()

	n := y.Len()
	k := gp.covariance(x, noise)

	var chol mat.Cholesky
	if !chol.Factorize(k) {
		return math.Inf(-1)
	}

	alpha := mat.NewVecDense(n, nil)
	if err := chol.SolveVecTo(alpha, y); err != nil {
		return math.Inf(-1)
	}

	return -0.5*mat.Dot(y, alpha) - 0.5*chol.LogDet() - 0.5*float64(n)*math.Log(2*math.Pi)
}
