// Package acquisition picks the next configuration to evaluate by
// maximizing an acquisition function over the surrogate posterior,
// trading exploration against exploitation.
package acquisition

import (
	"gonum.org/v1/gonum/stat/distuv"
)

// Function scores a posterior prediction. Higher is more promising.
// The objective is maximized throughout.
type Function interface {
	Score(mean, sigma float64) float64
}

// ExpectedImprovement scores points by their expected objective gain over
// the best observed value, discounted by the exploration margin xi.
type ExpectedImprovement struct {
	best float64
	xi   float64
}

// NewExpectedImprovement creates an EI function for a maximization
// objective with the given incumbent.
func NewExpectedImprovement(best, xi float64) *ExpectedImprovement {
	return &ExpectedImprovement{best: best, xi: xi}
}

// Score computes EI = improvement*Φ(z) + sigma*φ(z) with
// improvement = mean - best - xi and z = improvement/sigma.
func (ei *ExpectedImprovement) Score(mean, sigma float64) float64 {
	improvement := mean - ei.best - ei.xi

	// With no predictive uncertainty the expectation collapses to the
	// plain improvement.
	if sigma <= 1e-12 {
		if improvement > 0 {
			return improvement
		}
		return 0
	}

	z := improvement / sigma
	stdNormal := distuv.UnitNormal
	return improvement*stdNormal.CDF(z) + sigma*stdNormal.Prob(z)
}

// UpperConfidenceBound scores points optimistically: mean + beta*sigma.
type UpperConfidenceBound struct {
	beta float64
}

// NewUpperConfidenceBound creates a UCB function with exploration
// coefficient beta.
func NewUpperConfidenceBound(beta float64) *UpperConfidenceBound {
	return &UpperConfidenceBound{beta: beta}
}

// Score computes mean + beta*sigma.
func (u *UpperConfidenceBound) Score(mean, sigma float64) float64 {
	return mean + u.beta*sigma
}
