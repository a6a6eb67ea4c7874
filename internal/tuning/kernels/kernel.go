// Package kernels provides covariance functions for the Gaussian process
// surrogate. Inputs are normalized [0,1] parameter vectors.
package kernels

import (
	"fmt"
	"math"
)

// Kernel is a positive-definite covariance function over parameter vectors.
type Kernel interface {
	// Eval computes the covariance between two points.
	Eval(x1, x2 []float64) float64

	// Hyperparameters returns the current hyperparameters in the order
	// expected by SetHyperparameters.
	Hyperparameters() []float64

	// SetHyperparameters replaces the kernel's hyperparameters.
	SetHyperparameters(params []float64) error

	// Clone returns an independent copy of the kernel. Posteriors hold a
	// clone so later hyperparameter refits cannot mutate them.
	Clone() Kernel
}

// SquaredExponential is the RBF kernel: smooth, infinitely differentiable.
// Hyperparameters: [lengthScale, signalVariance].
type SquaredExponential struct {
	lengthScale float64
	signalVar   float64
}

// NewSquaredExponential validates the parameters and returns the kernel.
func NewSquaredExponential(lengthScale, signalVar float64) (*SquaredExponential, error) {
	if lengthScale <= 0 || signalVar <= 0 {
		return nil, fmt.Errorf("kernel hyperparameters must be positive, got lengthScale=%v signalVar=%v",
			lengthScale, signalVar)
	}
	return &SquaredExponential{lengthScale: lengthScale, signalVar: signalVar}, nil
}

// Eval computes signalVar * exp(-||x1-x2||^2 / (2 l^2)).
func (k *SquaredExponential) Eval(x1, x2 []float64) float64 {
	return k.signalVar * math.Exp(-sqDist(x1, x2)/(2*k.lengthScale*k.lengthScale))
}

// Hyperparameters returns [lengthScale, signalVariance].
func (k *SquaredExponential) Hyperparameters() []float64 {
	return []float64{k.lengthScale, k.signalVar}
}

// SetHyperparameters replaces [lengthScale, signalVariance].
func (k *SquaredExponential) SetHyperparameters(params []float64) error {
	if err := checkPair(params); err != nil {
		return err
	}
	k.lengthScale, k.signalVar = params[0], params[1]
	return nil
}

// Clone returns an independent copy.
func (k *SquaredExponential) Clone() Kernel {
	c := *k
	return &c
}

// Matern52 is the Matérn 5/2 kernel, a rougher alternative to the squared
// exponential that tolerates less smooth objectives.
// Hyperparameters: [lengthScale, signalVariance].
type Matern52 struct {
	lengthScale float64
	signalVar   float64
}

// NewMatern52 validates the parameters and returns the kernel.
func NewMatern52(lengthScale, signalVar float64) (*Matern52, error) {
	if lengthScale <= 0 || signalVar <= 0 {
		return nil, fmt.Errorf("kernel hyperparameters must be positive, got lengthScale=%v signalVar=%v",
			lengthScale, signalVar)
	}
	return &Matern52{lengthScale: lengthScale, signalVar: signalVar}, nil
}

// Eval computes the Matérn 5/2 covariance.
func (k *Matern52) Eval(x1, x2 []float64) float64 {
	r := math.Sqrt(sqDist(x1, x2)) / k.lengthScale
	sqrt5r := math.Sqrt(5) * r
	return k.signalVar * (1 + sqrt5r + (5.0/3.0)*r*r) * math.Exp(-sqrt5r)
}

// Hyperparameters returns [lengthScale, signalVariance].
func (k *Matern52) Hyperparameters() []float64 {
	return []float64{k.lengthScale, k.signalVar}
}

// SetHyperparameters replaces [lengthScale, signalVariance].
func (k *Matern52) SetHyperparameters(params []float64) error {
	if err := checkPair(params); err != nil {
		return err
	}
	k.lengthScale, k.signalVar = params[0], params[1]
	return nil
}

// Clone returns an independent copy.
func (k *Matern52) Clone() Kernel {
	c := *k
	return &c
}

func sqDist(x1, x2 []float64) float64 {
	var sum float64
	for i := range x1 {
		d := x1[i] - x2[i]
		sum += d * d
	}
	return sum
}

func checkPair(params []float64) error {
	if len(params) != 2 {
		return fmt.Errorf("expected 2 hyperparameters, got %d", len(params))
	}
	if params[0] <= 0 || params[1] <= 0 {
		return fmt.Errorf("hyperparameters must be positive, got %v", params)
	}
	return nil
}
