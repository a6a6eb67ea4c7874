package kernels

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSquaredExponential(t *testing.T) {
	k, err := NewSquaredExponential(0.5, 2.0)
	require.NoError(t, err)

	t.Run("diagonal equals signal variance", func(t *testing.T) {
		x := []float64{0.3, 0.7}
		assert.InDelta(t, 2.0, k.Eval(x, x), 1e-12)
	})

	t.Run("symmetry", func(t *testing.T) {
		a, b := []float64{0.1, 0.2}, []float64{0.8, 0.4}
		assert.Equal(t, k.Eval(a, b), k.Eval(b, a))
	})

	t.Run("decays with distance", func(t *testing.T) {
		o := []float64{0, 0}
		near := k.Eval(o, []float64{0.1, 0})
		far := k.Eval(o, []float64{0.9, 0})
		assert.Greater(t, near, far)
		assert.Greater(t, far, 0.0)
	})

	t.Run("rejects non-positive parameters", func(t *testing.T) {
		_, err := NewSquaredExponential(0, 1)
		require.Error(t, err)
		_, err = NewSquaredExponential(1, -1)
		require.Error(t, err)
	})
}

func TestMatern52(t *testing.T) {
	k, err := NewMatern52(0.5, 1.0)
	require.NoError(t, err)

	t.Run("diagonal equals signal variance", func(t *testing.T) {
		x := []float64{0.5}
		assert.InDelta(t, 1.0, k.Eval(x, x), 1e-12)
	})

	t.Run("heavier tail than squared exponential", func(t *testing.T) {
		se, err := NewSquaredExponential(0.5, 1.0)
		require.NoError(t, err)
		o, far := []float64{0}, []float64{1}
		assert.Greater(t, k.Eval(o, far), se.Eval(o, far))
	})
}

func TestSetHyperparameters(t *testing.T) {
	for name, k := range map[string]Kernel{
		"squared-exponential": mustSE(t),
		"matern52":            mustMatern(t),
	} {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, k.SetHyperparameters([]float64{0.2, 3.0}))
			assert.Equal(t, []float64{0.2, 3.0}, k.Hyperparameters())

			assert.Error(t, k.SetHyperparameters([]float64{0.2}))
			assert.Error(t, k.SetHyperparameters([]float64{-0.2, 3.0}))
		})
	}
}

func mustSE(t *testing.T) *SquaredExponential {
	t.Helper()
	k, err := NewSquaredExponential(1, 1)
	require.NoError(t, err)
	return k
}

func mustMatern(t *testing.T) *Matern52 {
	t.Helper()
	k, err := NewMatern52(1, 1)
	require.NoError(t, err)
	return k
}
