package space

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipetune/pipetune/internal/tuning"
)

func testSpace(t *testing.T) *Space {
	t.Helper()
	sp, err := New([]ParameterSpec{
		{Name: "threshold", Kind: Continuous, Min: 0, Max: 1, Default: 0.5},
		{Name: "window", Kind: Integer, Min: 3, Max: 15, Default: 5},
		{Name: "method", Kind: Categorical, Levels: []string{"otsu", "adaptive", "fixed"}, Default: 0},
	})
	require.NoError(t, err)
	return sp
}

func TestNewValidation(t *testing.T) {
	t.Run("empty space", func(t *testing.T) {
		_, err := New(nil)
		require.Error(t, err)
	})

	t.Run("inverted bounds", func(t *testing.T) {
		_, err := New([]ParameterSpec{{Name: "a", Kind: Continuous, Min: 1, Max: 0}})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "low < high")
	})

	t.Run("duplicate names", func(t *testing.T) {
		_, err := New([]ParameterSpec{
			{Name: "a", Kind: Continuous, Min: 0, Max: 1},
			{Name: "a", Kind: Continuous, Min: 0, Max: 1},
		})
		require.Error(t, err)
	})

	t.Run("categorical needs levels", func(t *testing.T) {
		_, err := New([]ParameterSpec{{Name: "m", Kind: Categorical, Levels: []string{"only"}}})
		require.Error(t, err)
	})
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	sp := testSpace(t)

	cases := []tuning.Configuration{
		{"threshold": 0.0, "window": 3, "method": 0},
		{"threshold": 1.0, "window": 15, "method": 2},
		{"threshold": 0.25, "window": 7, "method": 1},
		sp.Default(),
	}

	for _, cfg := range cases {
		vec, err := sp.Encode(cfg)
		require.NoError(t, err)
		require.Len(t, vec, sp.Dim())
		for _, u := range vec {
			assert.GreaterOrEqual(t, u, 0.0)
			assert.LessOrEqual(t, u, 1.0)
		}

		back, err := sp.Decode(vec)
		require.NoError(t, err)
		for name, want := range cfg {
			assert.InDelta(t, want, back[name], 1e-12, "parameter %s", name)
		}
	}
}

func TestEncodeOutOfDomain(t *testing.T) {
	sp := testSpace(t)

	t.Run("value above bound", func(t *testing.T) {
		_, err := sp.Encode(tuning.Configuration{"threshold": 1.5, "window": 5, "method": 0})
		require.Error(t, err)
		assert.True(t, errors.Is(err, tuning.ErrOutOfDomain))
	})

	t.Run("missing parameter", func(t *testing.T) {
		_, err := sp.Encode(tuning.Configuration{"threshold": 0.5})
		require.Error(t, err)
		assert.True(t, errors.Is(err, tuning.ErrOutOfDomain))
	})

	t.Run("fractional categorical index", func(t *testing.T) {
		_, err := sp.Encode(tuning.Configuration{"threshold": 0.5, "window": 5, "method": 0.4})
		require.Error(t, err)
		assert.True(t, errors.Is(err, tuning.ErrOutOfDomain))
	})
}

func TestDecodeRejectsOutOfUnitCube(t *testing.T) {
	sp := testSpace(t)

	_, err := sp.Decode([]float64{1.2, 0.5, 0.5})
	require.Error(t, err)
	assert.True(t, errors.Is(err, tuning.ErrOutOfDomain))

	_, err = sp.Decode([]float64{0.5, 0.5})
	require.Error(t, err, "dimension mismatch")
}

func TestStepQuantization(t *testing.T) {
	sp, err := New([]ParameterSpec{
		{Name: "scale", Kind: Continuous, Min: 0, Max: 10, Step: 0.5, Default: 1},
	})
	require.NoError(t, err)

	cfg, err := sp.Decode([]float64{0.33})
	require.NoError(t, err)
	got := cfg["scale"]
	assert.InDelta(t, 3.5, got, 1e-12, "3.3 snaps to the 0.5 grid")

	// Grid values round-trip exactly.
	vec, err := sp.Encode(cfg)
	require.NoError(t, err)
	back, err := sp.Decode(vec)
	require.NoError(t, err)
	assert.Equal(t, got, back["scale"])
}

func TestSampleUniformInBounds(t *testing.T) {
	sp := testSpace(t)
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 50; i++ {
		cfg := sp.SampleUniform(rng)
		_, err := sp.Encode(cfg)
		require.NoError(t, err, "sampled configuration must lie in the domain")
	}
}

func TestSampleLatinHypercube(t *testing.T) {
	sp := testSpace(t)
	rng := rand.New(rand.NewSource(42))

	const n = 8
	design := sp.SampleLatinHypercube(n, rng)
	require.Len(t, design, n)

	// Stratification: thresholds must cover distinct 1/n bins.
	bins := make(map[int]bool)
	for _, cfg := range design {
		_, err := sp.Encode(cfg)
		require.NoError(t, err)
		bins[int(cfg["threshold"]*n)] = true
	}
	assert.GreaterOrEqual(t, len(bins), n-1, "continuous dimension should be stratified")

	assert.Nil(t, sp.SampleLatinHypercube(0, rng))
}

func TestLevelLookup(t *testing.T) {
	sp := testSpace(t)

	name, err := sp.Level(tuning.Configuration{"method": 1}, "method")
	require.NoError(t, err)
	assert.Equal(t, "adaptive", name)

	_, err = sp.Level(tuning.Configuration{"threshold": 0.1}, "threshold")
	require.Error(t, err)
}
