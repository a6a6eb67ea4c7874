package aggregate

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipetune/pipetune/internal/tuning"
)

func TestNewValidation(t *testing.T) {
	t.Run("rejects non-positive noise", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.AutomatedNoise = 0
		_, err := New(cfg)
		require.Error(t, err)
	})

	t.Run("rejects zero weight sum", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.AutomatedWeight = 0
		cfg.ManualWeight = 0
		_, err := New(cfg)
		require.Error(t, err)
	})
}

func TestAggregateSingleSignal(t *testing.T) {
	agg, err := New(DefaultConfig())
	require.NoError(t, err)

	t.Run("automated only", func(t *testing.T) {
		obj, noise, src, err := agg.Aggregate(tuning.Automated(0.7), tuning.Absent())
		require.NoError(t, err)
		assert.Equal(t, 0.7, obj)
		assert.Equal(t, DefaultConfig().AutomatedNoise, noise)
		assert.Equal(t, tuning.SourceAutomated, src)
	})

	t.Run("manual only", func(t *testing.T) {
		obj, noise, src, err := agg.Aggregate(tuning.Absent(), tuning.Manual(0.9))
		require.NoError(t, err)
		assert.Equal(t, 0.9, obj)
		assert.Equal(t, DefaultConfig().ManualNoise, noise)
		assert.Equal(t, tuning.SourceManual, src)
	})
}

func TestAggregateBlend(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AutomatedWeight = 1
	cfg.ManualWeight = 3
	agg, err := New(cfg)
	require.NoError(t, err)

	obj, noise, src, err := agg.Aggregate(tuning.Automated(0.4), tuning.Manual(0.8))
	require.NoError(t, err)
	assert.InDelta(t, 0.7, obj, 1e-12, "weighted blend (0.4 + 3*0.8)/4")
	assert.Equal(t, tuning.SourceBlended, src)

	// Blended noise is the weighted combination, never below the more
	// confident component.
	want := (cfg.AutomatedWeight*cfg.AutomatedNoise + cfg.ManualWeight*cfg.ManualNoise) / 4
	assert.InDelta(t, want, noise, 1e-12)
	assert.GreaterOrEqual(t, noise, cfg.ManualNoise)
}

func TestAggregateNoSignal(t *testing.T) {
	agg, err := New(DefaultConfig())
	require.NoError(t, err)

	_, _, _, err = agg.Aggregate(tuning.Absent(), tuning.Absent())
	require.Error(t, err)
	assert.True(t, errors.Is(err, tuning.ErrNoSignal))
}

func TestAggregateRejection(t *testing.T) {
	agg, err := New(DefaultConfig())
	require.NoError(t, err)

	t.Run("rejection alone", func(t *testing.T) {
		obj, noise, src, err := agg.Aggregate(tuning.Absent(), tuning.Rejected())
		require.NoError(t, err)
		assert.Equal(t, DefaultConfig().RejectionObjective, obj)
		assert.Equal(t, DefaultConfig().ManualNoise, noise)
		assert.Equal(t, tuning.SourceManual, src)
	})

	t.Run("rejection overrides automated score", func(t *testing.T) {
		obj, _, _, err := agg.Aggregate(tuning.Automated(0.95), tuning.Rejected())
		require.NoError(t, err)
		assert.Equal(t, DefaultConfig().RejectionObjective, obj,
			"an operator veto wins over a good automated score")
	})
}
