// Package space models the domain being searched: bounds, types and
// normalization for each tunable pipeline parameter. The surrogate and
// acquisition math operate exclusively on the normalized [0,1]^d encoding
// produced here.
package space

import (
	"fmt"
	"math"
	"math/rand"

	"golang.org/x/exp/constraints"

	"github.com/pipetune/pipetune/internal/tuning"
)

// Kind identifies the value domain of a parameter.
type Kind string

const (
	Continuous  Kind = "continuous"
	Integer     Kind = "integer"
	Categorical Kind = "categorical"
)

// ParameterSpec describes one tunable parameter.
type ParameterSpec struct {
	Name string `json:"name"`
	Kind Kind   `json:"kind"`

	// Min and Max bound continuous and integer parameters (inclusive).
	Min float64 `json:"min,omitempty"`
	Max float64 `json:"max,omitempty"`

	// Step optionally quantizes a continuous parameter to a grid anchored
	// at Min. Zero means no quantization. Pipeline settings typically only
	// accept a few decimals, so decoded values snap to this grid.
	Step float64 `json:"step,omitempty"`

	// Levels are the allowed values of a categorical parameter. The slice
	// order fixes the ordinal encoding for the whole session.
	Levels []string `json:"levels,omitempty"`

	// Default is the host's current value, used for warm starts.
	// For categorical parameters it is the ordinal index.
	Default float64 `json:"default"`
}

// Space is an ordered sequence of parameter specs. The order is fixed for
// the session lifetime and defines a fixed-dimension vector encoding.
type Space struct {
	specs []ParameterSpec
}

// New validates the specs and builds a Space.
func New(specs []ParameterSpec) (*Space, error) {
	const op = "space.New"

	if len(specs) == 0 {
		return nil, tuning.NewError("parameter space must not be empty").WithOperation(op)
	}

	seen := make(map[string]struct{}, len(specs))
	for i, s := range specs {
		if s.Name == "" {
			return nil, tuning.NewErrorf("parameter %d has no name", i).WithOperation(op)
		}
		if _, dup := seen[s.Name]; dup {
			return nil, tuning.NewErrorf("duplicate parameter name %q", s.Name).WithOperation(op)
		}
		seen[s.Name] = struct{}{}

		switch s.Kind {
		case Continuous, Integer:
			if !(s.Min < s.Max) {
				return nil, tuning.NewErrorf("parameter %q: bounds must satisfy low < high, got [%v, %v]",
					s.Name, s.Min, s.Max).WithOperation(op)
			}
			if s.Step < 0 || s.Step >= s.Max-s.Min {
				return nil, tuning.NewErrorf("parameter %q: step %v outside (0, max-min)", s.Name, s.Step).WithOperation(op)
			}
			if s.Kind == Integer && s.Step != 0 {
				return nil, tuning.NewErrorf("parameter %q: integer parameters have an implicit step", s.Name).WithOperation(op)
			}
		case Categorical:
			if len(s.Levels) < 2 {
				return nil, tuning.NewErrorf("parameter %q: categorical parameters need at least 2 levels", s.Name).WithOperation(op)
			}
		default:
			return nil, tuning.NewErrorf("parameter %q: unknown kind %q", s.Name, s.Kind).WithOperation(op)
		}
	}

	// Copy so later mutation of the caller's slice cannot change the
	// session's fixed encoding.
	owned := make([]ParameterSpec, len(specs))
	copy(owned, specs)
	return &Space{specs: owned}, nil
}

// Dim returns the dimension of the normalized vector encoding.
func (sp *Space) Dim() int { return len(sp.specs) }

// Specs returns a copy of the parameter specs in encoding order.
func (sp *Space) Specs() []ParameterSpec {
	out := make([]ParameterSpec, len(sp.specs))
	copy(out, sp.specs)
	return out
}

// Default returns the configuration of per-parameter defaults.
func (sp *Space) Default() tuning.Configuration {
	cfg := make(tuning.Configuration, len(sp.specs))
	for _, s := range sp.specs {
		cfg[s.Name] = s.Default
	}
	return cfg
}

// Encode maps a configuration to its normalized [0,1]^d vector.
// Values outside the parameter domain fail with ErrOutOfDomain.
func (sp *Space) Encode(cfg tuning.Configuration) ([]float64, error) {
	const op = "space.Encode"

	vec := make([]float64, len(sp.specs))
	for i, s := range sp.specs {
		v, ok := cfg[s.Name]
		if !ok {
			return nil, tuning.WrapErrorf(tuning.ErrOutOfDomain, "missing parameter %q", s.Name).WithOperation(op)
		}
		switch s.Kind {
		case Continuous, Integer:
			if v < s.Min || v > s.Max {
				return nil, tuning.WrapErrorf(tuning.ErrOutOfDomain,
					"parameter %q: value %v outside [%v, %v]", s.Name, v, s.Min, s.Max).WithOperation(op)
			}
			vec[i] = (v - s.Min) / (s.Max - s.Min)
		case Categorical:
			idx := int(math.Round(v))
			if float64(idx) != v || idx < 0 || idx >= len(s.Levels) {
				return nil, tuning.WrapErrorf(tuning.ErrOutOfDomain,
					"parameter %q: level index %v outside [0, %d]", s.Name, v, len(s.Levels)-1).WithOperation(op)
			}
			vec[i] = float64(idx) / float64(len(s.Levels)-1)
		}
	}
	return vec, nil
}

// Decode maps a normalized vector back to a configuration. It is the exact
// inverse of Encode for values within bounds: integers round to the nearest
// whole value, categoricals to the nearest ordinal level, and continuous
// parameters snap to the step grid when one is configured.
func (sp *Space) Decode(vec []float64) (tuning.Configuration, error) {
	const op = "space.Decode"

	if len(vec) != len(sp.specs) {
		return nil, tuning.NewErrorf("vector dimension %d does not match space dimension %d",
			len(vec), len(sp.specs)).WithOperation(op)
	}

	cfg := make(tuning.Configuration, len(sp.specs))
	for i, s := range sp.specs {
		u := vec[i]
		// Tolerate numerical spill from the optimizer.
		if u < -unitTol || u > 1+unitTol {
			return nil, tuning.WrapErrorf(tuning.ErrOutOfDomain,
				"coordinate %d: normalized value %v outside [0,1]", i, u).WithOperation(op)
		}
		u = clamp(u, 0, 1)

		switch s.Kind {
		case Continuous:
			v := s.Min + u*(s.Max-s.Min)
			if s.Step > 0 {
				v = s.Min + math.Round((v-s.Min)/s.Step)*s.Step
			}
			cfg[s.Name] = clamp(v, s.Min, s.Max)
		case Integer:
			cfg[s.Name] = clamp(math.Round(s.Min+u*(s.Max-s.Min)), s.Min, s.Max)
		case Categorical:
			cfg[s.Name] = math.Round(u * float64(len(s.Levels)-1))
		}
	}
	return cfg, nil
}

// Level resolves a categorical parameter's value in cfg to its level name.
func (sp *Space) Level(cfg tuning.Configuration, name string) (string, error) {
	for _, s := range sp.specs {
		if s.Name != name {
			continue
		}
		if s.Kind != Categorical {
			return "", fmt.Errorf("parameter %q is not categorical", name)
		}
		idx := int(math.Round(cfg[name]))
		if idx < 0 || idx >= len(s.Levels) {
			return "", tuning.WrapErrorf(tuning.ErrOutOfDomain, "parameter %q: level index %d", name, idx)
		}
		return s.Levels[idx], nil
	}
	return "", fmt.Errorf("unknown parameter %q", name)
}

// SampleUniform draws one configuration uniformly from the domain.
func (sp *Space) SampleUniform(rng *rand.Rand) tuning.Configuration {
	vec := make([]float64, len(sp.specs))
	for i := range vec {
		vec[i] = rng.Float64()
	}
	cfg, _ := sp.Decode(vec)
	return cfg
}

// SampleLatinHypercube generates n configurations with a Latin hypercube
// design: each dimension is stratified into n bins and the bin order is
// shuffled independently per dimension.
func (sp *Space) SampleLatinHypercube(n int, rng *rand.Rand) []tuning.Configuration {
	if n <= 0 {
		return nil
	}

	d := len(sp.specs)
	unit := make([][]float64, n)
	for j := range unit {
		unit[j] = make([]float64, d)
	}

	for i := 0; i < d; i++ {
		col := make([]float64, n)
		for j := 0; j < n; j++ {
			col[j] = (float64(j) + rng.Float64()) / float64(n)
		}
		rng.Shuffle(n, func(k, l int) {
			col[k], col[l] = col[l], col[k]
		})
		for j := 0; j < n; j++ {
			unit[j][i] = col[j]
		}
	}

	out := make([]tuning.Configuration, n)
	for j := range unit {
		cfg, _ := sp.Decode(unit[j])
		out[j] = cfg
	}
	return out
}

const unitTol = 1e-9

func clamp[T constraints.Ordered](v, lo, hi T) T {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
