// Package optimize provides the parameter search strategies used by the
// training pipeline: exhaustive grid, uniform random, and Bayesian search
// behind a single contract.
package optimize

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
)

// ParamKind represents a parameter domain kind
type ParamKind string

const (
	ParamContinuous ParamKind = "continuous"
	ParamInteger    ParamKind = "integer"
	ParamEnum       ParamKind = "enum"
)

// Parameter declares one axis of a strategy's search space.
type Parameter struct {
	Name    string    `json:"name"`
	Kind    ParamKind `json:"kind"`
	Min     float64   `json:"min,omitempty"`
	Max     float64   `json:"max,omitempty"`
	Step    float64   `json:"step,omitempty"`    // grid step; 0 = default resolution
	Choices []float64 `json:"choices,omitempty"` // enum values
}

// ParameterSpace is an ordered list of parameter declarations. Order is
// significant: grid enumeration and vector normalization follow it.
type ParameterSpace []Parameter

// Vector is a concrete point in a parameter space. Immutable once handed
// to an objective.
type Vector map[string]float64

// Clone returns an independent copy of the vector.
func (v Vector) Clone() Vector {
	out := make(Vector, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}

// Key returns a stable string form of the vector, usable for dedup maps.
func (v Vector) Key() string {
	names := make([]string, 0, len(v))
	for k := range v {
		names = append(names, k)
	}
	sort.Strings(names)
	s := ""
	for _, k := range names {
		s += fmt.Sprintf("%s=%.12g;", k, v[k])
	}
	return s
}

// Validate checks the space is well formed.
func (ps ParameterSpace) Validate() error {
	if len(ps) == 0 {
		return fmt.Errorf("parameter space is empty")
	}
	seen := make(map[string]bool, len(ps))
	for _, p := range ps {
		if p.Name == "" {
			return fmt.Errorf("parameter with empty name")
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate parameter %q", p.Name)
		}
		seen[p.Name] = true
		switch p.Kind {
		case ParamContinuous, ParamInteger:
			if p.Max < p.Min {
				return fmt.Errorf("parameter %q: max %v < min %v", p.Name, p.Max, p.Min)
			}
		case ParamEnum:
			if len(p.Choices) == 0 {
				return fmt.Errorf("parameter %q: enum with no choices", p.Name)
			}
		default:
			return fmt.Errorf("parameter %q: unknown kind %q", p.Name, p.Kind)
		}
	}
	return nil
}

// Sample draws one uniform vector from the space using rng.
func (ps ParameterSpace) Sample(rng *rand.Rand) Vector {
	v := make(Vector, len(ps))
	for _, p := range ps {
		v[p.Name] = p.sample(rng)
	}
	return v
}

func (p Parameter) sample(rng *rand.Rand) float64 {
	switch p.Kind {
	case ParamEnum:
		return p.Choices[rng.Intn(len(p.Choices))]
	case ParamInteger:
		lo, hi := int(math.Round(p.Min)), int(math.Round(p.Max))
		if hi <= lo {
			return float64(lo)
		}
		return float64(lo + rng.Intn(hi-lo+1))
	default:
		return p.Min + rng.Float64()*(p.Max-p.Min)
	}
}

// gridValues returns the axis values for grid enumeration. Continuous axes
// are discretized by Step, or defaultPoints evenly spaced points when Step
// is zero.
func (p Parameter) gridValues(defaultPoints int) []float64 {
	switch p.Kind {
	case ParamEnum:
		vals := make([]float64, len(p.Choices))
		copy(vals, p.Choices)
		return vals
	case ParamInteger:
		step := p.Step
		if step <= 0 {
			step = 1
		}
		var vals []float64
		for v := p.Min; v <= p.Max+1e-9; v += step {
			vals = append(vals, math.Round(v))
		}
		return vals
	default:
		if p.Max == p.Min {
			return []float64{p.Min}
		}
		if p.Step > 0 {
			var vals []float64
			for v := p.Min; v <= p.Max+1e-9; v += p.Step {
				vals = append(vals, v)
			}
			return vals
		}
		n := defaultPoints
		if n < 2 {
			n = 2
		}
		vals := make([]float64, n)
		span := p.Max - p.Min
		for i := 0; i < n; i++ {
			vals[i] = p.Min + span*float64(i)/float64(n-1)
		}
		return vals
	}
}

// normalize maps a vector into [0,1]^d following the space's declared order.
// Enum axes map to the index of the chosen value.
func (ps ParameterSpace) normalize(v Vector) []float64 {
	x := make([]float64, len(ps))
	for i, p := range ps {
		val := v[p.Name]
		switch p.Kind {
		case ParamEnum:
			idx := 0
			for j, c := range p.Choices {
				if c == val {
					idx = j
					break
				}
			}
			if len(p.Choices) > 1 {
				x[i] = float64(idx) / float64(len(p.Choices)-1)
			}
		default:
			if p.Max > p.Min {
				x[i] = (val - p.Min) / (p.Max - p.Min)
			}
		}
	}
	return x
}

// latinHypercube draws n space-filling samples: each axis is split into n
// strata and the strata are permuted independently per axis.
func (ps ParameterSpace) latinHypercube(n int, rng *rand.Rand) []Vector {
	if n <= 0 {
		return nil
	}
	cols := make([][]float64, len(ps))
	for d := range ps {
		col := make([]float64, n)
		for i := 0; i < n; i++ {
			col[i] = (float64(i) + rng.Float64()) / float64(n)
		}
		rng.Shuffle(n, func(a, b int) { col[a], col[b] = col[b], col[a] })
		cols[d] = col
	}
	out := make([]Vector, n)
	for i := 0; i < n; i++ {
		v := make(Vector, len(ps))
		for d, p := range ps {
			v[p.Name] = p.denorm(cols[d][i])
		}
		out[i] = v
	}
	return out
}

// denorm maps a unit-interval coordinate back to the parameter domain.
func (p Parameter) denorm(u float64) float64 {
	if u < 0 {
		u = 0
	}
	if u > 1 {
		u = 1
	}
	switch p.Kind {
	case ParamEnum:
		idx := int(u * float64(len(p.Choices)))
		if idx >= len(p.Choices) {
			idx = len(p.Choices) - 1
		}
		return p.Choices[idx]
	case ParamInteger:
		return math.Round(p.Min + u*(p.Max-p.Min))
	default:
		return p.Min + u*(p.Max-p.Min)
	}
}
