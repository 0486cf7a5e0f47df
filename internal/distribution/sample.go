// Package distribution samples values from distribution descriptors.
//
// Every sampler is a pure function of (descriptor, seed, context): the same
// inputs always give the same value, and nothing outside the arguments is
// read. Malformed descriptors fail with *ir.ConfigError, never with a silent
// default.
//
// CRITICAL PATTERNS:
//   - Categorical uses a single uniform draw and inverse-CDF selection over
//     the options in declaration order
//   - Normal and LogNormal clamp after sampling and never resample, so a
//     clamped and an unclamped descriptor sharing a seed agree everywhere
//     except at the tails
//   - Conditional branches are evaluated in order, first match wins
package distribution

import (
	"math"

	"github.com/roach88/cohortgen/internal/expr"
	"github.com/roach88/cohortgen/internal/ir"
	"github.com/roach88/cohortgen/internal/seed"
)

// Context is what a sampler may read besides its seed.
type Context struct {
	// Attributes already sampled for the entity; Conditional branches are
	// evaluated against them.
	Attributes ir.IRObject

	// Index is the entity index, used by Explicit{ByIndex: true}.
	Index int
}

// Sample draws one value from d using s.
func Sample(d ir.Distribution, s seed.Seed) (ir.IRValue, error) {
	return SampleWith(d, s, Context{})
}

// SampleWith draws one value from d using s and ctx.
// d is validated first; a malformed descriptor returns *ir.ConfigError.
func SampleWith(d ir.Distribution, s seed.Seed, ctx Context) (ir.IRValue, error) {
	if err := Validate(d); err != nil {
		return nil, err
	}
	return sample(d, s, ctx)
}

// sample assumes d is valid.
func sample(d ir.Distribution, s seed.Seed, ctx Context) (ir.IRValue, error) {
	switch v := d.(type) {
	case ir.Categorical:
		return sampleCategorical(v, s), nil
	case ir.Normal:
		x := v.Mean + v.StdDev*standardNormal(s)
		return clampAndRound(x, v.Min, v.Max, v.Integer)
	case ir.LogNormal:
		x := math.Exp(v.Mean + v.Sigma*standardNormal(s))
		return clampAndRound(x, v.Min, v.Max, v.Integer)
	case ir.Uniform:
		return sampleUniform(v, s), nil
	case ir.AgeBand:
		return sampleAgeBand(v, s), nil
	case ir.Explicit:
		return sampleExplicit(v, s, ctx.Index), nil
	case ir.Conditional:
		return sampleConditional(v, s, ctx)
	case ir.MultiLabel:
		return sampleMultiLabel(v, s), nil
	default:
		return nil, ir.NewConfigError(ir.ErrInvalidDescriptor, "", "unknown distribution type %T", d)
	}
}

// pickWeighted returns the index selected by u in [0, 1) over weights.
// Zero-weight entries are never selected.
func pickWeighted(weights []float64, u float64) int {
	total := 0.0
	for _, w := range weights {
		total += w
	}

	target := u * total
	cumulative := 0.0
	last := -1
	for i, w := range weights {
		if w <= 0 {
			continue
		}
		last = i
		cumulative += w
		if target < cumulative {
			return i
		}
	}
	// Rounding can leave target == total; the last positive weight owns it.
	return last
}

func sampleCategorical(v ir.Categorical, s seed.Seed) ir.IRValue {
	weights := make([]float64, len(v.Options))
	for i, o := range v.Options {
		weights[i] = o.Weight
	}
	return ir.IRString(v.Options[pickWeighted(weights, s.Float64())].Label)
}

// standardNormal draws N(0, 1) with the Box-Muller transform.
func standardNormal(s seed.Seed) float64 {
	r := s.Rand()
	u1 := 1 - r.Float64() // (0, 1], keeps the log finite
	u2 := r.Float64()
	return math.Sqrt(-2*math.Log(u1)) * math.Cos(2*math.Pi*u2)
}

// clampAndRound clamps x to [lo, hi]. Integer samples are rounded and then
// held to [ceil(lo), floor(hi)] so a fractional bound is never crossed.
func clampAndRound(x float64, lo, hi *float64, integer bool) (ir.IRValue, error) {
	x = clamp(x, lo, hi)
	if !finite(x) {
		return nil, ir.NewConfigError(ir.ErrInvalidRange, "", "sample %v is not finite; add min/max or narrow the parameters", x)
	}
	if !integer {
		return ir.IRFloat(x), nil
	}

	x = math.Round(x)
	if lo != nil && x < math.Ceil(*lo) {
		x = math.Ceil(*lo)
	}
	if hi != nil && x > math.Floor(*hi) {
		x = math.Floor(*hi)
	}
	if x < math.MinInt64 || x >= math.MaxInt64 {
		return nil, ir.NewConfigError(ir.ErrInvalidRange, "", "sample %v overflows an integer", x)
	}
	return ir.IRInt(int64(x)), nil
}

func clamp(x float64, lo, hi *float64) float64 {
	if lo != nil && x < *lo {
		x = *lo
	}
	if hi != nil && x > *hi {
		x = *hi
	}
	return x
}

func sampleUniform(v ir.Uniform, s seed.Seed) ir.IRValue {
	u := s.Float64()
	if v.Integer {
		lo, hi := int64(math.Ceil(v.Min)), int64(math.Floor(v.Max))
		n := hi - lo + 1
		k := lo + int64(u*float64(n))
		return ir.IRInt(min(k, hi))
	}
	return ir.IRFloat(v.Min + u*(v.Max-v.Min))
}

func sampleAgeBand(v ir.AgeBand, s seed.Seed) ir.IRValue {
	weights := make([]float64, len(v.Bands))
	for i, b := range v.Bands {
		weights[i] = b.Weight
	}

	r := s.Rand()
	band := v.Bands[pickWeighted(weights, r.Float64())]
	return ir.IRInt(band.Lower + r.Int64N(band.Upper-band.Lower))
}

func sampleExplicit(v ir.Explicit, s seed.Seed, index int) ir.IRValue {
	n := len(v.Values)
	if v.ByIndex {
		return v.Values[((index%n)+n)%n]
	}
	return v.Values[min(int(s.Float64()*float64(n)), n-1)]
}

func sampleConditional(v ir.Conditional, s seed.Seed, ctx Context) (ir.IRValue, error) {
	env := expr.Attrs(ctx.Attributes)
	for i, b := range v.Branches {
		ok, err := expr.Eval(b.When, env)
		if err != nil {
			return nil, ir.NewConfigError(ir.ErrInvalidPredicate, "", "branch %d: %v", i, err)
		}
		if ok {
			return sample(b.Then, s, ctx)
		}
	}
	if v.Fallback == nil {
		return nil, ir.NewConfigError(ir.ErrNoMatch, "", "no branch matched and no fallback is declared")
	}
	return sample(v.Fallback, s, ctx)
}

// sampleMultiLabel draws each label from its own child seed, so adding a
// label does not change whether the others are included.
func sampleMultiLabel(v ir.MultiLabel, s seed.Seed) ir.IRValue {
	out := ir.IRArray{}
	for _, o := range v.Options {
		if s.Derive(seed.S(o.Label)).Float64() < o.Probability {
			out = append(out, ir.IRString(o.Label))
		}
	}
	return out
}
