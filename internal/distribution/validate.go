package distribution

import (
	"fmt"
	"math"

	"github.com/roach88/cohortgen/internal/expr"
	"github.com/roach88/cohortgen/internal/ir"
)

// Check validates d and returns every problem found, each an *ir.ConfigError.
// Subjects locate the problem inside nested descriptors, e.g.
// "branches[1].then".
func Check(d ir.Distribution) []error {
	c := &checker{}
	c.check(d, "")
	return c.errs
}

// Validate returns the first problem Check finds, or nil.
func Validate(d ir.Distribution) error {
	if errs := Check(d); len(errs) > 0 {
		return errs[0]
	}
	return nil
}

type checker struct {
	errs []error
}

func (c *checker) add(code ir.ConfigErrorCode, path, format string, args ...any) {
	c.errs = append(c.errs, ir.NewConfigError(code, path, format, args...))
}

func (c *checker) check(d ir.Distribution, path string) {
	switch v := d.(type) {
	case nil:
		c.add(ir.ErrInvalidDescriptor, path, "missing distribution")
	case ir.Categorical:
		c.checkCategorical(v, path)
	case ir.Normal:
		if !finite(v.Mean) || !finite(v.StdDev) || v.StdDev < 0 {
			c.add(ir.ErrInvalidDescriptor, path, "normal requires a finite mean and std >= 0, got mean=%v std=%v", v.Mean, v.StdDev)
		}
		c.checkClamp(v.Min, v.Max, v.Integer, path)
	case ir.LogNormal:
		if !finite(v.Mean) || !finite(v.Sigma) || v.Sigma < 0 {
			c.add(ir.ErrInvalidDescriptor, path, "lognormal requires a finite mean and sigma >= 0, got mean=%v sigma=%v", v.Mean, v.Sigma)
		}
		c.checkClamp(v.Min, v.Max, v.Integer, path)
	case ir.Uniform:
		c.checkUniform(v, path)
	case ir.AgeBand:
		c.checkAgeBand(v, path)
	case ir.Explicit:
		if len(v.Values) == 0 {
			c.add(ir.ErrEmptyValues, path, "explicit requires at least one value")
		}
		for i, val := range v.Values {
			if val == nil {
				c.add(ir.ErrInvalidDescriptor, path, "explicit value %d is missing", i)
			}
		}
	case ir.Conditional:
		c.checkConditional(v, path)
	case ir.MultiLabel:
		if len(v.Options) == 0 {
			c.add(ir.ErrEmptyValues, path, "multi_label requires at least one option")
		}
		for _, o := range v.Options {
			if !(o.Probability >= 0 && o.Probability <= 1) {
				c.add(ir.ErrInvalidWeights, path, "probability of %q must be within [0, 1], got %v", o.Label, o.Probability)
			}
		}
	default:
		c.add(ir.ErrInvalidDescriptor, path, "unknown distribution type %T", d)
	}
}

func (c *checker) checkCategorical(v ir.Categorical, path string) {
	if len(v.Options) == 0 {
		c.add(ir.ErrEmptyValues, path, "categorical requires at least one option")
		return
	}
	seen := make(map[string]bool, len(v.Options))
	total := 0.0
	for _, o := range v.Options {
		if seen[o.Label] {
			c.add(ir.ErrInvalidDescriptor, path, "duplicate label %q", o.Label)
		}
		seen[o.Label] = true
		if !finite(o.Weight) || o.Weight < 0 {
			c.add(ir.ErrInvalidWeights, path, "weight of %q must be non-negative, got %v", o.Label, o.Weight)
			continue
		}
		total += o.Weight
	}
	if total <= 0 {
		c.add(ir.ErrInvalidWeights, path, "weights must sum to more than zero")
	}
}

func (c *checker) checkClamp(lo, hi *float64, integer bool, path string) {
	if lo == nil || hi == nil {
		return
	}
	if *lo > *hi {
		c.add(ir.ErrInvalidRange, path, "min %v > max %v", *lo, *hi)
		return
	}
	if integer && math.Ceil(*lo) > math.Floor(*hi) {
		c.add(ir.ErrInvalidRange, path, "no integer within clamp [%v, %v]", *lo, *hi)
	}
}

func (c *checker) checkUniform(v ir.Uniform, path string) {
	if !finite(v.Min) || !finite(v.Max) {
		c.add(ir.ErrInvalidRange, path, "uniform bounds must be finite")
		return
	}
	if v.Min > v.Max {
		c.add(ir.ErrInvalidRange, path, "min %v > max %v", v.Min, v.Max)
		return
	}
	if v.Integer && math.Ceil(v.Min) > math.Floor(v.Max) {
		c.add(ir.ErrInvalidRange, path, "no integer within [%v, %v]", v.Min, v.Max)
	}
}

func (c *checker) checkAgeBand(v ir.AgeBand, path string) {
	if len(v.Bands) == 0 {
		c.add(ir.ErrEmptyBands, path, "age_band requires at least one band")
		return
	}
	total := 0.0
	for i, b := range v.Bands {
		if b.Lower >= b.Upper {
			c.add(ir.ErrInvalidRange, path, "band %d: lower %d must be below upper %d", i, b.Lower, b.Upper)
		}
		if !finite(b.Weight) || b.Weight < 0 {
			c.add(ir.ErrInvalidWeights, path, "band %d: weight must be non-negative, got %v", i, b.Weight)
			continue
		}
		total += b.Weight
	}
	if total <= 0 {
		c.add(ir.ErrInvalidWeights, path, "band weights must sum to more than zero")
	}
}

func (c *checker) checkConditional(v ir.Conditional, path string) {
	if v.Fallback == nil {
		c.add(ir.ErrMissingFallback, path, "conditional has no fallback")
	}
	for i, b := range v.Branches {
		branch := fmt.Sprintf("%sbranches[%d]", dotted(path), i)
		c.errs = append(c.errs, expr.Validate(b.When, expr.ScopeAttributes, branch+".when")...)
		c.check(b.Then, branch+".then")
	}
	if v.Fallback != nil {
		c.check(v.Fallback, dotted(path)+"fallback")
	}
}

func dotted(path string) string {
	if path == "" {
		return ""
	}
	return path + "."
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
