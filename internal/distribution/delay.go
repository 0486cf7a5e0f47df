package distribution

import (
	"github.com/roach88/cohortgen/internal/ir"
	"github.com/roach88/cohortgen/internal/seed"
)

// ValidateDelay checks a delay specification.
func ValidateDelay(d ir.Delay) error {
	switch d.Shape {
	case ir.ShapeFixed, "":
		if d.Days < 0 {
			return ir.NewConfigError(ir.ErrInvalidRange, "", "fixed delay must not be negative, got %d", d.Days)
		}
	case ir.ShapeUniform, ir.ShapeNormal:
		if d.Min < 0 {
			return ir.NewConfigError(ir.ErrInvalidRange, "", "delay min must not be negative, got %d", d.Min)
		}
		if d.Min > d.Max {
			return ir.NewConfigError(ir.ErrInvalidRange, "", "delay min %d > max %d", d.Min, d.Max)
		}
	default:
		return ir.NewConfigError(ir.ErrInvalidDescriptor, "", "unknown delay shape %q (want fixed, uniform or normal)", d.Shape)
	}
	return nil
}

// SampleDelay draws a whole number of days from d using s.
//
// Uniform delays are inclusive of both ends. Normal delays centre on the
// midpoint with a standard deviation of a sixth of the range, clamped to
// [Min, Max] after sampling.
func SampleDelay(d ir.Delay, s seed.Seed) (int, error) {
	if err := ValidateDelay(d); err != nil {
		return 0, err
	}

	var desc ir.Distribution
	switch d.Shape {
	case ir.ShapeFixed, "":
		return d.Days, nil
	case ir.ShapeUniform:
		desc = ir.Uniform{Min: float64(d.Min), Max: float64(d.Max), Integer: true}
	default:
		lo, hi := float64(d.Min), float64(d.Max)
		desc = ir.Normal{Mean: (lo + hi) / 2, StdDev: (hi - lo) / 6, Min: &lo, Max: &hi, Integer: true}
	}

	v, err := sample(desc, s, Context{})
	if err != nil {
		return 0, err
	}
	return int(v.(ir.IRInt)), nil
}
