package compiler

import (
	"fmt"
	"strings"

	"cuelang.org/go/cue"

	"github.com/roach88/cohortgen/internal/ir"
)

// distributionKinds lists the single keys a distribution struct may use.
var distributionKinds = []string{
	string(ir.KindCategorical), string(ir.KindNormal), string(ir.KindLogNormal),
	string(ir.KindUniform), string(ir.KindAgeBand), string(ir.KindExplicit),
	string(ir.KindConditional), string(ir.KindMultiLabel), "fixed",
}

// parseDistribution parses a single-key distribution struct.
func parseDistribution(v cue.Value, field string) (ir.Distribution, error) {
	key, body, err := singleKey(v, field, distributionKinds)
	if err != nil {
		return nil, err
	}
	field = field + "." + key

	switch key {
	case "fixed":
		val, err := parseValue(body, field)
		if err != nil {
			return nil, err
		}
		return ir.Fixed(val), nil

	case string(ir.KindCategorical):
		var d ir.Categorical
		err := eachField(body, field, func(label string, w cue.Value) error {
			weight, err := float(w, field+"."+label)
			d.Options = append(d.Options, ir.WeightedLabel{Label: label, Weight: weight})
			return err
		})
		return d, err

	case string(ir.KindMultiLabel):
		var d ir.MultiLabel
		err := eachField(body, field, func(label string, p cue.Value) error {
			prob, err := float(p, field+"."+label)
			d.Options = append(d.Options, ir.LabelProbability{Label: label, Probability: prob})
			return err
		})
		return d, err

	case string(ir.KindNormal):
		var d ir.Normal
		var err error
		if d.Mean, err = float(body.LookupPath(cue.ParsePath("mean")), field+".mean"); err != nil {
			return nil, err
		}
		if d.StdDev, err = float(body.LookupPath(cue.ParsePath("std")), field+".std"); err != nil {
			return nil, err
		}
		if d.Min, d.Max, d.Integer, err = parseClamp(body, field); err != nil {
			return nil, err
		}
		return d, nil

	case string(ir.KindLogNormal):
		var d ir.LogNormal
		var err error
		if d.Mean, err = float(body.LookupPath(cue.ParsePath("mean")), field+".mean"); err != nil {
			return nil, err
		}
		if d.Sigma, err = float(body.LookupPath(cue.ParsePath("sigma")), field+".sigma"); err != nil {
			return nil, err
		}
		if d.Min, d.Max, d.Integer, err = parseClamp(body, field); err != nil {
			return nil, err
		}
		return d, nil

	case string(ir.KindUniform):
		var d ir.Uniform
		var err error
		if d.Min, err = float(body.LookupPath(cue.ParsePath("min")), field+".min"); err != nil {
			return nil, err
		}
		if d.Max, err = float(body.LookupPath(cue.ParsePath("max")), field+".max"); err != nil {
			return nil, err
		}
		if d.Integer, err = optionalBool(body, "integer", field); err != nil {
			return nil, err
		}
		return d, nil

	case string(ir.KindAgeBand):
		var d ir.AgeBand
		err := eachElem(body, field, func(i int, e cue.Value) error {
			f := fmt.Sprintf("%s[%d]", field, i)
			var band ir.Band
			var err error
			if band.Lower, err = integer(e.LookupPath(cue.ParsePath("lower")), f+".lower"); err != nil {
				return err
			}
			if band.Upper, err = integer(e.LookupPath(cue.ParsePath("upper")), f+".upper"); err != nil {
				return err
			}
			if band.Weight, err = float(e.LookupPath(cue.ParsePath("weight")), f+".weight"); err != nil {
				return err
			}
			d.Bands = append(d.Bands, band)
			return nil
		})
		return d, err

	case string(ir.KindExplicit):
		var d ir.Explicit
		valuesVal := body.LookupPath(cue.ParsePath("values"))
		if !valuesVal.Exists() {
			// Bare list form: explicit: ["a", "b"]
			valuesVal = body
		}
		err := eachElem(valuesVal, field+".values", func(i int, e cue.Value) error {
			val, err := parseValue(e, fmt.Sprintf("%s.values[%d]", field, i))
			d.Values = append(d.Values, val)
			return err
		})
		if err != nil {
			return nil, err
		}
		if body.IncompleteKind() == cue.StructKind {
			if d.ByIndex, err = optionalBool(body, "by_index", field); err != nil {
				return nil, err
			}
		}
		return d, nil

	case string(ir.KindConditional):
		var d ir.Conditional
		err := eachElem(body.LookupPath(cue.ParsePath("branches")), field+".branches", func(i int, e cue.Value) error {
			f := fmt.Sprintf("%s.branches[%d]", field, i)
			when, err := parsePredicate(e.LookupPath(cue.ParsePath("when")), f+".when")
			if err != nil {
				return err
			}
			then, err := parseDistribution(e.LookupPath(cue.ParsePath("then")), f+".then")
			if err != nil {
				return err
			}
			d.Branches = append(d.Branches, ir.Branch{When: when, Then: then})
			return nil
		})
		if err != nil {
			return nil, err
		}
		if fb := body.LookupPath(cue.ParsePath("fallback")); fb.Exists() {
			if d.Fallback, err = parseDistribution(fb, field+".fallback"); err != nil {
				return nil, err
			}
		}
		return d, nil
	}
	return nil, newCompileError(v, field, "unsupported distribution")
}

func parseClamp(body cue.Value, field string) (lo, hi *float64, round bool, err error) {
	if mv := body.LookupPath(cue.ParsePath("min")); mv.Exists() {
		f, err := float(mv, field+".min")
		if err != nil {
			return nil, nil, false, err
		}
		lo = &f
	}
	if mv := body.LookupPath(cue.ParsePath("max")); mv.Exists() {
		f, err := float(mv, field+".max")
		if err != nil {
			return nil, nil, false, err
		}
		hi = &f
	}
	round, err = optionalBool(body, "integer", field)
	return lo, hi, round, err
}

// parsePredicate parses a single predicate struct. Comparisons use
// attr/op/value; every other node is a single key.
func parsePredicate(v cue.Value, field string) (ir.Predicate, error) {
	if !v.Exists() {
		return nil, newCompileError(v, field, "predicate is required")
	}
	if v.IncompleteKind() != cue.StructKind {
		return nil, newCompileError(v, field, "predicate must be a struct, got %v", v.IncompleteKind())
	}

	if attr := v.LookupPath(cue.ParsePath("attr")); attr.Exists() {
		a, err := str(attr, field+".attr")
		if err != nil {
			return nil, err
		}
		op := ir.OpEq
		if ov := v.LookupPath(cue.ParsePath("op")); ov.Exists() {
			s, err := str(ov, field+".op")
			if err != nil {
				return nil, err
			}
			op = ir.CompareOp(s)
		}
		if !ir.ValidCompareOps[op] {
			return nil, newCompileError(v, field+".op", "invalid operator %q", op)
		}
		value, err := parseValue(v.LookupPath(cue.ParsePath("value")), field+".value")
		if err != nil {
			return nil, err
		}
		return ir.Compare{Attr: a, Op: op, Value: value}, nil
	}

	if ev := v.LookupPath(cue.ParsePath("event")); ev.Exists() {
		event, err := str(ev, field+".event")
		if err != nil {
			return nil, err
		}
		state, err := str(v.LookupPath(cue.ParsePath("state")), field+".state")
		if err != nil {
			return nil, err
		}
		return ir.EventState{Event: event, State: ir.EventStatus(state)}, nil
	}

	key, body, err := singleKey(v, field, []string{"exists", "all", "any", "not"})
	if err != nil {
		return nil, err
	}
	field = field + "." + key
	switch key {
	case "exists":
		a, err := str(body, field)
		return ir.Exists{Attr: a}, err
	case "not":
		p, err := parsePredicate(body, field)
		return ir.Not{Predicate: p}, err
	default:
		var children []ir.Predicate
		err := eachElem(body, field, func(i int, e cue.Value) error {
			p, err := parsePredicate(e, fmt.Sprintf("%s[%d]", field, i))
			children = append(children, p)
			return err
		})
		if err != nil {
			return nil, err
		}
		if key == "all" {
			return ir.And{Predicates: children}, nil
		}
		return ir.Or{Predicates: children}, nil
	}
}

// parseDelay accepts a day count, {days: n}, or {min, max, shape}.
// Shape defaults to uniform.
func parseDelay(v cue.Value, field string) (ir.Delay, error) {
	if !v.Exists() {
		return ir.FixedDelay(0), nil
	}
	if v.IncompleteKind() == cue.IntKind {
		n, err := integer(v, field)
		return ir.FixedDelay(int(n)), err
	}
	if days := v.LookupPath(cue.ParsePath("days")); days.Exists() {
		n, err := integer(days, field+".days")
		return ir.FixedDelay(int(n)), err
	}
	lo, err := integer(v.LookupPath(cue.ParsePath("min")), field+".min")
	if err != nil {
		return ir.Delay{}, err
	}
	hi, err := integer(v.LookupPath(cue.ParsePath("max")), field+".max")
	if err != nil {
		return ir.Delay{}, err
	}
	shape := ir.ShapeUniform
	if sv := v.LookupPath(cue.ParsePath("shape")); sv.Exists() {
		s, err := str(sv, field+".shape")
		if err != nil {
			return ir.Delay{}, err
		}
		shape = ir.DelayShape(s)
	}
	if shape != ir.ShapeUniform && shape != ir.ShapeNormal {
		return ir.Delay{}, newCompileError(v, field+".shape", "invalid shape %q, must be \"uniform\" or \"normal\"", shape)
	}
	return ir.RangeDelay(int(lo), int(hi), shape), nil
}

// parseEventRef parses "domain.event_type".
func parseEventRef(v cue.Value, field string) (ir.EventRef, error) {
	s, err := str(v, field)
	if err != nil {
		return ir.EventRef{}, err
	}
	domain, eventType, ok := strings.Cut(s, ".")
	if !ok || domain == "" || eventType == "" {
		return ir.EventRef{}, newCompileError(v, field, "invalid event reference %q, expected \"domain.event_type\"", s)
	}
	return ir.EventRef{Domain: domain, EventType: eventType}, nil
}

// parseValue converts a concrete CUE value to an IRValue. CUE integers stay
// integers; numbers with a fraction become floats.
func parseValue(v cue.Value, field string) (ir.IRValue, error) {
	if !v.Exists() {
		return nil, newCompileError(v, field, "value is required")
	}
	switch v.Kind() {
	case cue.NullKind:
		return ir.IRNull{}, nil
	case cue.BoolKind:
		b, err := v.Bool()
		return ir.IRBool(b), formatCUEError(err)
	case cue.IntKind:
		n, err := v.Int64()
		return ir.IRInt(n), formatCUEError(err)
	case cue.FloatKind:
		f, err := v.Float64()
		return ir.IRFloat(f), formatCUEError(err)
	case cue.StringKind:
		s, err := v.String()
		return ir.IRString(s), formatCUEError(err)
	case cue.ListKind:
		arr := ir.IRArray{}
		err := eachElem(v, field, func(i int, e cue.Value) error {
			val, err := parseValue(e, fmt.Sprintf("%s[%d]", field, i))
			arr = append(arr, val)
			return err
		})
		return arr, err
	case cue.StructKind:
		return parseObject(v, field)
	default:
		return nil, newCompileError(v, field, "value must be concrete, got %v", v.IncompleteKind())
	}
}

func parseObject(v cue.Value, field string) (ir.IRObject, error) {
	obj := ir.IRObject{}
	err := eachField(v, field, func(label string, fv cue.Value) error {
		val, err := parseValue(fv, field+"."+label)
		obj[label] = val
		return err
	})
	return obj, err
}

// singleKey returns the only field of a struct that must carry exactly one
// of the allowed keys.
func singleKey(v cue.Value, field string, allowed []string) (string, cue.Value, error) {
	if !v.Exists() {
		return "", cue.Value{}, newCompileError(v, field, "is required")
	}
	iter, err := v.Fields()
	if err != nil {
		return "", cue.Value{}, newCompileError(v, field, "must be a struct with one of %s", strings.Join(allowed, ", "))
	}
	var key string
	var body cue.Value
	for iter.Next() {
		if key != "" {
			return "", cue.Value{}, newCompileError(v, field, "expected exactly one of %s", strings.Join(allowed, ", "))
		}
		key, body = fieldLabel(iter), iter.Value()
	}
	for _, a := range allowed {
		if key == a {
			return key, body, nil
		}
	}
	if key == "" {
		return "", cue.Value{}, newCompileError(v, field, "expected one of %s", strings.Join(allowed, ", "))
	}
	return "", cue.Value{}, newCompileError(v, field, "unknown key %q, expected one of %s", key, strings.Join(allowed, ", "))
}

func eachField(v cue.Value, field string, fn func(label string, fv cue.Value) error) error {
	iter, err := v.Fields()
	if err != nil {
		return newCompileError(v, field, "must be a struct")
	}
	for iter.Next() {
		if err := fn(fieldLabel(iter), iter.Value()); err != nil {
			return err
		}
	}
	return nil
}

func eachElem(v cue.Value, field string, fn func(i int, e cue.Value) error) error {
	if !v.Exists() {
		return newCompileError(v, field, "is required")
	}
	iter, err := v.List()
	if err != nil {
		return newCompileError(v, field, "must be a list")
	}
	for i := 0; iter.Next(); i++ {
		if err := fn(i, iter.Value()); err != nil {
			return err
		}
	}
	return nil
}

func str(v cue.Value, field string) (string, error) {
	if !v.Exists() {
		return "", newCompileError(v, field, "is required")
	}
	s, err := v.String()
	if err != nil {
		return "", newCompileError(v, field, "must be a string")
	}
	return s, nil
}

func integer(v cue.Value, field string) (int64, error) {
	if !v.Exists() {
		return 0, newCompileError(v, field, "is required")
	}
	n, err := v.Int64()
	if err != nil {
		return 0, newCompileError(v, field, "must be an integer")
	}
	return n, nil
}

func float(v cue.Value, field string) (float64, error) {
	if !v.Exists() {
		return 0, newCompileError(v, field, "is required")
	}
	f, err := v.Float64()
	if err != nil {
		return 0, newCompileError(v, field, "must be a number")
	}
	return f, nil
}

func optionalBool(v cue.Value, key, field string) (bool, error) {
	bv := v.LookupPath(cue.ParsePath(key))
	if !bv.Exists() {
		return false, nil
	}
	b, err := bv.Bool()
	if err != nil {
		return false, newCompileError(bv, field+"."+key, "must be a bool")
	}
	return b, nil
}

func optionalStrings(v cue.Value, key, field string) ([]string, error) {
	lv := v.LookupPath(cue.ParsePath(key))
	if !lv.Exists() {
		return nil, nil
	}
	var out []string
	err := eachElem(lv, field+"."+key, func(i int, e cue.Value) error {
		s, err := str(e, fmt.Sprintf("%s.%s[%d]", field, key, i))
		out = append(out, s)
		return err
	})
	return out, err
}
