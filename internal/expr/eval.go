// Package expr interprets condition predicates.
//
// Predicates are the sealed ir.Predicate tree. This package evaluates them
// against an environment, validates them statically before generation, and
// extracts the attributes and events they reference so callers can order
// their work.
package expr

import (
	"fmt"
	"strings"

	"github.com/roach88/cohortgen/internal/ir"
)

// Env resolves the names a predicate refers to.
type Env interface {
	// Lookup returns the value of an attribute.
	Lookup(attr string) (ir.IRValue, bool)

	// EventStatus returns the resolution state of an already-walked event.
	EventStatus(id string) (ir.EventStatus, bool)
}

// Attrs is an Env over an attribute map with no event states.
type Attrs ir.IRObject

// Lookup implements Env.
func (a Attrs) Lookup(attr string) (ir.IRValue, bool) {
	v, ok := a[attr]
	return v, ok
}

// EventStatus implements Env.
func (Attrs) EventStatus(string) (ir.EventStatus, bool) {
	return "", false
}

// Eval evaluates p against env.
//
// A comparison against a missing attribute is false, as is an ordering
// comparison between values of different kinds. Errors are reserved for
// malformed trees that Validate would have rejected.
func Eval(p ir.Predicate, env Env) (bool, error) {
	switch node := p.(type) {
	case nil:
		return false, fmt.Errorf("nil predicate")
	case ir.Compare:
		return evalCompare(node, env)
	case ir.Exists:
		_, ok := env.Lookup(node.Attr)
		return ok, nil
	case ir.And:
		for _, child := range node.Predicates {
			ok, err := Eval(child, env)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case ir.Or:
		for _, child := range node.Predicates {
			ok, err := Eval(child, env)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case ir.Not:
		ok, err := Eval(node.Predicate, env)
		if err != nil {
			return false, err
		}
		return !ok, nil
	case ir.EventState:
		status, ok := env.EventStatus(node.Event)
		return ok && status == node.State, nil
	default:
		return false, fmt.Errorf("unknown predicate type: %T", p)
	}
}

// EvalAll reports whether every predicate holds. An empty list holds.
func EvalAll(ps []ir.Predicate, env Env) (bool, error) {
	return Eval(ir.And{Predicates: ps}, env)
}

func evalCompare(c ir.Compare, env Env) (bool, error) {
	got, ok := env.Lookup(c.Attr)
	if !ok {
		return false, nil
	}

	switch c.Op {
	case ir.OpEq:
		return ir.Equal(got, c.Value), nil
	case ir.OpNe:
		return !ir.Equal(got, c.Value), nil
	case ir.OpIn:
		list, ok := c.Value.(ir.IRArray)
		if !ok {
			return false, fmt.Errorf("attr %q: in requires an array, got %s", c.Attr, ir.KindName(c.Value))
		}
		candidates := []ir.IRValue{got}
		if arr, ok := got.(ir.IRArray); ok {
			candidates = arr
		}
		for _, g := range candidates {
			for _, v := range list {
				if ir.Equal(g, v) {
					return true, nil
				}
			}
		}
		return false, nil
	case ir.OpLt, ir.OpLe, ir.OpGt, ir.OpGe:
		cmp, ok := order(got, c.Value)
		if !ok {
			return false, nil
		}
		switch c.Op {
		case ir.OpLt:
			return cmp < 0, nil
		case ir.OpLe:
			return cmp <= 0, nil
		case ir.OpGt:
			return cmp > 0, nil
		default:
			return cmp >= 0, nil
		}
	default:
		return false, fmt.Errorf("attr %q: unknown operator %q", c.Attr, c.Op)
	}
}

// order compares two numbers or two strings.
func order(a, b ir.IRValue) (int, bool) {
	if fa, ok := ir.AsFloat(a); ok {
		fb, ok := ir.AsFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		}
		return 0, true
	}
	sa, ok := a.(ir.IRString)
	if !ok {
		return 0, false
	}
	sb, ok := b.(ir.IRString)
	if !ok {
		return 0, false
	}
	return strings.Compare(string(sa), string(sb)), true
}
