package expr

import (
	"fmt"

	"github.com/roach88/cohortgen/internal/ir"
)

// Scope says which leaf kinds a predicate may use where it appears.
type Scope int

const (
	// ScopeAttributes allows attribute comparisons only (distribution
	// branches, trigger conditions).
	ScopeAttributes Scope = iota

	// ScopeJourney additionally allows EventState leaves (event template
	// conditions).
	ScopeJourney
)

// Validate checks p statically and returns every problem found, each as an
// *ir.ConfigError whose subject is the given subject.
//
// Validate is a pure function with no side effects.
func Validate(p ir.Predicate, scope Scope, subject string) []error {
	v := &validator{scope: scope, subject: subject}
	v.validate(p, "")
	return v.errs
}

// validator accumulates errors during traversal.
type validator struct {
	scope   Scope
	subject string
	errs    []error
}

func (v *validator) addError(path, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if path != "" {
		msg = path + ": " + msg
	}
	v.errs = append(v.errs, ir.NewConfigError(ir.ErrInvalidPredicate, v.subject, "%s", msg))
}

func (v *validator) validate(p ir.Predicate, path string) {
	switch node := p.(type) {
	case nil:
		v.addError(path, "missing predicate")
	case ir.Compare:
		v.validateCompare(node, path)
	case ir.Exists:
		if node.Attr == "" {
			v.addError(path, "exists requires an attribute name")
		}
	case ir.And:
		for i, child := range node.Predicates {
			v.validate(child, fmt.Sprintf("%sall[%d]", prefix(path), i))
		}
	case ir.Or:
		if len(node.Predicates) == 0 {
			v.addError(path, "any requires at least one predicate")
		}
		for i, child := range node.Predicates {
			v.validate(child, fmt.Sprintf("%sany[%d]", prefix(path), i))
		}
	case ir.Not:
		v.validate(node.Predicate, prefix(path)+"not")
	case ir.EventState:
		if v.scope != ScopeJourney {
			v.addError(path, "event state %q is only allowed in event conditions", node.Event)
			return
		}
		if node.Event == "" {
			v.addError(path, "event state requires an event id")
		}
		if node.State != ir.StatusScheduled && node.State != ir.StatusSkipped {
			v.addError(path, "event state must be %q or %q, got %q", ir.StatusScheduled, ir.StatusSkipped, node.State)
		}
	default:
		v.addError(path, "unknown predicate type %T", p)
	}
}

func (v *validator) validateCompare(c ir.Compare, path string) {
	if c.Attr == "" {
		v.addError(path, "comparison requires an attribute name")
	}
	if !ir.ValidCompareOps[c.Op] {
		v.addError(path, "unknown operator %q", c.Op)
		return
	}
	if c.Value == nil {
		v.addError(path, "comparison on %q requires a value", c.Attr)
		return
	}

	switch c.Op {
	case ir.OpIn:
		if _, ok := c.Value.(ir.IRArray); !ok {
			v.addError(path, "in on %q requires a list, got %s", c.Attr, ir.KindName(c.Value))
		}
	case ir.OpLt, ir.OpLe, ir.OpGt, ir.OpGe:
		_, num := ir.AsFloat(c.Value)
		_, str := c.Value.(ir.IRString)
		if !num && !str {
			v.addError(path, "%s on %q requires a number or string, got %s", c.Op, c.Attr, ir.KindName(c.Value))
		}
	}
}

func prefix(path string) string {
	if path == "" {
		return ""
	}
	return path + "."
}
