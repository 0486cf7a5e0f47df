// Package compiler turns CUE specs into the typed IR the generators run on.
//
// A spec directory declares five top-level structs keyed by name:
//
//	population: "t2d-adults": { count: 500, seed: 42, attributes: {...} }
//	journey:    "t2d-care":   { domain: "clinical", events: {...} }
//	domain:     clinical:     { event_types: ["diagnosis", ...] }
//	trigger:    "dx-claim":   { source: "clinical.diagnosis", target: "claims.claim", delay: {...} }
//	cohort:     "t2d-2025":   { population: "t2d-adults", journeys: [...], start: "2025-01-01", cutoff: "2025-12-31" }
//
// plus optional reference tables under `reference`. Distributions and
// predicates are single-key structs, e.g. {normal: {mean: 58, std: 9}} and
// {attr: "age", op: "ge", value: 45}. Field order inside a struct is
// significant: attributes, event templates and categorical options keep
// declaration order.
//
// Compilation is purely structural. Semantic checks (weights, cycles,
// unknown references) live in Validate, which reports every problem with an
// E2xx code instead of stopping at the first one.
package compiler

import (
	"errors"
	"fmt"
	"strconv"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/cohortgen/internal/ir"
)

// Compile parses every section of a spec value into a Bundle.
// Uses CUE SDK's Go API directly (not CLI subprocess).
//
// All item errors are collected and returned together; the bundle is nil
// when any item fails. SpecHash is left to the caller, which knows the
// source bytes.
func Compile(v cue.Value) (*ir.Bundle, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	b := &ir.Bundle{}
	var errs []error

	each(v, "population", &errs, func(item cue.Value) {
		if p, err := CompilePopulation(item); err != nil {
			errs = append(errs, err)
		} else {
			b.Populations = append(b.Populations, *p)
		}
	})
	each(v, "journey", &errs, func(item cue.Value) {
		if j, err := CompileJourney(item); err != nil {
			errs = append(errs, err)
		} else {
			b.Journeys = append(b.Journeys, *j)
		}
	})
	each(v, "domain", &errs, func(item cue.Value) {
		if d, err := CompileDomain(item); err != nil {
			errs = append(errs, err)
		} else {
			b.Domains = append(b.Domains, *d)
		}
	})
	each(v, "trigger", &errs, func(item cue.Value) {
		if r, err := CompileTrigger(item); err != nil {
			errs = append(errs, err)
		} else {
			b.Triggers = append(b.Triggers, *r)
		}
	})
	each(v, "cohort", &errs, func(item cue.Value) {
		if c, err := CompileCohort(item); err != nil {
			errs = append(errs, err)
		} else {
			b.Cohorts = append(b.Cohorts, *c)
		}
	})
	each(v, "reference", &errs, func(item cue.Value) {
		if r, err := CompileReference(item); err != nil {
			errs = append(errs, err)
		} else {
			b.References = append(b.References, *r)
		}
	})

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return b, nil
}

// CompileSource compiles a single CUE source text. Used by tests and by
// callers that build specs in memory.
func CompileSource(src string) (*ir.Bundle, error) {
	v := cuecontext.New().CompileString(src)
	b, err := Compile(v)
	if err != nil {
		return nil, err
	}
	b.SpecHash = ir.SpecHash([]byte(src))
	return b, nil
}

// CompilePredicateSource compiles a standalone predicate such as
// `{attr: "age", op: "ge", value: 65}`. The query command uses it to
// filter stored entities.
func CompilePredicateSource(src string) (ir.Predicate, error) {
	v := cuecontext.New().CompileString(src)
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	return parsePredicate(v, "predicate")
}

// each calls fn for every field of the named top-level section, in
// declaration order. A missing section is not an error.
func each(v cue.Value, section string, errs *[]error, fn func(cue.Value)) {
	sv := v.LookupPath(cue.ParsePath(section))
	if !sv.Exists() {
		return
	}
	iter, err := sv.Fields()
	if err != nil {
		*errs = append(*errs, formatCUEError(err))
		return
	}
	for iter.Next() {
		fn(iter.Value())
	}
}

// itemName returns the unquoted label of a struct field value, e.g. t2d-adults
// for population."t2d-adults".
func itemName(v cue.Value) string {
	sels := v.Path().Selectors()
	if len(sels) == 0 {
		return ""
	}
	return unquote(sels[len(sels)-1].String())
}

func fieldLabel(iter *cue.Iterator) string {
	return unquote(iter.Selector().String())
}

func unquote(s string) string {
	if u, err := strconv.Unquote(s); err == nil {
		return u
	}
	return s
}

// CompileError represents a compilation error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func newCompileError(v cue.Value, field, format string, args ...any) *CompileError {
	return &CompileError{Field: field, Message: fmt.Sprintf(format, args...), Pos: v.Pos()}
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	// Return first error with position info
	first := errs[0]
	positions := cueerrors.Positions(first)
	if len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: first.Error(),
			Pos:     positions[0],
		}
	}

	return err
}
