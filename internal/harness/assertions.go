package harness

import (
	"fmt"
	"strings"
	"time"

	"github.com/roach88/cohortgen/internal/compiler"
	"github.com/roach88/cohortgen/internal/expr"
	"github.com/roach88/cohortgen/internal/ir"
	"github.com/roach88/cohortgen/internal/pipeline"
)

// AssertionContext provides what assertions evaluate against.
type AssertionContext struct {
	Bundle *ir.Bundle
	Run    *pipeline.CohortRun
}

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string // Assertion type for categorization
	Expected string // Human-readable expected outcome
	Actual   string // Human-readable actual outcome
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s", e.Actual)
	return buf.String()
}

// EvaluateAssertions evaluates every assertion and returns one message per
// failure, in assertion order.
func EvaluateAssertions(assertions []Assertion, actx *AssertionContext) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluateAssertion(a, actx); err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return errs
}

func evaluateAssertion(a Assertion, actx *AssertionContext) error {
	switch a.Type {
	case AssertEntityCount:
		return assertEntityCount(actx.Run, a)
	case AssertAttributeRange:
		return assertAttributeRange(actx.Run, a)
	case AssertEventOrder:
		return assertEventOrder(actx.Run, a)
	case AssertEventCount:
		return assertEventCount(actx.Run, a)
	case AssertSkipPropagates:
		return assertSkipPropagates(actx.Bundle, actx.Run, a)
	case AssertTriggerFired:
		return assertTriggerFired(actx.Run, a)
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

// assertEntityCount counts members, optionally only those matching Where.
func assertEntityCount(run *pipeline.CohortRun, a Assertion) error {
	var where ir.Predicate
	if a.Where != "" {
		p, err := compiler.CompilePredicateSource(a.Where)
		if err != nil {
			return fmt.Errorf("where: %w", err)
		}
		where = p
	}

	n := 0
	for _, m := range run.Members {
		if where != nil {
			ok, err := expr.Eval(where, expr.Attrs(m.Entity.Attributes))
			if err != nil {
				return fmt.Errorf("where: %w", err)
			}
			if !ok {
				continue
			}
		}
		n++
	}

	if a.Count != nil {
		if n != *a.Count {
			return &AssertionError{
				Type:     AssertEntityCount,
				Expected: fmt.Sprintf("%d members%s", *a.Count, whereSuffix(a.Where)),
				Actual:   fmt.Sprintf("%d members", n),
			}
		}
		return nil
	}
	if !inRange(float64(n), a.Min, a.Max) {
		return &AssertionError{
			Type:     AssertEntityCount,
			Expected: fmt.Sprintf("member count %s%s", describeRange(a.Min, a.Max), whereSuffix(a.Where)),
			Actual:   fmt.Sprintf("%d members", n),
		}
	}
	return nil
}

// assertAttributeRange checks a numeric attribute on every member.
func assertAttributeRange(run *pipeline.CohortRun, a Assertion) error {
	violations := 0
	first := ""
	for _, m := range run.Members {
		v, ok := numeric(m.Entity.Attributes[a.Attr])
		if ok && inRange(v, a.Min, a.Max) {
			continue
		}
		violations++
		if first == "" {
			if !ok {
				first = fmt.Sprintf("member %d has no numeric %s", m.Entity.Index, a.Attr)
			} else {
				first = fmt.Sprintf("member %d has %s = %v", m.Entity.Index, a.Attr, v)
			}
		}
	}
	if violations > 0 {
		return &AssertionError{
			Type:     AssertAttributeRange,
			Expected: fmt.Sprintf("%s %s on every member", a.Attr, describeRange(a.Min, a.Max)),
			Actual:   fmt.Sprintf("%d violation(s); %s", violations, first),
		}
	}
	return nil
}

// assertEventOrder compares first scheduled occurrences pairwise. Members
// missing either event of a pair are not checked for that pair, but every
// pair must be checked on at least one member.
func assertEventOrder(run *pipeline.CohortRun, a Assertion) error {
	refs := make([]eventRef, len(a.Events))
	for i, s := range a.Events {
		refs[i] = parseEventRef(s)
	}

	for i := 1; i < len(refs); i++ {
		prev, next := refs[i-1], refs[i]
		compared := 0
		for _, m := range run.Members {
			p, okP := firstScheduled(&m, prev)
			n, okN := firstScheduled(&m, next)
			if !okP || !okN {
				continue
			}
			compared++
			if n.Before(p) {
				return &AssertionError{
					Type:     AssertEventOrder,
					Expected: fmt.Sprintf("events in order: %v", a.Events),
					Actual: fmt.Sprintf("member %d: %s (%s) is before %s (%s)",
						m.Entity.Index, next, n.Format(ir.DateLayout), prev, p.Format(ir.DateLayout)),
				}
			}
		}
		if compared == 0 {
			return &AssertionError{
				Type:     AssertEventOrder,
				Expected: fmt.Sprintf("%s and %s scheduled on some member", prev, next),
				Actual:   "no member has both",
			}
		}
	}
	return nil
}

// assertEventCount bounds the number of matching events per member.
func assertEventCount(run *pipeline.CohortRun, a Assertion) error {
	ref := parseEventRef(a.Event)
	status := ir.EventStatus(a.Status)

	for _, m := range run.Members {
		n := 0
		for _, e := range memberEvents(&m) {
			if ref.matches(e) && (status == "" || e.Status == status) {
				n++
			}
		}
		if !inRange(float64(n), a.Min, a.Max) {
			what := a.Event
			if status != "" {
				what += " " + string(status)
			}
			return &AssertionError{
				Type:     AssertEventCount,
				Expected: fmt.Sprintf("%s events %s per member", what, describeRange(a.Min, a.Max)),
				Actual:   fmt.Sprintf("member %d has %d", m.Entity.Index, n),
			}
		}
	}
	return nil
}

// assertSkipPropagates checks that a fully skipped template takes every
// transitive dependent down with it. The assertion fails if no member
// skipped the template at all, since it would hold vacuously.
func assertSkipPropagates(bundle *ir.Bundle, run *pipeline.CohortRun, a Assertion) error {
	j, err := journeyFor(bundle, run.Cohort, a)
	if err != nil {
		return err
	}
	dependents := transitiveDependents(j, a.Event)
	if len(dependents) == 0 {
		return fmt.Errorf("event %q has no dependents in journey %s", a.Event, j.ID)
	}

	skippedMembers := 0
	for _, m := range run.Members {
		var own, scheduled int
		var leaked *ir.TimelineEvent
		for _, e := range memberEvents(&m) {
			if e.JourneyID != j.ID {
				continue
			}
			if e.TemplateID == a.Event {
				own++
				if e.Scheduled() {
					scheduled++
				}
			} else if dependents[e.TemplateID] && e.Scheduled() && leaked == nil {
				leaked = &e
			}
		}
		if own == 0 || scheduled > 0 {
			continue
		}
		skippedMembers++
		if leaked != nil {
			return &AssertionError{
				Type:     AssertSkipPropagates,
				Expected: fmt.Sprintf("dependents of %s skipped whenever it is", a.Event),
				Actual: fmt.Sprintf("member %d: %s scheduled on %s",
					m.Entity.Index, leaked.TemplateID, leaked.Date.Format(ir.DateLayout)),
			}
		}
	}
	if skippedMembers == 0 {
		return &AssertionError{
			Type:     AssertSkipPropagates,
			Expected: fmt.Sprintf("%s skipped on some member", a.Event),
			Actual:   "never skipped",
		}
	}
	return nil
}

// assertTriggerFired bounds how often a rule fired across the cohort.
func assertTriggerFired(run *pipeline.CohortRun, a Assertion) error {
	lo, hi := a.Min, a.Max
	if lo == nil && hi == nil {
		one := 1.0
		lo = &one
	}

	n := 0
	for _, m := range run.Members {
		for _, f := range m.Firings {
			if f.RuleID == a.Rule {
				n++
			}
		}
	}
	if !inRange(float64(n), lo, hi) {
		return &AssertionError{
			Type:     AssertTriggerFired,
			Expected: fmt.Sprintf("rule %s fired %s times", a.Rule, describeRange(lo, hi)),
			Actual:   fmt.Sprintf("fired %d times", n),
		}
	}
	return nil
}

// ============================================================================
// Helpers
// ============================================================================

// eventRef names events by template ID or by "domain.type".
type eventRef struct {
	template string
	domain   string
	typ      string
}

func parseEventRef(s string) eventRef {
	if d, t, ok := strings.Cut(s, "."); ok {
		return eventRef{domain: d, typ: t}
	}
	return eventRef{template: s}
}

func (r eventRef) matches(e ir.TimelineEvent) bool {
	if r.template != "" {
		return e.TemplateID == r.template
	}
	return e.Domain == r.domain && e.Type == r.typ
}

func (r eventRef) String() string {
	if r.template != "" {
		return r.template
	}
	return r.domain + "." + r.typ
}

func memberEvents(m *pipeline.Member) []ir.TimelineEvent {
	var out []ir.TimelineEvent
	for _, tl := range m.Timelines {
		out = append(out, tl.Events...)
	}
	return out
}

func firstScheduled(m *pipeline.Member, ref eventRef) (time.Time, bool) {
	var first time.Time
	found := false
	for _, e := range memberEvents(m) {
		if !e.Scheduled() || !ref.matches(e) {
			continue
		}
		if !found || e.Date.Before(first) {
			first, found = e.Date, true
		}
	}
	return first, found
}

// journeyFor finds the journey holding the template a.Event: a.Journey
// when set, otherwise the only cohort journey that declares it.
func journeyFor(bundle *ir.Bundle, cohort ir.CohortSpec, a Assertion) (ir.JourneySpec, error) {
	if a.Journey != "" {
		j, ok := bundle.Journey(a.Journey)
		if !ok {
			return ir.JourneySpec{}, fmt.Errorf("unknown journey %q", a.Journey)
		}
		if _, ok := j.Template(a.Event); !ok {
			return ir.JourneySpec{}, fmt.Errorf("journey %s has no event %q", j.ID, a.Event)
		}
		return j, nil
	}

	var found []ir.JourneySpec
	for _, id := range cohort.Journeys {
		if j, ok := bundle.Journey(id); ok {
			if _, ok := j.Template(a.Event); ok {
				found = append(found, j)
			}
		}
	}
	switch len(found) {
	case 0:
		return ir.JourneySpec{}, fmt.Errorf("no journey of cohort %s has event %q", cohort.Name, a.Event)
	case 1:
		return found[0], nil
	}
	return ir.JourneySpec{}, fmt.Errorf("event %q is declared by several journeys; set journey", a.Event)
}

// transitiveDependents returns the templates that depend on id directly
// or through other templates.
func transitiveDependents(j ir.JourneySpec, id string) map[string]bool {
	reached := map[string]bool{id: true}
	for changed := true; changed; {
		changed = false
		for _, t := range j.Events {
			if reached[t.ID] {
				continue
			}
			for _, dep := range t.DependsOn {
				if reached[dep] {
					reached[t.ID] = true
					changed = true
					break
				}
			}
		}
	}
	delete(reached, id)
	return reached
}

func numeric(v ir.IRValue) (float64, bool) {
	switch n := v.(type) {
	case ir.IRInt:
		return float64(n), true
	case ir.IRFloat:
		return float64(n), true
	}
	return 0, false
}

func inRange(v float64, lo, hi *float64) bool {
	if lo != nil && v < *lo {
		return false
	}
	if hi != nil && v > *hi {
		return false
	}
	return true
}

func describeRange(lo, hi *float64) string {
	switch {
	case lo != nil && hi != nil:
		return fmt.Sprintf("in [%v, %v]", *lo, *hi)
	case lo != nil:
		return fmt.Sprintf(">= %v", *lo)
	case hi != nil:
		return fmt.Sprintf("<= %v", *hi)
	}
	return "unbounded"
}

func whereSuffix(where string) string {
	if where == "" {
		return ""
	}
	return " matching " + where
}
