package compiler

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/cohortgen/internal/coordinator"
	"github.com/roach88/cohortgen/internal/distribution"
	"github.com/roach88/cohortgen/internal/ir"
	"github.com/roach88/cohortgen/internal/journey"
	"github.com/roach88/cohortgen/internal/profile"
)

// Validation error codes (E200-E299)
const (
	// General validation errors (E200)
	ErrUnsupportedIRType = "E200" // unsupported IR type for validation

	// Population errors (E201-E209)
	ErrInvalidPopulation   = "E201" // missing name, negative count
	ErrDuplicateAttribute  = "E202" // attribute declared twice
	ErrInvalidDistribution = "E203" // weights, ranges, bands, fallback
	ErrInvalidCondition    = "E204" // malformed predicate in a branch
	ErrAttributeCycle      = "E205" // conditional attributes depend on each other
	ErrUnknownAttribute    = "E206" // condition names an undeclared attribute
	ErrUnknownReference    = "E207" // reference key has no table
	ErrDuplicatePopulation = "E208" // population name declared twice

	// Journey errors (E211-E219)
	ErrInvalidJourney        = "E211" // missing id, domain or template id
	ErrDuplicateTemplate     = "E212" // event template declared twice
	ErrJourneyCycle          = "E213" // depends_on edges form a cycle
	ErrUnknownDependency     = "E214" // unknown or forward event reference
	ErrInvalidDelay          = "E215" // delay or recurrence out of range
	ErrInvalidEventCondition = "E216" // malformed event condition
	ErrJourneyDomain         = "E217" // domain or event type not registered
	ErrDuplicateJourney      = "E218" // journey id declared twice

	// Domain and trigger errors (E221-E229)
	ErrDuplicateRegistration   = "E221" // domain, event type or rule declared twice
	ErrUnknownDomain           = "E222" // rule names an unregistered domain
	ErrUnknownEventType        = "E223" // rule names an unregistered event type
	ErrInvalidTriggerDelay     = "E224" // rule delay out of range
	ErrInvalidTriggerCondition = "E225" // malformed rule condition
	ErrInvalidTriggerRule      = "E226" // missing rule id or domain name

	// Cohort errors (E231-E239)
	ErrUnknownPopulation = "E231" // cohort names an undeclared population
	ErrUnknownJourney    = "E232" // cohort names an undeclared journey
	ErrInvalidDates      = "E233" // missing start/cutoff or cutoff before start
	ErrInvalidStagger    = "E234" // stagger delay out of range
	ErrDuplicateCohort   = "E235" // cohort name declared twice
)

// ValidationError represents a schema validation error.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// Validate validates compiled IR against the generators' rules.
// Returns all errors found (does not fail-fast).
// Supports *ir.Bundle, ir.PopulationSpec and ir.JourneySpec.
//
// Validation runs the same checks the generators run before producing
// anything, so a bundle that validates cleanly never fails with a
// configuration error at generation time.
func Validate(v any) []ValidationError {
	switch spec := v.(type) {
	case *ir.Bundle:
		return validateBundle(spec)
	case ir.PopulationSpec:
		return validatePopulation(spec, nil)
	case *ir.PopulationSpec:
		return validatePopulation(*spec, nil)
	case ir.JourneySpec:
		return validateJourney(spec)
	case *ir.JourneySpec:
		return validateJourney(*spec)
	default:
		return []ValidationError{{
			Field:   "type",
			Message: fmt.Sprintf("unsupported IR type: %T", v),
			Code:    ErrUnsupportedIRType,
		}}
	}
}

func validateBundle(b *ir.Bundle) []ValidationError {
	var errs []ValidationError

	tables := make(map[string]bool, len(b.References))
	for _, t := range b.References {
		tables[t.Key] = true
	}

	seen := make(map[string]bool)
	for _, p := range b.Populations {
		if seen[p.Name] {
			errs = append(errs, ValidationError{
				Field:   "population " + p.Name,
				Message: "population declared twice",
				Code:    ErrDuplicatePopulation,
			})
		}
		seen[p.Name] = true

		// E207: the static resolver would fail at generation time
		if p.Reference != nil && !tables[p.Reference.Key] {
			errs = append(errs, ValidationError{
				Field:   "population " + p.Name + "/reference",
				Message: fmt.Sprintf("no reference table for key %q", p.Reference.Key),
				Code:    ErrUnknownReference,
			})
			continue
		}
		errs = append(errs, validatePopulation(p, b.References)...)
	}

	registry, err := coordinator.NewRegistry(b.Domains, b.Triggers)
	errs = append(errs, classify(err, registryCode)...)

	clear(seen)
	for _, j := range b.Journeys {
		if seen[j.ID] {
			errs = append(errs, ValidationError{
				Field:   "journey " + j.ID,
				Message: "journey declared twice",
				Code:    ErrDuplicateJourney,
			})
		}
		seen[j.ID] = true
		errs = append(errs, validateJourney(j)...)
		if registry != nil {
			errs = append(errs, validateJourneyDomain(registry, j)...)
		}
	}

	clear(seen)
	for _, c := range b.Cohorts {
		if seen[c.Name] {
			errs = append(errs, ValidationError{
				Field:   "cohort " + c.Name,
				Message: "cohort declared twice",
				Code:    ErrDuplicateCohort,
			})
		}
		seen[c.Name] = true
		errs = append(errs, validateCohort(b, c)...)
	}

	return errs
}

// validatePopulation runs the profile executor's full check. With tables
// the reference baseline takes part, so conditions may name reference
// attributes.
func validatePopulation(p ir.PopulationSpec, tables []ir.ReferenceTable) []ValidationError {
	var opts []profile.Option
	if len(tables) > 0 {
		opts = append(opts, profile.WithResolver(profile.NewStaticResolver(tables)))
	}
	_, err := profile.NewExecutor(opts...).Order(context.Background(), p)
	return classify(err, populationCode)
}

func validateJourney(j ir.JourneySpec) []ValidationError {
	_, err := journey.Compile(j)
	return classify(err, journeyCode)
}

func validateJourneyDomain(r *coordinator.Registry, j ir.JourneySpec) []ValidationError {
	field := "journey " + j.ID
	d, ok := r.Domain(j.Domain)
	if !ok {
		return []ValidationError{{
			Field:   field,
			Message: fmt.Sprintf("domain %q is not registered", j.Domain),
			Code:    ErrJourneyDomain,
		}}
	}
	var errs []ValidationError
	for _, t := range j.Events {
		if !d.HasEventType(t.Type) {
			errs = append(errs, ValidationError{
				Field:   field + "/" + t.ID,
				Message: fmt.Sprintf("domain %q has no event type %q", j.Domain, t.Type),
				Code:    ErrJourneyDomain,
			})
		}
	}
	return errs
}

func validateCohort(b *ir.Bundle, c ir.CohortSpec) []ValidationError {
	field := "cohort " + c.Name
	var errs []ValidationError

	// E231: population must be declared
	if _, ok := b.Population(c.Population); !ok {
		errs = append(errs, ValidationError{
			Field:   field,
			Message: fmt.Sprintf("population %q is not declared", c.Population),
			Code:    ErrUnknownPopulation,
		})
	}

	// E232: journeys must be declared
	for _, id := range c.Journeys {
		if _, ok := b.Journey(id); !ok {
			errs = append(errs, ValidationError{
				Field:   field,
				Message: fmt.Sprintf("journey %q is not declared", id),
				Code:    ErrUnknownJourney,
			})
		}
	}

	// E233: start required, cutoff not before start
	switch {
	case c.Start.IsZero():
		errs = append(errs, ValidationError{Field: field + "/start", Message: "start date is required", Code: ErrInvalidDates})
	case !c.Cutoff.IsZero() && c.Cutoff.Before(c.Start):
		errs = append(errs, ValidationError{
			Field:   field + "/cutoff",
			Message: fmt.Sprintf("cutoff %s is before start %s", c.Cutoff.Format(ir.DateLayout), c.Start.Format(ir.DateLayout)),
			Code:    ErrInvalidDates,
		})
	}

	// E234: stagger delay
	if c.Stagger != nil {
		for _, ve := range classify(distribution.ValidateDelay(*c.Stagger), func(ir.ConfigErrorCode) string { return ErrInvalidStagger }) {
			ve.Field = field + "/stagger"
			errs = append(errs, ve)
		}
	}

	return errs
}

// classify flattens a joined error into ValidationErrors, coding each
// *ir.ConfigError with code. Other errors keep the generic E200 code.
func classify(err error, code func(ir.ConfigErrorCode) string) []ValidationError {
	var out []ValidationError
	for _, e := range leaves(err) {
		var ce *ir.ConfigError
		if errors.As(e, &ce) {
			out = append(out, ValidationError{Field: ce.Subject, Message: ce.Message, Code: code(ce.Code)})
			continue
		}
		out = append(out, ValidationError{Field: "spec", Message: e.Error(), Code: ErrUnsupportedIRType})
	}
	return out
}

func leaves(err error) []error {
	if err == nil {
		return nil
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var out []error
		for _, e := range joined.Unwrap() {
			out = append(out, leaves(e)...)
		}
		return out
	}
	return []error{err}
}

func populationCode(c ir.ConfigErrorCode) string {
	switch c {
	case ir.ErrInvalidSpec:
		return ErrInvalidPopulation
	case ir.ErrDuplicateID:
		return ErrDuplicateAttribute
	case ir.ErrInvalidPredicate:
		return ErrInvalidCondition
	case ir.ErrCycle:
		return ErrAttributeCycle
	case ir.ErrUnknownReference:
		return ErrUnknownAttribute
	default:
		return ErrInvalidDistribution
	}
}

func journeyCode(c ir.ConfigErrorCode) string {
	switch c {
	case ir.ErrInvalidSpec:
		return ErrInvalidJourney
	case ir.ErrDuplicateID:
		return ErrDuplicateTemplate
	case ir.ErrCycle:
		return ErrJourneyCycle
	case ir.ErrUnknownReference, ir.ErrForwardReference:
		return ErrUnknownDependency
	case ir.ErrInvalidPredicate:
		return ErrInvalidEventCondition
	default:
		return ErrInvalidDelay
	}
}

func registryCode(c ir.ConfigErrorCode) string {
	switch c {
	case ir.ErrInvalidSpec:
		return ErrInvalidTriggerRule
	case ir.ErrDuplicateID:
		return ErrDuplicateRegistration
	case ir.ErrUnknownDomain:
		return ErrUnknownDomain
	case ir.ErrUnknownEventType:
		return ErrUnknownEventType
	case ir.ErrInvalidPredicate:
		return ErrInvalidTriggerCondition
	default:
		return ErrInvalidTriggerDelay
	}
}
