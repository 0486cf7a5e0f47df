package compiler

import (
	"fmt"
	"time"

	"cuelang.org/go/cue"

	"github.com/roach88/cohortgen/internal/ir"
)

// CompilePopulation parses a population struct, e.g.:
//
//	ctx := cuecontext.New()
//	v := ctx.CompileString(`population: adults: { count: 10, seed: 1, attributes: {...} }`)
//	spec, err := CompilePopulation(v.LookupPath(cue.ParsePath("population.adults")))
func CompilePopulation(v cue.Value) (*ir.PopulationSpec, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	spec := &ir.PopulationSpec{Name: itemName(v)}
	field := "population." + spec.Name

	count, err := integer(v.LookupPath(cue.ParsePath("count")), field+".count")
	if err != nil {
		return nil, err
	}
	spec.Count = int(count)

	if spec.Seed, err = integer(v.LookupPath(cue.ParsePath("seed")), field+".seed"); err != nil {
		return nil, err
	}

	// Parse reference (optional): "US-MA" or {key: "US-MA"}
	if rv := v.LookupPath(cue.ParsePath("reference")); rv.Exists() {
		if kv := rv.LookupPath(cue.ParsePath("key")); kv.Exists() {
			rv = kv
		}
		key, err := str(rv, field+".reference")
		if err != nil {
			return nil, err
		}
		spec.Reference = &ir.ReferenceSpec{Key: key}
	}

	if spec.Attributes, err = parseAttributes(v.LookupPath(cue.ParsePath("attributes")), field+".attributes"); err != nil {
		return nil, err
	}
	return spec, nil
}

// CompileReference parses a reference table: reference: "US-MA": { attributes: {...} }.
func CompileReference(v cue.Value) (*ir.ReferenceTable, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	table := &ir.ReferenceTable{Key: itemName(v)}
	attrs, err := parseAttributes(v.LookupPath(cue.ParsePath("attributes")), "reference."+table.Key+".attributes")
	if err != nil {
		return nil, err
	}
	table.Attributes = attrs
	return table, nil
}

// parseAttributes keeps declaration order. A missing block yields no
// attributes.
func parseAttributes(v cue.Value, field string) (ir.Attributes, error) {
	if !v.Exists() {
		return nil, nil
	}
	var attrs ir.Attributes
	err := eachField(v, field, func(label string, dv cue.Value) error {
		d, err := parseDistribution(dv, field+"."+label)
		if err != nil {
			return err
		}
		attrs = append(attrs, ir.AttributeSpec{Name: label, Distribution: d})
		return nil
	})
	return attrs, err
}

// CompileJourney parses a journey struct. Event templates are keyed by id
// and keep declaration order.
func CompileJourney(v cue.Value) (*ir.JourneySpec, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	spec := &ir.JourneySpec{ID: itemName(v)}
	field := "journey." + spec.ID

	var err error
	if spec.Domain, err = str(v.LookupPath(cue.ParsePath("domain")), field+".domain"); err != nil {
		return nil, err
	}

	eventsVal := v.LookupPath(cue.ParsePath("events"))
	if !eventsVal.Exists() {
		return nil, newCompileError(v, field+".events", "events are required")
	}
	err = eachField(eventsVal, field+".events", func(id string, ev cue.Value) error {
		tpl, err := parseTemplate(id, ev, field+".events."+id)
		if err != nil {
			return err
		}
		spec.Events = append(spec.Events, tpl)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return spec, nil
}

func parseTemplate(id string, v cue.Value, field string) (ir.EventTemplate, error) {
	tpl := ir.EventTemplate{ID: id}
	var err error

	if tpl.Type, err = str(v.LookupPath(cue.ParsePath("type")), field+".type"); err != nil {
		return tpl, err
	}
	if tpl.Delay, err = parseDelay(v.LookupPath(cue.ParsePath("delay")), field+".delay"); err != nil {
		return tpl, err
	}
	if tpl.DependsOn, err = optionalStrings(v, "depends_on", field); err != nil {
		return tpl, err
	}

	if cv := v.LookupPath(cue.ParsePath("conditions")); cv.Exists() {
		err := eachElem(cv, field+".conditions", func(i int, e cue.Value) error {
			p, err := parsePredicate(e, fmt.Sprintf("%s.conditions[%d]", field, i))
			tpl.Conditions = append(tpl.Conditions, p)
			return err
		})
		if err != nil {
			return tpl, err
		}
	}

	if rv := v.LookupPath(cue.ParsePath("recurrence")); rv.Exists() {
		every, err := parseDelay(rv.LookupPath(cue.ParsePath("every")), field+".recurrence.every")
		if err != nil {
			return tpl, err
		}
		rec := &ir.Recurrence{Every: every}
		if cv := rv.LookupPath(cue.ParsePath("count")); cv.Exists() {
			n, err := integer(cv, field+".recurrence.count")
			if err != nil {
				return tpl, err
			}
			rec.Count = int(n)
		}
		tpl.Recurrence = rec
	}

	if pv := v.LookupPath(cue.ParsePath("params")); pv.Exists() {
		if tpl.Params, err = parseObject(pv, field+".params"); err != nil {
			return tpl, err
		}
	}
	return tpl, nil
}

// CompileDomain parses domain: clinical: { event_types: [...] }.
func CompileDomain(v cue.Value) (*ir.DomainSchema, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	d := &ir.DomainSchema{Name: itemName(v)}
	field := "domain." + d.Name

	types, err := optionalStrings(v, "event_types", field)
	if err != nil {
		return nil, err
	}
	if types == nil {
		return nil, newCompileError(v, field+".event_types", "event_types is required")
	}
	d.EventTypes = types
	return d, nil
}

// CompileTrigger parses a trigger rule. Source and target are written as
// "domain.event_type".
func CompileTrigger(v cue.Value) (*ir.TriggerRule, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	rule := &ir.TriggerRule{ID: itemName(v)}
	field := "trigger." + rule.ID

	var err error
	if rule.Source, err = parseEventRef(v.LookupPath(cue.ParsePath("source")), field+".source"); err != nil {
		return nil, err
	}
	if rule.Target, err = parseEventRef(v.LookupPath(cue.ParsePath("target")), field+".target"); err != nil {
		return nil, err
	}
	if rule.Delay, err = parseDelay(v.LookupPath(cue.ParsePath("delay")), field+".delay"); err != nil {
		return nil, err
	}
	if wv := v.LookupPath(cue.ParsePath("when")); wv.Exists() {
		if rule.When, err = parsePredicate(wv, field+".when"); err != nil {
			return nil, err
		}
	}
	if pv := v.LookupPath(cue.ParsePath("params")); pv.Exists() {
		if rule.Params, err = parseObject(pv, field+".params"); err != nil {
			return nil, err
		}
	}
	return rule, nil
}

// CompileCohort parses a cohort. Dates are YYYY-MM-DD strings.
func CompileCohort(v cue.Value) (*ir.CohortSpec, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	c := &ir.CohortSpec{Name: itemName(v)}
	field := "cohort." + c.Name

	var err error
	if c.Population, err = str(v.LookupPath(cue.ParsePath("population")), field+".population"); err != nil {
		return nil, err
	}
	if c.Journeys, err = optionalStrings(v, "journeys", field); err != nil {
		return nil, err
	}
	if c.Start, err = parseDateField(v, "start", field); err != nil {
		return nil, err
	}
	if cv := v.LookupPath(cue.ParsePath("cutoff")); cv.Exists() {
		if c.Cutoff, err = parseDateField(v, "cutoff", field); err != nil {
			return nil, err
		}
	}
	if sv := v.LookupPath(cue.ParsePath("stagger")); sv.Exists() {
		d, err := parseDelay(sv, field+".stagger")
		if err != nil {
			return nil, err
		}
		c.Stagger = &d
	}
	return c, nil
}

func parseDateField(v cue.Value, key, field string) (t time.Time, err error) {
	dv := v.LookupPath(cue.ParsePath(key))
	s, err := str(dv, field+"."+key)
	if err != nil {
		return t, err
	}
	t, err = ir.ParseDate(s)
	if err != nil {
		return t, newCompileError(dv, field+"."+key, "%v", err)
	}
	return t, nil
}
