// Package journey expands journey specifications into dated timelines.
//
// A journey is compiled once into a Plan (validated, topologically ordered)
// and the plan is expanded per entity. Expansion is a pure function of the
// plan, the entity and the start date.
//
// CRITICAL PATTERNS:
//   - Event seed = DerivePath(entity.Seed, journeyID, templateID); recurring
//     templates append the occurrence index
//   - A dependent template's base date is the latest of its dependencies'
//     dates; roots use the journey start
//   - A skipped dependency skips its dependents ("dependency:<id>"); a
//     failed condition skips the template itself ("condition")
//   - Skipped events are kept in the timeline, never dropped
//   - The journey spec is read, never written
package journey

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/cohortgen/internal/dag"
	"github.com/roach88/cohortgen/internal/distribution"
	"github.com/roach88/cohortgen/internal/expr"
	"github.com/roach88/cohortgen/internal/ir"
	"github.com/roach88/cohortgen/internal/metrics"
	"github.com/roach88/cohortgen/internal/seed"
)

// DefaultMaxOccurrences bounds recurring templates that declare no count.
const DefaultMaxOccurrences = 12

// Engine creates timelines.
type Engine struct {
	maxOccurrences int
	horizon        time.Time
	metrics        *metrics.Metrics
	logger         *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithMaxOccurrences limits recurring templates without a count.
// Values below 1 are ignored.
func WithMaxOccurrences(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxOccurrences = n
		}
	}
}

// WithHorizon stops recurrence expansion after the given date. The first
// occurrence of a template is always kept.
func WithHorizon(t time.Time) Option {
	return func(e *Engine) {
		e.horizon = day(t)
	}
}

// WithMetrics records event counts.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// New creates an Engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		maxOccurrences: DefaultMaxOccurrences,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CreateTimeline validates journey and expands it for entity from start.
func (e *Engine) CreateTimeline(entity ir.Entity, journey ir.JourneySpec, start time.Time) (*ir.Timeline, error) {
	p, err := Compile(journey)
	if err != nil {
		return nil, err
	}
	return e.Expand(p, entity, start)
}

// Validate reports every problem in journey without expanding it.
func (e *Engine) Validate(journey ir.JourneySpec) error {
	_, err := Compile(journey)
	return err
}

// Plan is a validated journey in walk order. Plans are immutable and may be
// shared between goroutines.
type Plan struct {
	journey ir.JourneySpec
	order   []ir.EventTemplate
}

// JourneyID returns the id of the compiled journey.
func (p *Plan) JourneyID() string { return p.journey.ID }

// Domain returns the domain of the compiled journey.
func (p *Plan) Domain() string { return p.journey.Domain }

// Order returns the template ids in walk order.
func (p *Plan) Order() []string {
	ids := make([]string, len(p.order))
	for i, t := range p.order {
		ids[i] = t.ID
	}
	return ids
}

// Compile validates journey and computes its walk order.
//
// Every problem is reported, joined; each is an *ir.ConfigError. A cycle
// among depends_on edges is reported once the rest of the journey is
// well-formed.
func Compile(journey ir.JourneySpec) (*Plan, error) {
	subject := "journey " + journey.ID
	var errs []error

	if journey.ID == "" {
		errs = append(errs, ir.NewConfigError(ir.ErrInvalidSpec, subject, "journey requires an id"))
	}
	if journey.Domain == "" {
		errs = append(errs, ir.NewConfigError(ir.ErrInvalidSpec, subject, "journey requires a domain"))
	}

	byID := make(map[string]ir.EventTemplate, len(journey.Events))
	for _, t := range journey.Events {
		if t.ID == "" {
			errs = append(errs, ir.NewConfigError(ir.ErrInvalidSpec, subject, "event template requires an id"))
			continue
		}
		if _, dup := byID[t.ID]; dup {
			errs = append(errs, ir.NewConfigError(ir.ErrDuplicateID, subject+"/"+t.ID, "event template declared twice"))
			continue
		}
		byID[t.ID] = t
	}

	g := dag.New()
	for _, t := range journey.Events {
		if t.ID == "" {
			continue
		}
		errs = append(errs, validateTemplate(t, byID, subject+"/"+t.ID)...)
		g.AddNode(t.ID)
		for _, dep := range t.DependsOn {
			if _, ok := byID[dep]; ok {
				g.AddEdge(t.ID, dep)
			}
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	ids, err := g.TopoSort()
	if err != nil {
		return nil, ir.NewConfigError(ir.ErrCycle, subject, "%s", err)
	}

	pos := make(map[string]int, len(ids))
	order := make([]ir.EventTemplate, len(ids))
	for i, id := range ids {
		pos[id] = i
		order[i] = byID[id]
	}

	// An event condition can only observe templates already walked.
	for _, t := range order {
		for _, c := range t.Conditions {
			_, events := expr.Refs(c)
			for _, ref := range events {
				if pos[ref] >= pos[t.ID] {
					errs = append(errs, ir.NewConfigError(ir.ErrForwardReference, subject+"/"+t.ID,
						"condition observes %q, which is not resolved before this event; add it to depends_on", ref))
				}
			}
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	return &Plan{journey: journey, order: order}, nil
}

func validateTemplate(t ir.EventTemplate, byID map[string]ir.EventTemplate, subject string) []error {
	var errs []error

	if t.Type == "" {
		errs = append(errs, ir.NewConfigError(ir.ErrInvalidSpec, subject, "event template requires a type"))
	}
	if err := distribution.ValidateDelay(t.Delay); err != nil {
		errs = append(errs, ir.ScopeConfigError(err, subject+"/delay"))
	}
	for _, dep := range t.DependsOn {
		if _, ok := byID[dep]; !ok {
			errs = append(errs, ir.NewConfigError(ir.ErrUnknownReference, subject,
				"depends on undeclared event %q", dep))
		}
	}
	for i, c := range t.Conditions {
		errs = append(errs, expr.Validate(c, expr.ScopeJourney, fmt.Sprintf("%s/conditions[%d]", subject, i))...)
		_, events := expr.Refs(c)
		for _, ref := range events {
			if _, ok := byID[ref]; !ok {
				errs = append(errs, ir.NewConfigError(ir.ErrUnknownReference, subject,
					"condition observes undeclared event %q", ref))
			}
		}
	}
	if r := t.Recurrence; r != nil {
		if err := distribution.ValidateDelay(r.Every); err != nil {
			errs = append(errs, ir.ScopeConfigError(err, subject+"/recurrence"))
		} else if minDays(r.Every) < 1 {
			errs = append(errs, ir.NewConfigError(ir.ErrInvalidRange, subject+"/recurrence",
				"recurrence interval must be at least one day, got %s", r.Every))
		}
		if r.Count < 0 {
			errs = append(errs, ir.NewConfigError(ir.ErrInvalidRange, subject+"/recurrence",
				"recurrence count must not be negative, got %d", r.Count))
		}
	}
	return errs
}

func minDays(d ir.Delay) int {
	if d.Shape == ir.ShapeFixed || d.Shape == "" {
		return d.Days
	}
	return d.Min
}

// resolution is the outcome of one template during a walk. Date is the
// first occurrence's date.
type resolution struct {
	status ir.EventStatus
	date   time.Time
}

// walkEnv exposes entity attributes and already-walked templates to
// event conditions.
type walkEnv struct {
	attrs    ir.IRObject
	resolved map[string]resolution
}

func (w walkEnv) Lookup(attr string) (ir.IRValue, bool) {
	v, ok := w.attrs[attr]
	return v, ok
}

func (w walkEnv) EventStatus(id string) (ir.EventStatus, bool) {
	r, ok := w.resolved[id]
	return r.status, ok
}

// Expand resolves plan for entity starting at start. Only the calendar
// day of start is used.
func (e *Engine) Expand(p *Plan, entity ir.Entity, start time.Time) (*ir.Timeline, error) {
	start = day(start)
	journeyID := p.journey.ID
	journeySeed := seed.Seed(entity.Seed).Derive(seed.S(journeyID))

	env := walkEnv{attrs: entity.Attributes, resolved: make(map[string]resolution, len(p.order))}
	events := make([]ir.TimelineEvent, 0, len(p.order))
	var seq int64

	emit := func(t ir.EventTemplate, occurrence int, date time.Time, status ir.EventStatus, reason string) error {
		id, err := ir.EventID(entity.ID, journeyID, t.ID, occurrence)
		if err != nil {
			return err
		}
		events = append(events, ir.TimelineEvent{
			ID:         id,
			EntityID:   entity.ID,
			JourneyID:  journeyID,
			Domain:     p.journey.Domain,
			TemplateID: t.ID,
			Type:       t.Type,
			Occurrence: occurrence,
			Date:       date,
			Status:     status,
			SkipReason: reason,
			Params:     t.Params.Clone(),
			Seq:        seq,
		})
		seq++
		e.metrics.IncrementTimelineEvent(string(status))
		return nil
	}

	for _, t := range p.order {
		base := start
		reason := ""
		for i, dep := range t.DependsOn {
			r := env.resolved[dep]
			if r.status == ir.StatusSkipped {
				reason = ir.SkipDependencyPrefix + dep
				break
			}
			if i == 0 || r.date.After(base) {
				base = r.date
			}
		}
		if reason == "" {
			ok, err := expr.EvalAll(t.Conditions, env)
			if err != nil {
				return nil, ir.NewConfigError(ir.ErrInvalidPredicate, "journey "+journeyID+"/"+t.ID, "%v", err)
			}
			if !ok {
				reason = ir.SkipCondition
			}
		}

		if reason != "" {
			env.resolved[t.ID] = resolution{status: ir.StatusSkipped}
			if err := emit(t, 0, time.Time{}, ir.StatusSkipped, reason); err != nil {
				return nil, err
			}
			continue
		}

		templateSeed := journeySeed.Derive(seed.S(t.ID))
		dates, err := e.occurrences(t, templateSeed, base)
		if err != nil {
			return nil, ir.ScopeConfigError(err, "journey "+journeyID+"/"+t.ID)
		}
		env.resolved[t.ID] = resolution{status: ir.StatusScheduled, date: dates[0]}
		for k, d := range dates {
			if err := emit(t, k, d, ir.StatusScheduled, ""); err != nil {
				return nil, err
			}
		}
	}

	ir.SortEvents(events)

	e.logger.Debug("timeline created",
		"entity_id", entity.ID,
		"journey_id", journeyID,
		"events", len(events))

	return &ir.Timeline{
		EntityID:   entity.ID,
		Domain:     p.journey.Domain,
		JourneyIDs: []string{journeyID},
		Start:      start,
		Events:     events,
	}, nil
}

// occurrences returns the dates of t's occurrences from base. Recurring
// templates draw occurrence k from templateSeed.Derive(k).
func (e *Engine) occurrences(t ir.EventTemplate, templateSeed seed.Seed, base time.Time) ([]time.Time, error) {
	if t.Recurrence == nil {
		days, err := distribution.SampleDelay(t.Delay, templateSeed)
		if err != nil {
			return nil, err
		}
		return []time.Time{base.AddDate(0, 0, days)}, nil
	}

	limit := t.Recurrence.Count
	if limit == 0 {
		limit = e.maxOccurrences
	}

	days, err := distribution.SampleDelay(t.Delay, templateSeed.Derive(seed.I(0)))
	if err != nil {
		return nil, err
	}
	dates := []time.Time{base.AddDate(0, 0, days)}

	for k := 1; k < limit; k++ {
		every, err := distribution.SampleDelay(t.Recurrence.Every, templateSeed.Derive(seed.I(k)))
		if err != nil {
			return nil, err
		}
		next := dates[k-1].AddDate(0, 0, every)
		if !e.horizon.IsZero() && next.After(e.horizon) {
			break
		}
		dates = append(dates, next)
	}
	return dates, nil
}

// day truncates t to midnight UTC of its calendar day.
func day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return ir.Date(y, m, d)
}
