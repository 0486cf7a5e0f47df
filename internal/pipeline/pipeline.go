// Package pipeline runs a whole cohort: profile execution, journey
// expansion per member and domain, and coordinated trigger execution.
//
// The pipeline is glue around the engine packages. It compiles everything
// once (registry snapshot, journey plans) and then processes members in
// parallel; each member is independent and the result is ordered by entity
// index, so output never depends on scheduling.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/cohortgen/internal/coordinator"
	"github.com/roach88/cohortgen/internal/distribution"
	"github.com/roach88/cohortgen/internal/ir"
	"github.com/roach88/cohortgen/internal/journey"
	"github.com/roach88/cohortgen/internal/metrics"
	"github.com/roach88/cohortgen/internal/profile"
	"github.com/roach88/cohortgen/internal/seed"
)

// domainNamespace is the UUIDv5 namespace for per-domain entity IDs.
var domainNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("cohortgen/domain-id/v1"))

// DomainID returns the deterministic ID of entityID in domain, e.g. the
// member number a claims system would know the person by.
func DomainID(entityID, domain string) string {
	return uuid.NewSHA1(domainNamespace, []byte(entityID+"/"+domain)).String()
}

// Member is one generated cohort member with its coordinated timelines.
type Member struct {
	Entity    ir.Entity            `json:"entity"`
	DomainIDs map[string]string    `json:"domain_ids"`
	Start     time.Time            `json:"start"`
	Timelines []*ir.Timeline       `json:"timelines"`
	Firings   []coordinator.Firing `json:"firings,omitempty"`
	Warnings  []string             `json:"warnings,omitempty"`
}

// Timeline returns the member's timeline for domain.
func (m *Member) Timeline(domain string) (*ir.Timeline, bool) {
	for _, tl := range m.Timelines {
		if tl.Domain == domain {
			return tl, true
		}
	}
	return nil, false
}

// CohortRun is the result of one cohort run.
type CohortRun struct {
	ID         string        `json:"id"`
	Cohort     ir.CohortSpec `json:"cohort"`
	Population string        `json:"population"`
	Seed       int64         `json:"seed"`
	SpecHash   string        `json:"spec_hash"`
	Cutoff     time.Time     `json:"cutoff"`
	Members    []Member      `json:"members"`
	RuleCycles []string      `json:"rule_cycles,omitempty"`
}

// Pipeline runs cohorts of one compiled bundle.
type Pipeline struct {
	bundle         *ir.Bundle
	resolver       profile.Resolver
	workers        int
	maxDepth       int
	maxOccurrences int
	cutoff         time.Time
	runIDs         RunIDGenerator
	metrics        *metrics.Metrics
	logger         *slog.Logger

	registry *coordinator.Registry
	plans    map[string]*journey.Plan
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithResolver sets the reference-data resolver passed to the profile
// executor. Without one, populations use the bundle's reference tables.
func WithResolver(r profile.Resolver) Option {
	return func(p *Pipeline) {
		p.resolver = r
	}
}

// WithWorkers sets the number of members processed in parallel.
func WithWorkers(n int) Option {
	return func(p *Pipeline) {
		p.workers = max(n, 1)
	}
}

// WithMaxDepth sets the coordinator's propagation depth.
func WithMaxDepth(n int) Option {
	return func(p *Pipeline) {
		p.maxDepth = n
	}
}

// WithMaxOccurrences limits recurring templates without a count.
func WithMaxOccurrences(n int) Option {
	return func(p *Pipeline) {
		p.maxOccurrences = n
	}
}

// WithCutoff overrides the cohort's cutoff date.
func WithCutoff(t time.Time) Option {
	return func(p *Pipeline) {
		p.cutoff = t
	}
}

// WithRunIDGenerator sets the run ID source. Defaults to UUIDv7Generator.
func WithRunIDGenerator(g RunIDGenerator) Option {
	return func(p *Pipeline) {
		p.runIDs = g
	}
}

// WithMetrics records metrics in every stage.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		p.logger = l
	}
}

// New validates bundle's domains, triggers and journeys and prepares them
// for runs.
func New(bundle *ir.Bundle, opts ...Option) (*Pipeline, error) {
	p := &Pipeline{
		bundle:         bundle,
		workers:        runtime.GOMAXPROCS(0),
		maxDepth:       coordinator.DefaultMaxDepth,
		maxOccurrences: journey.DefaultMaxOccurrences,
		runIDs:         UUIDv7Generator{},
		logger:         slog.Default(),
		plans:          make(map[string]*journey.Plan, len(bundle.Journeys)),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.resolver == nil && len(bundle.References) > 0 {
		p.resolver = profile.NewStaticResolver(bundle.References)
	}

	registry, err := coordinator.NewRegistry(bundle.Domains, bundle.Triggers)
	if err != nil {
		return nil, err
	}
	p.registry = registry

	var errs []error
	for _, j := range bundle.Journeys {
		plan, err := journey.Compile(j)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		errs = append(errs, checkJourneyDomain(registry, j)...)
		p.plans[j.ID] = plan
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return p, nil
}

// checkJourneyDomain verifies that a journey's domain and event types are
// registered, so typos fail before any member is generated.
func checkJourneyDomain(r *coordinator.Registry, j ir.JourneySpec) []error {
	subject := "journey " + j.ID
	d, ok := r.Domain(j.Domain)
	if !ok {
		return []error{ir.NewConfigError(ir.ErrUnknownDomain, subject, "domain %q is not registered", j.Domain)}
	}
	var errs []error
	for _, t := range j.Events {
		if !d.HasEventType(t.Type) {
			errs = append(errs, ir.NewConfigError(ir.ErrUnknownEventType, subject+"/"+t.ID,
				"domain %q has no event type %q", j.Domain, t.Type))
		}
	}
	return errs
}

// Registry returns the trigger registry snapshot.
func (p *Pipeline) Registry() *coordinator.Registry {
	return p.registry
}

// Run generates the named cohort.
func Run(ctx context.Context, bundle *ir.Bundle, cohort string, opts ...Option) (*CohortRun, error) {
	p, err := New(bundle, opts...)
	if err != nil {
		return nil, err
	}
	return p.Run(ctx, cohort)
}

// Run generates the named cohort. Any error discards the whole run.
func (p *Pipeline) Run(ctx context.Context, cohortName string) (*CohortRun, error) {
	cohort, pop, cutoff, err := p.resolveCohort(cohortName)
	if err != nil {
		return nil, err
	}

	executor := profile.NewExecutor(
		profile.WithResolver(p.resolver),
		profile.WithWorkers(p.workers),
		profile.WithMetrics(p.metrics),
		profile.WithLogger(p.logger),
	)
	entities, err := executor.Execute(ctx, pop)
	if err != nil {
		return nil, err
	}

	engine := journey.New(
		journey.WithMaxOccurrences(p.maxOccurrences),
		journey.WithHorizon(cutoff),
		journey.WithMetrics(p.metrics),
		journey.WithLogger(p.logger),
	)
	coord := coordinator.New(p.registry,
		coordinator.WithMaxDepth(p.maxDepth),
		coordinator.WithMetrics(p.metrics),
		coordinator.WithLogger(p.logger),
	)

	members := make([]Member, len(entities))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for i := range entities {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			m, err := p.member(engine, coord, cohort, entities[i], cutoff)
			if err != nil {
				return fmt.Errorf("member %d: %w", i, err)
			}
			members[i] = m
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	run := &CohortRun{
		ID:         p.runIDs.Generate(),
		Cohort:     cohort,
		Population: pop.Name,
		Seed:       pop.Seed,
		SpecHash:   p.bundle.SpecHash,
		Cutoff:     cutoff,
		Members:    members,
	}
	for _, c := range p.registry.Cycles() {
		run.RuleCycles = append(run.RuleCycles, c.Error())
	}

	p.logger.Info("cohort generated",
		"run_id", run.ID,
		"cohort", cohort.Name,
		"members", len(members),
		"cutoff", cutoff.Format(ir.DateLayout))
	return run, nil
}

func (p *Pipeline) resolveCohort(name string) (ir.CohortSpec, ir.PopulationSpec, time.Time, error) {
	subject := "cohort " + name
	cohort, ok := p.bundle.Cohort(name)
	if !ok {
		return ir.CohortSpec{}, ir.PopulationSpec{}, time.Time{},
			ir.NewConfigError(ir.ErrUnknownReference, subject, "cohort is not declared")
	}
	pop, ok := p.bundle.Population(cohort.Population)
	if !ok {
		return ir.CohortSpec{}, ir.PopulationSpec{}, time.Time{},
			ir.NewConfigError(ir.ErrUnknownReference, subject, "population %q is not declared", cohort.Population)
	}
	var errs []error
	for _, j := range cohort.Journeys {
		if _, ok := p.plans[j]; !ok {
			errs = append(errs, ir.NewConfigError(ir.ErrUnknownReference, subject, "journey %q is not declared", j))
		}
	}
	if cohort.Stagger != nil {
		if err := distribution.ValidateDelay(*cohort.Stagger); err != nil {
			errs = append(errs, ir.ScopeConfigError(err, subject+"/stagger"))
		}
	}

	cutoff := cohort.Cutoff
	if !p.cutoff.IsZero() {
		cutoff = p.cutoff
	}
	switch {
	case cutoff.IsZero():
		errs = append(errs, ir.NewConfigError(ir.ErrInvalidSpec, subject, "cutoff date is required"))
	case cutoff.Before(cohort.Start):
		errs = append(errs, ir.NewConfigError(ir.ErrInvalidRange, subject, "cutoff %s is before start %s",
			cutoff.Format(ir.DateLayout), cohort.Start.Format(ir.DateLayout)))
	}
	if len(errs) > 0 {
		return ir.CohortSpec{}, ir.PopulationSpec{}, time.Time{}, errors.Join(errs...)
	}
	return cohort, pop, cutoff, nil
}

// member expands and coordinates one entity.
func (p *Pipeline) member(engine *journey.Engine, coord *coordinator.Coordinator, cohort ir.CohortSpec, entity ir.Entity, cutoff time.Time) (Member, error) {
	domainIDs := make(map[string]string, len(p.bundle.Domains))
	for _, d := range p.bundle.Domains {
		domainIDs[d.Name] = DomainID(entity.ID, d.Name)
	}

	start := cohort.Start
	if cohort.Stagger != nil {
		days, err := distribution.SampleDelay(*cohort.Stagger, seed.Seed(entity.Seed).Derive(seed.S("start")))
		if err != nil {
			return Member{}, err
		}
		start = start.AddDate(0, 0, days)
	}

	le, err := coord.CreateLinkedEntity(entity.ID, domainIDs, coordinator.WithAttributes(entity.Attributes))
	if err != nil {
		return Member{}, err
	}

	for _, id := range cohort.Journeys {
		plan := p.plans[id]
		domainEntity := entity
		domainEntity.ID = domainIDs[plan.Domain()]

		tl, err := engine.Expand(plan, domainEntity, start)
		if err != nil {
			return Member{}, err
		}
		if err := coord.AddTimeline(le, plan.Domain(), tl); err != nil {
			return Member{}, err
		}
	}

	res, err := coord.ExecuteCoordinated(le, cutoff)
	if err != nil {
		return Member{}, err
	}

	m := Member{
		Entity:    entity,
		DomainIDs: domainIDs,
		Start:     start,
		Timelines: le.Timelines(),
		Firings:   res.Fired,
	}
	for _, w := range res.Warnings {
		m.Warnings = append(m.Warnings, w.Error())
	}
	return m, nil
}
