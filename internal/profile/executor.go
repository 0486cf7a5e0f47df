// Package profile instantiates the entities of a population.
//
// Execution is validate-then-generate: the whole population spec, the
// reference baseline and the attribute dependency order are checked before
// the first entity is sampled, and a failure returns no entities at all.
//
// CRITICAL PATTERNS:
//   - Entity seed = Root(master).Derive(index); attribute seed =
//     entitySeed.Derive(name). Entity(ctx, spec, i) therefore equals entity
//     i of a full Execute
//   - Reference attributes are sampled first; declared attributes override
//     reference ones of the same name
//   - Conditional attributes are sampled after the attributes their
//     branches reference
//   - Entities are independent, so Execute partitions the index range over
//     workers; results are placed by index and never depend on scheduling
package profile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/cohortgen/internal/dag"
	"github.com/roach88/cohortgen/internal/distribution"
	"github.com/roach88/cohortgen/internal/expr"
	"github.com/roach88/cohortgen/internal/ir"
	"github.com/roach88/cohortgen/internal/metrics"
	"github.com/roach88/cohortgen/internal/seed"
)

// entityNamespace is the UUIDv5 namespace for entity IDs.
var entityNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("cohortgen/entity/v1"))

// EntityID returns the deterministic ID of entity index of a population.
func EntityID(population string, master int64, index int) string {
	return uuid.NewSHA1(entityNamespace, []byte(fmt.Sprintf("%s/%d/%d", population, master, index))).String()
}

// Executor generates populations.
type Executor struct {
	resolver Resolver
	workers  int
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithResolver sets the reference-data resolver. Without one, a
// population's reference key is ignored.
func WithResolver(r Resolver) Option {
	return func(x *Executor) {
		x.resolver = r
	}
}

// WithWorkers sets how many goroutines generate entities.
// Values below 1 mean one worker.
func WithWorkers(n int) Option {
	return func(x *Executor) {
		x.workers = max(n, 1)
	}
}

// WithMetrics records generation metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(x *Executor) {
		x.metrics = m
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(x *Executor) {
		x.logger = l
	}
}

// NewExecutor creates an Executor.
func NewExecutor(opts ...Option) *Executor {
	x := &Executor{
		workers: runtime.GOMAXPROCS(0),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// plan is a validated population ready to generate.
type plan struct {
	spec    ir.PopulationSpec
	order   []ir.AttributeSpec
	origins map[string]ir.AttributeOrigin
}

// Validate checks spec without calling the resolver. All problems are
// returned joined; each is an *ir.ConfigError.
func (x *Executor) Validate(spec ir.PopulationSpec) error {
	return errors.Join(validateSpec(spec)...)
}

// Execute generates every entity of spec in index order.
func (x *Executor) Execute(ctx context.Context, spec ir.PopulationSpec) ([]ir.Entity, error) {
	start := time.Now()

	p, err := x.prepare(ctx, spec)
	if err != nil {
		return nil, err
	}

	entities := make([]ir.Entity, spec.Count)
	workers := min(x.workers, max(spec.Count, 1))
	chunk := (spec.Count + workers - 1) / max(workers, 1)

	g, gctx := errgroup.WithContext(ctx)
	for lo := 0; lo < spec.Count; lo += chunk {
		hi := min(lo+chunk, spec.Count)
		g.Go(func() error {
			for i := lo; i < hi; i++ {
				if err := gctx.Err(); err != nil {
					return err
				}
				e, err := p.generate(i)
				if err != nil {
					return err
				}
				entities[i] = e
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	elapsed := time.Since(start)
	x.metrics.AddEntities(len(entities))
	x.metrics.ObserveProfileDuration(elapsed)
	x.logger.Info("population generated",
		"population", spec.Name,
		"count", len(entities),
		"workers", workers,
		"duration_ms", elapsed.Milliseconds())

	return entities, nil
}

// Entity regenerates entity index of spec in isolation. The result is
// identical to entity index of a full Execute.
func (x *Executor) Entity(ctx context.Context, spec ir.PopulationSpec, index int) (ir.Entity, error) {
	if index < 0 || index >= spec.Count {
		return ir.Entity{}, ir.NewConfigError(ir.ErrInvalidSpec, "population "+spec.Name,
			"index %d outside [0, %d)", index, spec.Count)
	}
	p, err := x.prepare(ctx, spec)
	if err != nil {
		return ir.Entity{}, err
	}
	return p.generate(index)
}

// Order fully validates spec, including the reference baseline and the
// attribute dependency graph, and returns the attribute names in sampling
// order. Nothing is generated.
func (x *Executor) Order(ctx context.Context, spec ir.PopulationSpec) ([]string, error) {
	p, err := x.prepare(ctx, spec)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(p.order))
	for i, a := range p.order {
		names[i] = a.Name
	}
	return names, nil
}

// prepare validates spec, resolves the reference baseline and computes the
// sampling order.
func (x *Executor) prepare(ctx context.Context, spec ir.PopulationSpec) (*plan, error) {
	if errs := validateSpec(spec); len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	var baseline Baseline
	if spec.Reference != nil && x.resolver != nil {
		b, err := x.resolver.Resolve(ctx, spec.Reference.Key)
		if err != nil {
			return nil, fmt.Errorf("resolve reference %q for population %s: %w", spec.Reference.Key, spec.Name, err)
		}
		baseline = b
		x.logger.Debug("reference resolved",
			"population", spec.Name,
			"key", spec.Reference.Key,
			"attributes", len(b))
	}

	return buildPlan(spec, baseline)
}

func validateSpec(spec ir.PopulationSpec) []error {
	subject := "population " + spec.Name
	var errs []error

	if spec.Name == "" {
		errs = append(errs, ir.NewConfigError(ir.ErrInvalidSpec, subject, "population requires a name"))
	}
	if spec.Count < 0 {
		errs = append(errs, ir.NewConfigError(ir.ErrInvalidSpec, subject, "count must not be negative, got %d", spec.Count))
	}

	seen := make(map[string]bool, len(spec.Attributes))
	for _, a := range spec.Attributes {
		if a.Name == "" {
			errs = append(errs, ir.NewConfigError(ir.ErrInvalidSpec, subject, "attribute requires a name"))
			continue
		}
		if seen[a.Name] {
			errs = append(errs, ir.NewConfigError(ir.ErrDuplicateID, subject+"/"+a.Name, "attribute declared twice"))
		}
		seen[a.Name] = true
		for _, err := range distribution.Check(a.Distribution) {
			errs = append(errs, ir.ScopeConfigError(err, subject+"/"+a.Name))
		}
	}
	return errs
}

// buildPlan merges the baseline under the declared attributes and orders
// them by their conditional dependencies.
func buildPlan(spec ir.PopulationSpec, baseline Baseline) (*plan, error) {
	subject := "population " + spec.Name

	declared := make(map[string]bool, len(spec.Attributes))
	for _, a := range spec.Attributes {
		declared[a.Name] = true
	}

	var attrs []ir.AttributeSpec
	origins := make(map[string]ir.AttributeOrigin)
	var errs []error
	for _, name := range baseline.Names() {
		if declared[name] {
			continue
		}
		for _, err := range distribution.Check(baseline[name]) {
			errs = append(errs, ir.ScopeConfigError(err, subject+"/reference/"+name))
		}
		attrs = append(attrs, ir.AttributeSpec{Name: name, Distribution: baseline[name]})
		origins[name] = ir.OriginReference
	}
	for _, a := range spec.Attributes {
		attrs = append(attrs, a)
		origins[a.Name] = ir.OriginDeclared
	}

	byName := make(map[string]ir.AttributeSpec, len(attrs))
	g := dag.New()
	for _, a := range attrs {
		byName[a.Name] = a
		g.AddNode(a.Name)
	}
	for _, a := range attrs {
		for _, ref := range expr.DistributionRefs(a.Distribution) {
			if _, ok := byName[ref]; !ok {
				errs = append(errs, ir.NewConfigError(ir.ErrUnknownReference, subject+"/"+a.Name,
					"condition refers to undeclared attribute %q", ref))
				continue
			}
			g.AddEdge(a.Name, ref)
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	names, err := g.TopoSort()
	if err != nil {
		var ce *dag.CycleError
		if errors.As(err, &ce) {
			return nil, ir.NewConfigError(ir.ErrCycle, subject, "attribute conditions form a cycle: %s", err)
		}
		return nil, err
	}

	order := make([]ir.AttributeSpec, len(names))
	for i, n := range names {
		order[i] = byName[n]
	}
	return &plan{spec: spec, order: order, origins: origins}, nil
}

// generate samples entity index. It reads only the plan, so it is safe to
// call from several goroutines.
func (p *plan) generate(index int) (ir.Entity, error) {
	entitySeed := seed.Root(p.spec.Seed).Derive(seed.I(index))

	attrs := make(ir.IRObject, len(p.order))
	for _, a := range p.order {
		v, err := distribution.SampleWith(a.Distribution, entitySeed.Derive(seed.S(a.Name)), distribution.Context{
			Attributes: attrs,
			Index:      index,
		})
		if err != nil {
			return ir.Entity{}, ir.ScopeConfigError(err, fmt.Sprintf("population %s/%s", p.spec.Name, a.Name))
		}
		attrs[a.Name] = v
	}

	origins := make(map[string]ir.AttributeOrigin, len(p.origins))
	for k, v := range p.origins {
		origins[k] = v
	}

	return ir.Entity{
		ID:         EntityID(p.spec.Name, p.spec.Seed, index),
		Population: p.spec.Name,
		Index:      index,
		Seed:       uint64(entitySeed),
		Attributes: attrs,
		Origins:    origins,
	}, nil
}
