package coordinator

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/roach88/cohortgen/internal/dag"
	"github.com/roach88/cohortgen/internal/distribution"
	"github.com/roach88/cohortgen/internal/expr"
	"github.com/roach88/cohortgen/internal/ir"
)

// RegistryBuilder collects domain schemas and trigger rules.
//
// Registration may happen from several places (one per product domain) and
// is safe for concurrent use. Nothing is validated until Snapshot, which
// freezes the current contents into an immutable Registry; later
// registrations do not affect snapshots already taken.
type RegistryBuilder struct {
	mu      sync.Mutex
	domains []ir.DomainSchema
	rules   []ir.TriggerRule
}

// NewRegistryBuilder creates an empty builder.
func NewRegistryBuilder() *RegistryBuilder {
	return &RegistryBuilder{}
}

// RegisterDomain adds a domain schema.
func (b *RegistryBuilder) RegisterDomain(d ir.DomainSchema) *RegistryBuilder {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.domains = append(b.domains, d)
	return b
}

// RegisterRule adds a trigger rule. Rules are evaluated in registration order.
func (b *RegistryBuilder) RegisterRule(r ir.TriggerRule) *RegistryBuilder {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rules = append(b.rules, r)
	return b
}

// Snapshot validates the registered schemas and rules and returns an
// immutable Registry. All problems are returned joined, each an
// *ir.ConfigError.
func (b *RegistryBuilder) Snapshot() (*Registry, error) {
	b.mu.Lock()
	domains := slices.Clone(b.domains)
	rules := slices.Clone(b.rules)
	b.mu.Unlock()

	return NewRegistry(domains, rules)
}

// Registry is an immutable snapshot of domain schemas and trigger rules.
// One registry serves a whole run; it is read-only and safe to share
// between goroutines.
type Registry struct {
	domains  []ir.DomainSchema
	byDomain map[string]ir.DomainSchema
	rules    []ir.TriggerRule
	bySource map[ir.EventRef][]ir.TriggerRule
	cycles   []*RuleCycle
}

// NewRegistry validates domains and rules and builds a Registry.
// The slices are copied.
func NewRegistry(domains []ir.DomainSchema, rules []ir.TriggerRule) (*Registry, error) {
	r := &Registry{
		domains:  slices.Clone(domains),
		byDomain: make(map[string]ir.DomainSchema, len(domains)),
		rules:    slices.Clone(rules),
		bySource: make(map[ir.EventRef][]ir.TriggerRule),
	}

	var errs []error
	for _, d := range r.domains {
		subject := "domain " + d.Name
		if d.Name == "" {
			errs = append(errs, ir.NewConfigError(ir.ErrInvalidSpec, subject, "domain requires a name"))
			continue
		}
		if _, dup := r.byDomain[d.Name]; dup {
			errs = append(errs, ir.NewConfigError(ir.ErrDuplicateID, subject, "domain registered twice"))
			continue
		}
		seen := make(map[string]bool, len(d.EventTypes))
		for _, t := range d.EventTypes {
			if seen[t] {
				errs = append(errs, ir.NewConfigError(ir.ErrDuplicateID, subject, "event type %q declared twice", t))
			}
			seen[t] = true
		}
		r.byDomain[d.Name] = d
	}

	ids := make(map[string]bool, len(r.rules))
	for _, rule := range r.rules {
		subject := "trigger " + rule.ID
		if rule.ID == "" {
			errs = append(errs, ir.NewConfigError(ir.ErrInvalidSpec, subject, "trigger rule requires an id"))
		} else if ids[rule.ID] {
			errs = append(errs, ir.NewConfigError(ir.ErrDuplicateID, subject, "trigger rule registered twice"))
		}
		ids[rule.ID] = true

		errs = append(errs, r.checkRef(rule.Source, subject+"/source")...)
		errs = append(errs, r.checkRef(rule.Target, subject+"/target")...)
		if err := distribution.ValidateDelay(rule.Delay); err != nil {
			errs = append(errs, ir.ScopeConfigError(err, subject+"/delay"))
		}
		if rule.When != nil {
			errs = append(errs, expr.Validate(rule.When, expr.ScopeAttributes, subject+"/when")...)
		}
		r.bySource[rule.Source] = append(r.bySource[rule.Source], rule)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	g := dag.New()
	for _, rule := range r.rules {
		g.AddEdge(rule.Source.String(), rule.Target.String())
	}
	for _, path := range g.Cycles() {
		r.cycles = append(r.cycles, &RuleCycle{Path: path})
	}

	return r, nil
}

// checkRef verifies that ref names a registered domain and one of its
// event types.
func (r *Registry) checkRef(ref ir.EventRef, subject string) []error {
	d, ok := r.byDomain[ref.Domain]
	if !ok {
		return []error{ir.NewConfigError(ir.ErrUnknownDomain, subject, "domain %q is not registered", ref.Domain)}
	}
	if !d.HasEventType(ref.EventType) {
		return []error{ir.NewConfigError(ir.ErrUnknownEventType, subject,
			"domain %q has no event type %q", ref.Domain, ref.EventType)}
	}
	return nil
}

// Domain returns the schema of a registered domain.
func (r *Registry) Domain(name string) (ir.DomainSchema, bool) {
	d, ok := r.byDomain[name]
	return d, ok
}

// Domains returns the registered schemas in registration order.
func (r *Registry) Domains() []ir.DomainSchema {
	return slices.Clone(r.domains)
}

// Rules returns the rules in registration order.
func (r *Registry) Rules() []ir.TriggerRule {
	return slices.Clone(r.rules)
}

// RulesFor returns the rules whose source is (domain, eventType), in
// registration order. The returned slice must not be modified.
func (r *Registry) RulesFor(domain, eventType string) []ir.TriggerRule {
	return r.bySource[ir.EventRef{Domain: domain, EventType: eventType}]
}

// Cycles returns the rule cycles found at snapshot time. Cycles are legal;
// the coordinator bounds them with its depth limit.
func (r *Registry) Cycles() []*RuleCycle {
	return slices.Clone(r.cycles)
}

// CheckTimeline verifies that every event of tl has a type registered for
// domain.
func (r *Registry) CheckTimeline(domain string, tl *ir.Timeline) error {
	d, ok := r.byDomain[domain]
	if !ok {
		return ir.NewConfigError(ir.ErrUnknownDomain, "domain "+domain, "domain is not registered")
	}
	var errs []error
	seen := make(map[string]bool)
	for _, e := range tl.Events {
		if seen[e.Type] {
			continue
		}
		seen[e.Type] = true
		if !d.HasEventType(e.Type) {
			errs = append(errs, ir.NewConfigError(ir.ErrUnknownEventType, fmt.Sprintf("domain %s/%s", domain, e.TemplateID),
				"event type %q is not registered for the domain", e.Type))
		}
	}
	return errors.Join(errs...)
}
