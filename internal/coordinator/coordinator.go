// Package coordinator propagates events between the product domains of one
// person.
//
// Each domain (clinical, claims, pharmacy, ...) has its own timeline for a
// linked entity. Trigger rules spawn an event in one domain as a
// consequence of an event in another; the coordinator applies them up to a
// cutoff date.
//
// CRITICAL PATTERNS:
//
// Immutable Registry:
// Rules are read from a Registry snapshot taken before the run. Adding
// rules means taking a new snapshot and building a new Coordinator.
//
// Idempotent Firing:
// A synthesized event's ID is a hash of (source event ID, rule ID), and a
// source is recorded in the entity's FiringLedger after its rules run.
// Re-invoking ExecuteCoordinated never duplicates a firing.
//
// Bounded Propagation:
// Within one invocation, events present at the start are depth 0 and an
// event synthesized from a depth d source is depth d+1. A source at the
// depth limit is left unfired and reported as a TriggerDepthExceeded
// warning, so rule cycles cannot loop forever.
//
// Deterministic Scheduling:
// The frontier is processed in (date, domain, seq, id) order, rules in
// registration order, and trigger delays are drawn from seeds rooted in the
// source event ID.
package coordinator

import (
	"cmp"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/roach88/cohortgen/internal/distribution"
	"github.com/roach88/cohortgen/internal/expr"
	"github.com/roach88/cohortgen/internal/ir"
	"github.com/roach88/cohortgen/internal/metrics"
	"github.com/roach88/cohortgen/internal/seed"
)

// DefaultMaxDepth is the default propagation depth per invocation.
const DefaultMaxDepth = 3

// Coordinator applies a registry's trigger rules to linked entities.
// It holds no per-entity state and is safe for concurrent use.
type Coordinator struct {
	registry *Registry
	maxDepth int
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithMaxDepth sets the propagation depth per invocation.
// Values below 1 are ignored.
func WithMaxDepth(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.maxDepth = n
		}
	}
}

// WithMetrics records firing metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = l
	}
}

// New creates a Coordinator over registry.
func New(registry *Registry, opts ...Option) *Coordinator {
	c := &Coordinator{
		registry: registry,
		maxDepth: DefaultMaxDepth,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Registry returns the coordinator's registry.
func (c *Coordinator) Registry() *Registry {
	return c.registry
}

// CreateLinkedEntity links coreID to one ID per domain. Every domain must be
// registered.
func (c *Coordinator) CreateLinkedEntity(coreID string, domainIDs map[string]string, opts ...LinkOption) (*LinkedEntity, error) {
	if coreID == "" {
		return nil, ir.NewConfigError(ir.ErrInvalidSpec, "linked entity", "core id is required")
	}
	for _, d := range slices.Sorted(maps.Keys(domainIDs)) {
		if _, ok := c.registry.Domain(d); !ok {
			return nil, ir.NewConfigError(ir.ErrUnknownDomain, "linked entity "+coreID, "domain %q is not registered", d)
		}
		if domainIDs[d] == "" {
			return nil, ir.NewConfigError(ir.ErrInvalidSpec, "linked entity "+coreID, "empty id for domain %q", d)
		}
	}

	le := &LinkedEntity{
		CoreID:    coreID,
		domainIDs: maps.Clone(domainIDs),
		timelines: make(map[string]*ir.Timeline),
		ledger:    NewFiringLedger(),
		clock:     NewClockAt(0),
	}
	for _, opt := range opts {
		opt(le)
	}
	return le, nil
}

// AddTimeline attaches tl to le under domain. The domain must be linked
// and every event type registered for it. A second timeline for the same
// domain is merged into the first. tl itself is not retained.
func (c *Coordinator) AddTimeline(le *LinkedEntity, domain string, tl *ir.Timeline) error {
	subject := "linked entity " + le.CoreID
	if tl == nil {
		return ir.NewConfigError(ir.ErrInvalidSpec, subject, "nil timeline for domain %q", domain)
	}
	if tl.Domain != "" && tl.Domain != domain {
		return ir.NewConfigError(ir.ErrInvalidSpec, subject, "timeline of domain %q attached as %q", tl.Domain, domain)
	}
	if err := c.registry.CheckTimeline(domain, tl); err != nil {
		return err
	}

	le.mu.Lock()
	defer le.mu.Unlock()

	if _, ok := le.domainIDs[domain]; !ok {
		return ir.NewConfigError(ir.ErrUnknownDomain, subject, "domain %q is not linked", domain)
	}
	le.attach(domain, tl.Clone())
	return nil
}

// Firing records one applied rule.
type Firing struct {
	SourceEventID string `json:"source_event_id"`
	SourceDomain  string `json:"source_domain"`
	RuleID        string `json:"rule_id"`
	TargetEventID string `json:"target_event_id"`
	TargetDomain  string `json:"target_domain"`
	Depth         int    `json:"depth"`
}

// Result is the outcome of one ExecuteCoordinated invocation.
type Result struct {
	// Synthesized holds the events created by this invocation, per target
	// domain, in creation order.
	Synthesized map[string][]ir.TimelineEvent

	// Fired lists the applied rules in application order.
	Fired []Firing

	// Warnings are non-fatal: *TriggerDepthExceeded, *UnlinkedTarget.
	Warnings []error
}

// Count returns the number of synthesized events.
func (r *Result) Count() int {
	n := 0
	for _, events := range r.Synthesized {
		n += len(events)
	}
	return n
}

// triggerEnv evaluates rule conditions against the linked entity's
// attributes and the source event's params under "params.".
type triggerEnv struct {
	attrs  ir.IRObject
	params ir.IRObject
}

const paramsPrefix = "params."

func (t triggerEnv) Lookup(attr string) (ir.IRValue, bool) {
	if name, ok := strings.CutPrefix(attr, paramsPrefix); ok {
		v, ok := t.params[name]
		return v, ok
	}
	v, ok := t.attrs[attr]
	return v, ok
}

func (triggerEnv) EventStatus(string) (ir.EventStatus, bool) {
	return "", false
}

// ExecuteCoordinated fires the rules matching every scheduled, unfired
// event dated on or before upTo, across all of le's timelines, and keeps
// propagating through the events it synthesizes.
//
// Synthesized events are added to the target domain's timeline and
// returned. Depth-limit and unlinked-target conditions are reported in
// Result.Warnings; the returned error is reserved for configuration faults.
func (c *Coordinator) ExecuteCoordinated(le *LinkedEntity, upTo time.Time) (*Result, error) {
	y, m, d := upTo.UTC().Date()
	upTo = ir.Date(y, m, d)

	le.mu.Lock()
	defer le.mu.Unlock()

	result := &Result{Synthesized: make(map[string][]ir.TimelineEvent)}

	var frontier []ir.TimelineEvent
	for _, tl := range le.timelines {
		for _, e := range tl.Events {
			if e.Scheduled() && !e.Date.After(upTo) && !le.ledger.Has(e.ID) {
				frontier = append(frontier, e)
			}
		}
	}
	slices.SortFunc(frontier, func(a, b ir.TimelineEvent) int {
		return cmp.Or(
			a.Date.Compare(b.Date),
			cmp.Compare(a.Domain, b.Domain),
			cmp.Compare(a.Seq, b.Seq),
			cmp.Compare(a.ID, b.ID),
		)
	})

	var work worklist
	for _, e := range frontier {
		work.push(pending{event: e})
	}
	seeded := work.len()

	touched := make(map[string]bool)
	var stalled []string
	unlinked := make(map[string]bool)

	for {
		p, ok := work.pop()
		if !ok {
			break
		}
		src := p.event
		if le.ledger.Has(src.ID) {
			continue
		}

		matches, err := c.matching(le, src)
		if err != nil {
			return nil, err
		}
		if len(matches) > 0 && p.depth >= c.maxDepth {
			stalled = append(stalled, src.ID)
			continue
		}

		for _, rule := range matches {
			if _, linked := le.domainIDs[rule.Target.Domain]; !linked {
				key := rule.ID + "/" + rule.Target.Domain
				if !unlinked[key] {
					unlinked[key] = true
					result.Warnings = append(result.Warnings, &UnlinkedTarget{
						CoreID:        le.CoreID,
						RuleID:        rule.ID,
						Domain:        rule.Target.Domain,
						SourceEventID: src.ID,
					})
				}
				continue
			}

			ev, err := c.synthesize(le, src, rule, p.depth+1)
			if err != nil {
				return nil, err
			}
			target := le.timelineFor(rule.Target.Domain)
			if target.Has(ev.ID) {
				continue
			}
			target.Events = append(target.Events, ev)
			touched[rule.Target.Domain] = true

			result.Synthesized[rule.Target.Domain] = append(result.Synthesized[rule.Target.Domain], ev)
			result.Fired = append(result.Fired, Firing{
				SourceEventID: src.ID,
				SourceDomain:  src.Domain,
				RuleID:        rule.ID,
				TargetEventID: ev.ID,
				TargetDomain:  ev.Domain,
				Depth:         ev.Origin.Depth,
			})
			c.metrics.IncrementTriggerFired(rule.ID)

			if !ev.Date.After(upTo) {
				work.push(pending{event: ev, depth: p.depth + 1})
			}
		}
		le.ledger.Record(src.ID)
	}

	for domain := range touched {
		ir.SortEvents(le.timelines[domain].Events)
	}

	if len(stalled) > 0 {
		result.Warnings = append(result.Warnings, &TriggerDepthExceeded{
			CoreID:  le.CoreID,
			Limit:   c.maxDepth,
			Pending: stalled,
		})
		c.metrics.IncrementDepthExceeded()
		c.logger.Warn("trigger depth exceeded",
			"core_id", le.CoreID,
			"max_depth", c.maxDepth,
			"pending", len(stalled))
	}

	c.logger.Debug("coordinated execution",
		"core_id", le.CoreID,
		"up_to", upTo.Format(ir.DateLayout),
		"seeded", seeded,
		"fired", len(result.Fired),
		"warnings", len(result.Warnings))

	return result, nil
}

// matching returns the rules for src whose condition holds.
func (c *Coordinator) matching(le *LinkedEntity, src ir.TimelineEvent) ([]ir.TriggerRule, error) {
	rules := c.registry.RulesFor(src.Domain, src.Type)
	if len(rules) == 0 {
		return nil, nil
	}
	env := triggerEnv{attrs: le.attributes, params: src.Params}

	var out []ir.TriggerRule
	for _, rule := range rules {
		if rule.When != nil {
			ok, err := expr.Eval(rule.When, env)
			if err != nil {
				return nil, ir.NewConfigError(ir.ErrInvalidPredicate, "trigger "+rule.ID, "%v", err)
			}
			if !ok {
				continue
			}
		}
		out = append(out, rule)
	}
	return out, nil
}

// synthesize builds the event rule creates from src.
func (c *Coordinator) synthesize(le *LinkedEntity, src ir.TimelineEvent, rule ir.TriggerRule, depth int) (ir.TimelineEvent, error) {
	id, err := ir.TriggeredEventID(src.ID, rule.ID)
	if err != nil {
		return ir.TimelineEvent{}, err
	}
	days, err := distribution.SampleDelay(rule.Delay, seed.FromString(src.ID).Derive(seed.S(rule.ID)))
	if err != nil {
		return ir.TimelineEvent{}, ir.ScopeConfigError(err, "trigger "+rule.ID)
	}

	params := rule.Params.Clone()
	if params == nil && len(src.Params) > 0 {
		params = src.Params.Clone()
	}

	return ir.TimelineEvent{
		ID:       id,
		EntityID: le.domainIDs[rule.Target.Domain],
		Domain:   rule.Target.Domain,
		Type:     rule.Target.EventType,
		Date:     src.Date.AddDate(0, 0, days),
		Status:   ir.StatusScheduled,
		Params:   params,
		Origin: &ir.TriggerOrigin{
			SourceEventID: src.ID,
			SourceDomain:  src.Domain,
			RuleID:        rule.ID,
			Depth:         depth,
		},
		Seq: le.clock.Next(),
	}, nil
}

// String renders a firing for logs and trace output.
func (f Firing) String() string {
	return fmt.Sprintf("%s/%s --%s--> %s/%s (depth %d)",
		f.SourceDomain, short(f.SourceEventID), f.RuleID, f.TargetDomain, short(f.TargetEventID), f.Depth)
}

func short(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
