package coordinator

import (
	"maps"
	"slices"
	"sync"

	"github.com/roach88/cohortgen/internal/ir"
)

// LinkedEntity is one underlying person known under a different ID in each
// product domain, together with the timelines attached to it.
//
// A LinkedEntity guards its own state; concurrent AddTimeline and
// ExecuteCoordinated calls on the same entity are serialized.
type LinkedEntity struct {
	CoreID string

	mu         sync.Mutex
	domainIDs  map[string]string
	attributes ir.IRObject
	timelines  map[string]*ir.Timeline
	ledger     *FiringLedger
	clock      *Clock
}

// LinkOption configures a LinkedEntity.
type LinkOption func(*LinkedEntity)

// WithAttributes sets the attributes trigger conditions are evaluated
// against, typically the generated entity's attributes.
func WithAttributes(attrs ir.IRObject) LinkOption {
	return func(le *LinkedEntity) {
		le.attributes = attrs.Clone()
	}
}

// DomainID returns the entity's ID in domain.
func (le *LinkedEntity) DomainID(domain string) (string, bool) {
	le.mu.Lock()
	defer le.mu.Unlock()
	id, ok := le.domainIDs[domain]
	return id, ok
}

// Domains returns the linked domains in sorted order.
func (le *LinkedEntity) Domains() []string {
	le.mu.Lock()
	defer le.mu.Unlock()
	return slices.Sorted(maps.Keys(le.domainIDs))
}

// Attributes returns a copy of the entity's attributes.
func (le *LinkedEntity) Attributes() ir.IRObject {
	le.mu.Lock()
	defer le.mu.Unlock()
	return le.attributes.Clone()
}

// Timeline returns a copy of the timeline attached for domain.
func (le *LinkedEntity) Timeline(domain string) (*ir.Timeline, bool) {
	le.mu.Lock()
	defer le.mu.Unlock()
	tl, ok := le.timelines[domain]
	return tl.Clone(), ok
}

// Timelines returns copies of every attached timeline in domain order.
func (le *LinkedEntity) Timelines() []*ir.Timeline {
	le.mu.Lock()
	defer le.mu.Unlock()
	out := make([]*ir.Timeline, 0, len(le.timelines))
	for _, d := range slices.Sorted(maps.Keys(le.timelines)) {
		out = append(out, le.timelines[d].Clone())
	}
	return out
}

// Fired reports whether eventID has already been processed for triggering.
func (le *LinkedEntity) Fired(eventID string) bool {
	return le.ledger.Has(eventID)
}

// attach merges tl into the domain's timeline. Events already present are
// kept once. Callers hold le.mu.
func (le *LinkedEntity) attach(domain string, tl *ir.Timeline) {
	cur, ok := le.timelines[domain]
	if !ok {
		cur = &ir.Timeline{
			EntityID: le.domainIDs[domain],
			Domain:   domain,
			Start:    tl.Start,
		}
		le.timelines[domain] = cur
	}
	if tl.Start.Before(cur.Start) {
		cur.Start = tl.Start
	}
	for _, j := range tl.JourneyIDs {
		if !slices.Contains(cur.JourneyIDs, j) {
			cur.JourneyIDs = append(cur.JourneyIDs, j)
		}
	}
	for _, e := range tl.Events {
		if cur.Has(e.ID) {
			continue
		}
		cur.Events = append(cur.Events, e)
		le.clock.AdvanceTo(e.Seq)
	}
	ir.SortEvents(cur.Events)
}

// timelineFor returns the domain's timeline, creating an empty one for a
// linked domain that has none yet. Callers hold le.mu.
func (le *LinkedEntity) timelineFor(domain string) *ir.Timeline {
	if tl, ok := le.timelines[domain]; ok {
		return tl
	}
	tl := &ir.Timeline{EntityID: le.domainIDs[domain], Domain: domain}
	le.timelines[domain] = tl
	return tl
}
