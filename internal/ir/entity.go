package ir

import (
	"cmp"
	"slices"
	"time"
)

// AttributeOrigin records where an entity attribute came from.
type AttributeOrigin string

const (
	OriginDeclared  AttributeOrigin = "declared"
	OriginReference AttributeOrigin = "reference"
)

// Entity is one generated member of a cohort.
//
// Seed is the entity's derived seed; journeys derive their own seeds from
// it, so an entity carries everything needed to regenerate its timelines.
type Entity struct {
	ID         string                     `json:"id"`
	Population string                     `json:"population"`
	Index      int                        `json:"index"`
	Seed       uint64                     `json:"seed"`
	Attributes IRObject                   `json:"attributes"`
	Origins    map[string]AttributeOrigin `json:"origins,omitempty"`
}

// EventStatus is the resolution state of a timeline event.
type EventStatus string

const (
	StatusScheduled EventStatus = "scheduled"
	StatusSkipped   EventStatus = "skipped"
)

// Skip reasons recorded on skipped events.
const (
	SkipCondition        = "condition"
	SkipDependencyPrefix = "dependency:"
)

// TriggerOrigin is the back-reference carried by an event synthesized by a
// trigger rule.
type TriggerOrigin struct {
	SourceEventID string `json:"source_event_id"`
	SourceDomain  string `json:"source_domain"`
	RuleID        string `json:"rule_id"`
	Depth         int    `json:"depth"`
}

// TimelineEvent is one resolved or skipped event instance.
// Skipped events have a zero Date.
type TimelineEvent struct {
	ID         string         `json:"id"`
	EntityID   string         `json:"entity_id"`
	JourneyID  string         `json:"journey_id,omitempty"`
	Domain     string         `json:"domain"`
	TemplateID string         `json:"template_id,omitempty"`
	Type       string         `json:"type"`
	Occurrence int            `json:"occurrence"`
	Date       time.Time      `json:"date"`
	Status     EventStatus    `json:"status"`
	SkipReason string         `json:"skip_reason,omitempty"`
	Params     IRObject       `json:"params,omitempty"`
	Origin     *TriggerOrigin `json:"origin,omitempty"`
	Seq        int64          `json:"seq"`
}

// Scheduled reports whether the event has a date.
func (e TimelineEvent) Scheduled() bool {
	return e.Status == StatusScheduled
}

// Timeline is the dated expansion of one or more journeys for one entity
// in one domain.
type Timeline struct {
	EntityID   string          `json:"entity_id"`
	Domain     string          `json:"domain"`
	JourneyIDs []string        `json:"journey_ids"`
	Start      time.Time       `json:"start"`
	Events     []TimelineEvent `json:"events"`
}

// Clone returns a deep copy of t. Nothing reachable from the clone,
// including event params and trigger origins, is shared with t.
func (t *Timeline) Clone() *Timeline {
	if t == nil {
		return nil
	}
	out := *t
	out.JourneyIDs = slices.Clone(t.JourneyIDs)
	out.Events = make([]TimelineEvent, len(t.Events))
	for i, e := range t.Events {
		out.Events[i] = e.Clone()
	}
	if t.Events == nil {
		out.Events = nil
	}
	return &out
}

// Clone returns a copy of e with its own params and origin.
func (e TimelineEvent) Clone() TimelineEvent {
	if e.Params != nil {
		e.Params = deepCopy(e.Params).(IRObject)
	}
	if e.Origin != nil {
		origin := *e.Origin
		e.Origin = &origin
	}
	return e
}

// Has reports whether the timeline already holds an event with id.
func (t *Timeline) Has(id string) bool {
	for _, e := range t.Events {
		if e.ID == id {
			return true
		}
	}
	return false
}

// Scheduled returns the scheduled events in timeline order.
func (t *Timeline) Scheduled() []TimelineEvent {
	var out []TimelineEvent
	for _, e := range t.Events {
		if e.Scheduled() {
			out = append(out, e)
		}
	}
	return out
}

// SortEvents orders events: scheduled ones by (date, seq, id), followed by
// skipped ones by seq. Seq is assigned in evaluation order, so ties keep
// dependency order.
func SortEvents(events []TimelineEvent) {
	slices.SortStableFunc(events, func(a, b TimelineEvent) int {
		if a.Scheduled() != b.Scheduled() {
			if a.Scheduled() {
				return -1
			}
			return 1
		}
		if a.Scheduled() {
			if c := a.Date.Compare(b.Date); c != 0 {
				return c
			}
		}
		if c := cmp.Compare(a.Seq, b.Seq); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}
