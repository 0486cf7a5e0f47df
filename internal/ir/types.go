package ir

import (
	"encoding/json"
	"fmt"
	"time"
)

// DateLayout is the calendar date format used in specs, storage and output.
const DateLayout = "2006-01-02"

// Date returns midnight UTC on the given calendar day.
func Date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a YYYY-MM-DD calendar date.
func ParseDate(s string) (time.Time, error) {
	t, err := time.ParseInLocation(DateLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q (want %s): %w", s, DateLayout, err)
	}
	return t, nil
}

// PopulationSpec declares how a cohort's entities are generated.
type PopulationSpec struct {
	Name       string         `json:"name"`
	Count      int            `json:"count"`
	Seed       int64          `json:"seed"`
	Attributes Attributes     `json:"attributes"`
	Reference  *ReferenceSpec `json:"reference,omitempty"`
}

// ReferenceSpec names the lookup key passed to the reference-data resolver,
// e.g. a geography code.
type ReferenceSpec struct {
	Key string `json:"key"`
}

// ReferenceTable holds reference statistics for one lookup key.
type ReferenceTable struct {
	Key        string     `json:"key"`
	Attributes Attributes `json:"attributes"`
}

// DelayShape selects how a delay is drawn.
type DelayShape string

const (
	ShapeFixed   DelayShape = "fixed"
	ShapeUniform DelayShape = "uniform"
	ShapeNormal  DelayShape = "normal"
)

// Delay is a day offset: a fixed number of days, or a range [Min, Max]
// drawn with a uniform or normal shape.
type Delay struct {
	Shape DelayShape `json:"shape"`
	Days  int        `json:"days,omitempty"`
	Min   int        `json:"min,omitempty"`
	Max   int        `json:"max,omitempty"`
}

// FixedDelay returns a delay of exactly days.
func FixedDelay(days int) Delay {
	return Delay{Shape: ShapeFixed, Days: days}
}

// RangeDelay returns a delay drawn from [lo, hi] with the given shape.
func RangeDelay(lo, hi int, shape DelayShape) Delay {
	return Delay{Shape: shape, Min: lo, Max: hi}
}

// String renders the delay for logs and tables.
func (d Delay) String() string {
	if d.Shape == ShapeFixed || d.Shape == "" {
		return fmt.Sprintf("%dd", d.Days)
	}
	return fmt.Sprintf("%s[%d..%d]d", d.Shape, d.Min, d.Max)
}

// Recurrence repeats a template. Each occurrence after the first is Every
// days after the previous one. Count bounds the sequence; zero leaves the
// bound to the caller.
type Recurrence struct {
	Every Delay `json:"every"`
	Count int   `json:"count,omitempty"`
}

// EventTemplate is one node of a journey's event graph.
type EventTemplate struct {
	ID         string      `json:"id"`
	Type       string      `json:"type"`
	Delay      Delay       `json:"delay"`
	DependsOn  []string    `json:"depends_on,omitempty"`
	Conditions []Predicate `json:"-"`
	Recurrence *Recurrence `json:"recurrence,omitempty"`
	Params     IRObject    `json:"params,omitempty"`
}

// MarshalJSON implements json.Marshaler for EventTemplate.
func (t EventTemplate) MarshalJSON() ([]byte, error) {
	type plain EventTemplate
	conds := make([]json.RawMessage, 0, len(t.Conditions))
	for _, c := range t.Conditions {
		b, err := MarshalPredicate(c)
		if err != nil {
			return nil, err
		}
		conds = append(conds, b)
	}
	return json.Marshal(struct {
		plain
		Conditions []json.RawMessage `json:"conditions,omitempty"`
	}{plain(t), conds})
}

// JourneySpec is a reusable event graph for one domain.
type JourneySpec struct {
	ID     string          `json:"id"`
	Domain string          `json:"domain"`
	Events []EventTemplate `json:"events"`
}

// Template returns the template with the given id.
func (j JourneySpec) Template(id string) (EventTemplate, bool) {
	for _, t := range j.Events {
		if t.ID == id {
			return t, true
		}
	}
	return EventTemplate{}, false
}

// DomainSchema registers the event types a domain may carry.
type DomainSchema struct {
	Name       string   `json:"name"`
	EventTypes []string `json:"event_types"`
}

// HasEventType reports whether the domain declares eventType.
func (d DomainSchema) HasEventType(eventType string) bool {
	for _, t := range d.EventTypes {
		if t == eventType {
			return true
		}
	}
	return false
}

// EventRef identifies an event type within a domain.
type EventRef struct {
	Domain    string `json:"domain"`
	EventType string `json:"event_type"`
}

// String renders domain.event_type.
func (r EventRef) String() string {
	return r.Domain + "." + r.EventType
}

// TriggerRule spawns a Target event Delay days after a Source event,
// optionally only when When holds.
type TriggerRule struct {
	ID     string    `json:"id"`
	Source EventRef  `json:"source"`
	Target EventRef  `json:"target"`
	Delay  Delay     `json:"delay"`
	When   Predicate `json:"-"`
	Params IRObject  `json:"params,omitempty"`
}

// MarshalJSON implements json.Marshaler for TriggerRule.
func (r TriggerRule) MarshalJSON() ([]byte, error) {
	type plain TriggerRule
	var when json.RawMessage
	if r.When != nil {
		b, err := MarshalPredicate(r.When)
		if err != nil {
			return nil, err
		}
		when = b
	}
	return json.Marshal(struct {
		plain
		When json.RawMessage `json:"when,omitempty"`
	}{plain(r), when})
}

// CohortSpec binds a population to the journeys its members follow.
// Every entity starts at Start, shifted by Stagger when set, and
// coordinated execution runs up to Cutoff.
type CohortSpec struct {
	Name       string    `json:"name"`
	Population string    `json:"population"`
	Journeys   []string  `json:"journeys"`
	Start      time.Time `json:"start"`
	Stagger    *Delay    `json:"stagger,omitempty"`
	Cutoff     time.Time `json:"cutoff"`
}

// Bundle is everything compiled from one spec directory.
// Slices keep declaration order (sorted by name where CUE gives no order).
type Bundle struct {
	Populations []PopulationSpec `json:"populations"`
	Journeys    []JourneySpec    `json:"journeys"`
	Domains     []DomainSchema   `json:"domains"`
	Triggers    []TriggerRule    `json:"triggers"`
	Cohorts     []CohortSpec     `json:"cohorts"`
	References  []ReferenceTable `json:"references,omitempty"`
	SpecHash    string           `json:"spec_hash"`
}

// Population returns the named population spec.
func (b *Bundle) Population(name string) (PopulationSpec, bool) {
	for _, p := range b.Populations {
		if p.Name == name {
			return p, true
		}
	}
	return PopulationSpec{}, false
}

// Journey returns the journey with the given id.
func (b *Bundle) Journey(id string) (JourneySpec, bool) {
	for _, j := range b.Journeys {
		if j.ID == id {
			return j, true
		}
	}
	return JourneySpec{}, false
}

// Cohort returns the named cohort.
func (b *Bundle) Cohort(name string) (CohortSpec, bool) {
	for _, c := range b.Cohorts {
		if c.Name == name {
			return c, true
		}
	}
	return CohortSpec{}, false
}
