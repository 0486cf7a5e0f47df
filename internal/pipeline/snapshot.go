package pipeline

import (
	"fmt"
	"strconv"
	"time"

	"github.com/roach88/cohortgen/internal/ir"
)

// Snapshot renders the run as canonical JSON. The run ID is left out, so
// two runs of the same cohort and spec compare byte for byte.
//
// Nil and empty collections render the same way, which lets a run read back
// from storage reproduce the snapshot of the run that was written.
func (r *CohortRun) Snapshot() ([]byte, error) {
	members := make(ir.IRArray, 0, len(r.Members))
	for i := range r.Members {
		members = append(members, snapshotMember(&r.Members[i]))
	}
	cycles := make(ir.IRArray, 0, len(r.RuleCycles))
	for _, c := range r.RuleCycles {
		cycles = append(cycles, ir.IRString(c))
	}

	doc := ir.IRObject{
		"cohort":            ir.IRString(r.Cohort.Name),
		"population":        ir.IRString(r.Population),
		"seed":              ir.IRInt(r.Seed),
		"spec_hash":         ir.IRString(r.SpecHash),
		"cutoff":            snapshotDate(r.Cutoff),
		"generator_version": ir.IRString(ir.GeneratorVersion),
		"members":           members,
		"rule_cycles":       cycles,
	}
	data, err := ir.MarshalCanonical(doc)
	if err != nil {
		return nil, fmt.Errorf("snapshot run %s: %w", r.ID, err)
	}
	return data, nil
}

// SnapshotHash returns the content hash of Snapshot.
func (r *CohortRun) SnapshotHash() (string, error) {
	data, err := r.Snapshot()
	if err != nil {
		return "", err
	}
	return ir.SnapshotHash(data), nil
}

func snapshotMember(m *Member) ir.IRObject {
	e := m.Entity
	origins := make(ir.IRObject, len(e.Origins))
	for k, v := range e.Origins {
		origins[k] = ir.IRString(v)
	}
	attrs := e.Attributes
	if attrs == nil {
		attrs = ir.IRObject{}
	}
	domainIDs := make(ir.IRObject, len(m.DomainIDs))
	for k, v := range m.DomainIDs {
		domainIDs[k] = ir.IRString(v)
	}

	timelines := make(ir.IRArray, 0, len(m.Timelines))
	for _, tl := range m.Timelines {
		timelines = append(timelines, snapshotTimeline(tl))
	}
	firings := make(ir.IRArray, 0, len(m.Firings))
	for _, f := range m.Firings {
		firings = append(firings, ir.IRObject{
			"source_event_id": ir.IRString(f.SourceEventID),
			"source_domain":   ir.IRString(f.SourceDomain),
			"rule_id":         ir.IRString(f.RuleID),
			"target_event_id": ir.IRString(f.TargetEventID),
			"target_domain":   ir.IRString(f.TargetDomain),
			"depth":           ir.IRInt(f.Depth),
		})
	}

	return ir.IRObject{
		"entity": ir.IRObject{
			"id":         ir.IRString(e.ID),
			"population": ir.IRString(e.Population),
			"index":      ir.IRInt(e.Index),
			// uint64 does not fit IRInt
			"seed":       ir.IRString(strconv.FormatUint(e.Seed, 10)),
			"attributes": attrs,
			"origins":    origins,
		},
		"domain_ids": domainIDs,
		"start":      snapshotDate(m.Start),
		"timelines":  timelines,
		"firings":    firings,
		"warnings":   stringArray(m.Warnings),
	}
}

func snapshotTimeline(tl *ir.Timeline) ir.IRObject {
	events := make(ir.IRArray, 0, len(tl.Events))
	for _, ev := range tl.Events {
		params := ev.Params
		if params == nil {
			params = ir.IRObject{}
		}
		obj := ir.IRObject{
			"id":          ir.IRString(ev.ID),
			"entity_id":   ir.IRString(ev.EntityID),
			"journey_id":  ir.IRString(ev.JourneyID),
			"domain":      ir.IRString(ev.Domain),
			"template_id": ir.IRString(ev.TemplateID),
			"type":        ir.IRString(ev.Type),
			"occurrence":  ir.IRInt(ev.Occurrence),
			"date":        snapshotDate(ev.Date),
			"status":      ir.IRString(ev.Status),
			"skip_reason": ir.IRString(ev.SkipReason),
			"params":      params,
			"seq":         ir.IRInt(ev.Seq),
		}
		if o := ev.Origin; o != nil {
			obj["origin"] = ir.IRObject{
				"source_event_id": ir.IRString(o.SourceEventID),
				"source_domain":   ir.IRString(o.SourceDomain),
				"rule_id":         ir.IRString(o.RuleID),
				"depth":           ir.IRInt(o.Depth),
			}
		}
		events = append(events, obj)
	}
	return ir.IRObject{
		"entity_id":   ir.IRString(tl.EntityID),
		"domain":      ir.IRString(tl.Domain),
		"journey_ids": stringArray(tl.JourneyIDs),
		"start":       snapshotDate(tl.Start),
		"events":      events,
	}
}

func snapshotDate(t time.Time) ir.IRValue {
	if t.IsZero() {
		return ir.IRNull{}
	}
	return ir.IRString(t.Format(ir.DateLayout))
}

func stringArray(ss []string) ir.IRArray {
	out := make(ir.IRArray, 0, len(ss))
	for _, s := range ss {
		out = append(out, ir.IRString(s))
	}
	return out
}
