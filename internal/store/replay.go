package store

import (
	"context"
	"fmt"

	"github.com/roach88/cohortgen/internal/ir"
	"github.com/roach88/cohortgen/internal/pipeline"
)

// Verification compares a stored run with a regeneration of it.
type Verification struct {
	RunID           string      `json:"run_id"`
	StoredHash      string      `json:"stored_hash"`      // written with the run
	ReadBackHash    string      `json:"read_back_hash"`   // recomputed from the tables
	RegeneratedHash string      `json:"regenerated_hash"` // of the fresh run
	SpecDrift       bool        `json:"spec_drift"`
	Divergence      *Divergence `json:"divergence,omitempty"`
}

// Intact reports whether the stored tables still match the stored hash.
func (v Verification) Intact() bool {
	return v.StoredHash == v.ReadBackHash
}

// Deterministic reports whether the regeneration reproduced the stored run
// exactly.
func (v Verification) Deterministic() bool {
	return v.Intact() && v.StoredHash == v.RegeneratedHash
}

// Divergence locates the first difference between two runs.
type Divergence struct {
	EntityIndex int    `json:"entity_index"`
	Domain      string `json:"domain,omitempty"`
	Position    int    `json:"position"`
	Stored      string `json:"stored"`
	Regenerated string `json:"regenerated"`
}

func (d *Divergence) String() string {
	where := fmt.Sprintf("entity %d", d.EntityIndex)
	if d.Domain != "" {
		where += fmt.Sprintf(" %s event %d", d.Domain, d.Position)
	}
	return fmt.Sprintf("%s: stored %s, regenerated %s", where, d.Stored, d.Regenerated)
}

// VerifyRun compares the stored run runID with regenerated, a fresh run of
// the same cohort. The comparison is by snapshot hash; when the hashes
// differ the first differing member or event is located.
func (s *Store) VerifyRun(ctx context.Context, runID string, regenerated *pipeline.CohortRun) (Verification, error) {
	stored, err := s.ReadCohortRun(ctx, runID)
	if err != nil {
		return Verification{}, fmt.Errorf("verify run %s: %w", runID, err)
	}
	header, err := s.ReadRun(ctx, runID)
	if err != nil {
		return Verification{}, fmt.Errorf("verify run %s: %w", runID, err)
	}

	v := Verification{
		RunID:      runID,
		StoredHash: header.SnapshotHash,
		SpecDrift:  header.SpecHash != regenerated.SpecHash,
	}
	if v.ReadBackHash, err = stored.SnapshotHash(); err != nil {
		return Verification{}, fmt.Errorf("verify run %s: %w", runID, err)
	}
	if v.RegeneratedHash, err = regenerated.SnapshotHash(); err != nil {
		return Verification{}, fmt.Errorf("verify run %s: %w", runID, err)
	}
	if v.ReadBackHash != v.RegeneratedHash {
		v.Divergence = firstDivergence(stored, regenerated)
	}
	return v, nil
}

// firstDivergence walks both runs in order and reports the first member or
// event that differs. Returns nil if only run-level fields differ.
func firstDivergence(stored, regenerated *pipeline.CohortRun) *Divergence {
	n := min(len(stored.Members), len(regenerated.Members))
	for i := 0; i < n; i++ {
		a, b := &stored.Members[i], &regenerated.Members[i]
		if d := memberDivergence(i, a, b); d != nil {
			return d
		}
	}
	if len(stored.Members) != len(regenerated.Members) {
		return &Divergence{
			EntityIndex: n,
			Stored:      fmt.Sprintf("%d members", len(stored.Members)),
			Regenerated: fmt.Sprintf("%d members", len(regenerated.Members)),
		}
	}
	return nil
}

func memberDivergence(idx int, a, b *pipeline.Member) *Divergence {
	switch {
	case a.Entity.ID != b.Entity.ID:
		return &Divergence{EntityIndex: idx, Stored: "id " + a.Entity.ID, Regenerated: "id " + b.Entity.ID}
	case !ir.Equal(attrsOrEmpty(a.Entity.Attributes), attrsOrEmpty(b.Entity.Attributes)):
		return &Divergence{EntityIndex: idx, Stored: "attributes " + canonical(a.Entity.Attributes),
			Regenerated: "attributes " + canonical(b.Entity.Attributes)}
	case !a.Start.Equal(b.Start):
		return &Divergence{EntityIndex: idx, Stored: "start " + formatDate(a.Start),
			Regenerated: "start " + formatDate(b.Start)}
	}

	for _, ta := range a.Timelines {
		tb, ok := b.Timeline(ta.Domain)
		if !ok {
			return &Divergence{EntityIndex: idx, Domain: ta.Domain, Stored: "timeline", Regenerated: "none"}
		}
		n := min(len(ta.Events), len(tb.Events))
		for j := 0; j < n; j++ {
			ea, eb := describeEvent(ta.Events[j]), describeEvent(tb.Events[j])
			if ea != eb {
				return &Divergence{EntityIndex: idx, Domain: ta.Domain, Position: j, Stored: ea, Regenerated: eb}
			}
		}
		if len(ta.Events) != len(tb.Events) {
			return &Divergence{EntityIndex: idx, Domain: ta.Domain, Position: n,
				Stored:      fmt.Sprintf("%d events", len(ta.Events)),
				Regenerated: fmt.Sprintf("%d events", len(tb.Events))}
		}
	}
	if len(a.Timelines) != len(b.Timelines) {
		return &Divergence{EntityIndex: idx,
			Stored:      fmt.Sprintf("%d timelines", len(a.Timelines)),
			Regenerated: fmt.Sprintf("%d timelines", len(b.Timelines))}
	}
	return nil
}

func attrsOrEmpty(obj ir.IRObject) ir.IRObject {
	if obj == nil {
		return ir.IRObject{}
	}
	return obj
}

func canonical(obj ir.IRObject) string {
	s, err := marshalObject(obj)
	if err != nil {
		return fmt.Sprintf("<%v>", err)
	}
	return s
}

// describeEvent renders the fields an event is compared on.
func describeEvent(e ir.TimelineEvent) string {
	date := "-"
	if e.Scheduled() {
		date = formatDate(e.Date)
	}
	s := fmt.Sprintf("%s %s@%s %s", e.ID, e.Type, date, e.Status)
	if e.SkipReason != "" {
		s += " (" + e.SkipReason + ")"
	}
	if len(e.Params) > 0 {
		s += " " + canonical(e.Params)
	}
	return s
}
