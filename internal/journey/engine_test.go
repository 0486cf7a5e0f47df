package journey

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cohortgen/internal/ir"
	"github.com/roach88/cohortgen/internal/metrics"
	"github.com/roach88/cohortgen/internal/seed"
)

var jan1 = ir.Date(2025, time.January, 1)

func testEntity(index int, attrs ir.IRObject) ir.Entity {
	return ir.Entity{
		ID:         "entity-" + string(rune('a'+index)),
		Population: "adults",
		Index:      index,
		Seed:       uint64(seed.Root(42).Derive(seed.I(index))),
		Attributes: attrs,
	}
}

func dxLabJourney() ir.JourneySpec {
	return ir.JourneySpec{
		ID:     "t2d-onboarding",
		Domain: "clinical",
		Events: []ir.EventTemplate{
			{ID: "dx", Type: "diagnosis", Delay: ir.FixedDelay(0)},
			{ID: "lab", Type: "lab_order", Delay: ir.RangeDelay(1, 7, ir.ShapeUniform), DependsOn: []string{"dx"}},
		},
	}
}

func byTemplate(tl *ir.Timeline) map[string]ir.TimelineEvent {
	out := make(map[string]ir.TimelineEvent)
	for _, e := range tl.Events {
		if e.Occurrence == 0 {
			out[e.TemplateID] = e
		}
	}
	return out
}

// ============================================================================
// Scheduling
// ============================================================================

func TestDxLabExample(t *testing.T) {
	eng := New()

	for i := range 25 {
		entity := testEntity(i, ir.IRObject{})
		tl, err := eng.CreateTimeline(entity, dxLabJourney(), jan1)
		require.NoError(t, err)

		events := byTemplate(tl)
		assert.Equal(t, jan1, events["dx"].Date)
		lab := events["lab"].Date
		assert.False(t, lab.Before(ir.Date(2025, time.January, 2)), "lab %s", lab)
		assert.False(t, lab.After(ir.Date(2025, time.January, 8)), "lab %s", lab)

		again, err := eng.CreateTimeline(entity, dxLabJourney(), jan1)
		require.NoError(t, err)
		assert.Equal(t, tl, again)
	}
}

func TestTimelineFields(t *testing.T) {
	entity := testEntity(0, ir.IRObject{})
	tl, err := New().CreateTimeline(entity, dxLabJourney(), jan1.Add(15*time.Hour))
	require.NoError(t, err)

	assert.Equal(t, entity.ID, tl.EntityID)
	assert.Equal(t, "clinical", tl.Domain)
	assert.Equal(t, []string{"t2d-onboarding"}, tl.JourneyIDs)
	assert.Equal(t, jan1, tl.Start, "start is truncated to its calendar day")

	require.Len(t, tl.Events, 2)
	dx := tl.Events[0]
	assert.Equal(t, "dx", dx.TemplateID)
	assert.Equal(t, "diagnosis", dx.Type)
	assert.Equal(t, ir.StatusScheduled, dx.Status)
	assert.Equal(t, ir.MustEventID(entity.ID, "t2d-onboarding", "dx", 0), dx.ID)
}

func TestDelaySeedFollowsPath(t *testing.T) {
	j := ir.JourneySpec{ID: "j", Domain: "clinical", Events: []ir.EventTemplate{
		{ID: "visit", Type: "visit", Delay: ir.RangeDelay(0, 365, ir.ShapeUniform)},
	}}
	entity := testEntity(3, ir.IRObject{})

	tl, err := New().CreateTimeline(entity, j, jan1)
	require.NoError(t, err)

	u := seed.DerivePath(seed.Seed(entity.Seed), seed.S("j"), seed.S("visit")).Float64()
	want := jan1.AddDate(0, 0, int(u*366))
	assert.Equal(t, want, tl.Events[0].Date)
}

func TestMultipleDependenciesUseLatestDate(t *testing.T) {
	j := ir.JourneySpec{ID: "j", Domain: "clinical", Events: []ir.EventTemplate{
		{ID: "a", Type: "visit", Delay: ir.FixedDelay(3)},
		{ID: "b", Type: "visit", Delay: ir.FixedDelay(10)},
		{ID: "c", Type: "visit", Delay: ir.FixedDelay(1), DependsOn: []string{"a", "b"}},
	}}

	tl, err := New().CreateTimeline(testEntity(0, nil), j, jan1)
	require.NoError(t, err)

	assert.Equal(t, ir.Date(2025, time.January, 12), byTemplate(tl)["c"].Date)
}

func TestDependentNeverPrecedesDependency(t *testing.T) {
	j := ir.JourneySpec{ID: "j", Domain: "clinical", Events: []ir.EventTemplate{
		{ID: "b", Type: "visit", Delay: ir.RangeDelay(0, 30, ir.ShapeNormal), DependsOn: []string{"a"}},
		{ID: "a", Type: "visit", Delay: ir.RangeDelay(0, 90, ir.ShapeUniform)},
	}}
	eng := New()

	for i := range 50 {
		tl, err := eng.CreateTimeline(testEntity(i, nil), j, jan1)
		require.NoError(t, err)
		events := byTemplate(tl)
		assert.False(t, events["b"].Date.Before(events["a"].Date))
	}
}

func TestEventsOrderedByDate(t *testing.T) {
	j := ir.JourneySpec{ID: "j", Domain: "clinical", Events: []ir.EventTemplate{
		{ID: "late", Type: "visit", Delay: ir.FixedDelay(30)},
		{ID: "early", Type: "visit", Delay: ir.FixedDelay(2)},
		{ID: "same", Type: "visit", Delay: ir.FixedDelay(2)},
	}}

	tl, err := New().CreateTimeline(testEntity(0, nil), j, jan1)
	require.NoError(t, err)

	var ids []string
	for _, e := range tl.Events {
		ids = append(ids, e.TemplateID)
	}
	assert.Equal(t, []string{"early", "same", "late"}, ids)
}

func TestSpecNotMutated(t *testing.T) {
	j := dxLabJourney()
	j.Events[0].Params = ir.IRObject{"code": ir.IRString("E11.9")}
	before := dxLabJourney()
	before.Events[0].Params = ir.IRObject{"code": ir.IRString("E11.9")}

	tl, err := New().CreateTimeline(testEntity(0, nil), j, jan1)
	require.NoError(t, err)
	tl.Events[0].Params["code"] = ir.IRString("changed")

	assert.Equal(t, before, j)
}

// ============================================================================
// Conditions and skipping
// ============================================================================

func screeningJourney() ir.JourneySpec {
	return ir.JourneySpec{ID: "screening", Domain: "clinical", Events: []ir.EventTemplate{
		{ID: "colonoscopy", Type: "procedure", Delay: ir.FixedDelay(14), Conditions: []ir.Predicate{
			ir.Compare{Attr: "age", Op: ir.OpGe, Value: ir.IRInt(45)},
		}},
		{ID: "pathology", Type: "lab_result", Delay: ir.FixedDelay(5), DependsOn: []string{"colonoscopy"}},
		{ID: "followup", Type: "visit", Delay: ir.FixedDelay(30), DependsOn: []string{"pathology"}},
		{ID: "reminder", Type: "outreach", Delay: ir.FixedDelay(60), Conditions: []ir.Predicate{
			ir.EventState{Event: "colonoscopy", State: ir.StatusSkipped},
		}},
	}}
}

func TestSkipPropagatesToDependents(t *testing.T) {
	tl, err := New().CreateTimeline(testEntity(0, ir.IRObject{"age": ir.IRInt(30)}), screeningJourney(), jan1)
	require.NoError(t, err)

	events := byTemplate(tl)
	assert.Equal(t, ir.StatusSkipped, events["colonoscopy"].Status)
	assert.Equal(t, ir.SkipCondition, events["colonoscopy"].SkipReason)
	assert.True(t, events["colonoscopy"].Date.IsZero())
	assert.Equal(t, ir.StatusSkipped, events["pathology"].Status)
	assert.Equal(t, "dependency:colonoscopy", events["pathology"].SkipReason)
	assert.Equal(t, "dependency:pathology", events["followup"].SkipReason)

	assert.Equal(t, ir.StatusScheduled, events["reminder"].Status)
	assert.Equal(t, ir.Date(2025, time.March, 2), events["reminder"].Date)

	require.Len(t, tl.Events, 4)
	assert.Equal(t, "reminder", tl.Events[0].TemplateID, "scheduled events come before skipped ones")
}

func TestConditionsHold(t *testing.T) {
	tl, err := New().CreateTimeline(testEntity(0, ir.IRObject{"age": ir.IRInt(60)}), screeningJourney(), jan1)
	require.NoError(t, err)

	events := byTemplate(tl)
	assert.Equal(t, ir.Date(2025, time.January, 15), events["colonoscopy"].Date)
	assert.Equal(t, ir.Date(2025, time.January, 20), events["pathology"].Date)
	assert.Equal(t, ir.Date(2025, time.February, 19), events["followup"].Date)
	assert.Equal(t, ir.StatusSkipped, events["reminder"].Status)
	assert.Equal(t, ir.SkipCondition, events["reminder"].SkipReason)
}

func TestMissingAttributeFailsCondition(t *testing.T) {
	tl, err := New().CreateTimeline(testEntity(0, ir.IRObject{}), screeningJourney(), jan1)
	require.NoError(t, err)

	assert.Equal(t, ir.StatusSkipped, byTemplate(tl)["colonoscopy"].Status)
}

// ============================================================================
// Recurrence
// ============================================================================

func TestRecurrenceWithCount(t *testing.T) {
	j := ir.JourneySpec{ID: "j", Domain: "pharmacy", Events: []ir.EventTemplate{
		{ID: "fill", Type: "dispense", Delay: ir.FixedDelay(1), Recurrence: &ir.Recurrence{Every: ir.FixedDelay(30), Count: 4}},
	}}

	tl, err := New().CreateTimeline(testEntity(0, nil), j, jan1)
	require.NoError(t, err)

	require.Len(t, tl.Events, 4)
	for k, e := range tl.Events {
		assert.Equal(t, k, e.Occurrence)
		assert.Equal(t, jan1.AddDate(0, 0, 1+30*k), e.Date)
		assert.Equal(t, ir.MustEventID(tl.EntityID, "j", "fill", k), e.ID)
	}
}

func TestRecurrenceCallerLimited(t *testing.T) {
	j := ir.JourneySpec{ID: "j", Domain: "pharmacy", Events: []ir.EventTemplate{
		{ID: "fill", Type: "dispense", Delay: ir.FixedDelay(0), Recurrence: &ir.Recurrence{Every: ir.RangeDelay(28, 35, ir.ShapeUniform)}},
	}}

	tl, err := New().CreateTimeline(testEntity(0, nil), j, jan1)
	require.NoError(t, err)
	assert.Len(t, tl.Events, DefaultMaxOccurrences)

	tl, err = New(WithMaxOccurrences(3)).CreateTimeline(testEntity(0, nil), j, jan1)
	require.NoError(t, err)
	assert.Len(t, tl.Events, 3)
}

func TestRecurrenceHorizon(t *testing.T) {
	j := ir.JourneySpec{ID: "j", Domain: "pharmacy", Events: []ir.EventTemplate{
		{ID: "fill", Type: "dispense", Delay: ir.FixedDelay(0), Recurrence: &ir.Recurrence{Every: ir.FixedDelay(30)}},
	}}

	tl, err := New(WithHorizon(ir.Date(2025, time.March, 31))).CreateTimeline(testEntity(0, nil), j, jan1)
	require.NoError(t, err)

	require.Len(t, tl.Events, 3)
	assert.Equal(t, ir.Date(2025, time.March, 2), tl.Events[2].Date)
}

func TestRecurringOccurrencesRegenerateIndependently(t *testing.T) {
	j := ir.JourneySpec{ID: "j", Domain: "pharmacy", Events: []ir.EventTemplate{
		{ID: "fill", Type: "dispense", Delay: ir.FixedDelay(0), Recurrence: &ir.Recurrence{Every: ir.RangeDelay(28, 35, ir.ShapeUniform), Count: 6}},
	}}
	entity := testEntity(1, nil)

	long, err := New().CreateTimeline(entity, j, jan1)
	require.NoError(t, err)
	short, err := New(WithMaxOccurrences(2)).CreateTimeline(entity, j, jan1)
	require.NoError(t, err)

	assert.Len(t, short.Events, 6, "a declared count is not capped by the caller limit")
	assert.Equal(t, long.Events, short.Events)
}

func TestDependentOfRecurringUsesFirstOccurrence(t *testing.T) {
	j := ir.JourneySpec{ID: "j", Domain: "pharmacy", Events: []ir.EventTemplate{
		{ID: "fill", Type: "dispense", Delay: ir.FixedDelay(5), Recurrence: &ir.Recurrence{Every: ir.FixedDelay(30), Count: 3}},
		{ID: "counsel", Type: "consult", Delay: ir.FixedDelay(2), DependsOn: []string{"fill"}},
	}}

	tl, err := New().CreateTimeline(testEntity(0, nil), j, jan1)
	require.NoError(t, err)

	assert.Equal(t, ir.Date(2025, time.January, 8), byTemplate(tl)["counsel"].Date)
}

// ============================================================================
// Validation
// ============================================================================

func configCode(t *testing.T, err error) ir.ConfigErrorCode {
	t.Helper()
	require.Error(t, err)
	ce, ok := ir.AsConfigError(err)
	require.True(t, ok, "want *ir.ConfigError, got %v", err)
	return ce.Code
}

func TestCycleRejected(t *testing.T) {
	j := ir.JourneySpec{ID: "loop", Domain: "clinical", Events: []ir.EventTemplate{
		{ID: "A", Type: "visit", DependsOn: []string{"B"}},
		{ID: "B", Type: "visit", DependsOn: []string{"A"}},
	}}

	tl, err := New().CreateTimeline(testEntity(0, nil), j, jan1)

	assert.Nil(t, tl)
	assert.Equal(t, ir.ErrCycle, configCode(t, err))
	assert.Contains(t, err.Error(), "A -> B -> A")
}

func TestSelfDependencyRejected(t *testing.T) {
	j := ir.JourneySpec{ID: "loop", Domain: "clinical", Events: []ir.EventTemplate{
		{ID: "A", Type: "visit", DependsOn: []string{"A"}},
	}}

	assert.Equal(t, ir.ErrCycle, configCode(t, New().Validate(j)))
}

func TestValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		journey ir.JourneySpec
		code    ir.ConfigErrorCode
	}{
		{
			name:    "missing domain",
			journey: ir.JourneySpec{ID: "j", Events: []ir.EventTemplate{{ID: "a", Type: "visit"}}},
			code:    ir.ErrInvalidSpec,
		},
		{
			name: "duplicate template",
			journey: ir.JourneySpec{ID: "j", Domain: "d", Events: []ir.EventTemplate{
				{ID: "a", Type: "visit"}, {ID: "a", Type: "visit"},
			}},
			code: ir.ErrDuplicateID,
		},
		{
			name: "unknown dependency",
			journey: ir.JourneySpec{ID: "j", Domain: "d", Events: []ir.EventTemplate{
				{ID: "a", Type: "visit", DependsOn: []string{"ghost"}},
			}},
			code: ir.ErrUnknownReference,
		},
		{
			name: "inverted delay",
			journey: ir.JourneySpec{ID: "j", Domain: "d", Events: []ir.EventTemplate{
				{ID: "a", Type: "visit", Delay: ir.RangeDelay(9, 2, ir.ShapeUniform)},
			}},
			code: ir.ErrInvalidRange,
		},
		{
			name: "zero recurrence interval",
			journey: ir.JourneySpec{ID: "j", Domain: "d", Events: []ir.EventTemplate{
				{ID: "a", Type: "visit", Recurrence: &ir.Recurrence{Every: ir.FixedDelay(0)}},
			}},
			code: ir.ErrInvalidRange,
		},
		{
			name: "malformed condition",
			journey: ir.JourneySpec{ID: "j", Domain: "d", Events: []ir.EventTemplate{
				{ID: "a", Type: "visit", Conditions: []ir.Predicate{ir.Compare{Attr: "age", Op: "between", Value: ir.IRInt(1)}}},
			}},
			code: ir.ErrInvalidPredicate,
		},
		{
			name: "condition observes later event",
			journey: ir.JourneySpec{ID: "j", Domain: "d", Events: []ir.EventTemplate{
				{ID: "a", Type: "visit", Conditions: []ir.Predicate{ir.EventState{Event: "b", State: ir.StatusScheduled}}},
				{ID: "b", Type: "visit"},
			}},
			code: ir.ErrForwardReference,
		},
		{
			name: "condition observes undeclared event",
			journey: ir.JourneySpec{ID: "j", Domain: "d", Events: []ir.EventTemplate{
				{ID: "a", Type: "visit", Conditions: []ir.Predicate{ir.EventState{Event: "zz", State: ir.StatusScheduled}}},
			}},
			code: ir.ErrUnknownReference,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, configCode(t, New().Validate(tt.journey)))
		})
	}
}

func TestCompileWalkOrder(t *testing.T) {
	p, err := Compile(ir.JourneySpec{ID: "j", Domain: "d", Events: []ir.EventTemplate{
		{ID: "refill", Type: "dispense", DependsOn: []string{"rx"}},
		{ID: "dx", Type: "diagnosis"},
		{ID: "rx", Type: "prescription", DependsOn: []string{"dx"}},
	}})
	require.NoError(t, err)

	assert.Equal(t, []string{"dx", "rx", "refill"}, p.Order())
	assert.Equal(t, "j", p.JourneyID())
	assert.Equal(t, "d", p.Domain())
}

func TestExpandRecordsMetrics(t *testing.T) {
	m := metrics.New()

	_, err := New(WithMetrics(m)).CreateTimeline(testEntity(0, ir.IRObject{"age": ir.IRInt(30)}), screeningJourney(), jan1)
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.TimelineEvents.WithLabelValues("scheduled")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.TimelineEvents.WithLabelValues("skipped")))
}
