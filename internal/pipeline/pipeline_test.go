package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cohortgen/internal/ir"
	"github.com/roach88/cohortgen/internal/profile"
	"github.com/roach88/cohortgen/internal/testutil"
)

func ptr(f float64) *float64 { return &f }

func testBundle() *ir.Bundle {
	stagger := ir.RangeDelay(0, 30, ir.ShapeUniform)
	return &ir.Bundle{
		Populations: []ir.PopulationSpec{{
			Name:      "t2d-adults",
			Count:     12,
			Seed:      42,
			Reference: &ir.ReferenceSpec{Key: "US-MA"},
			Attributes: ir.Attributes{
				{Name: "age", Distribution: ir.Normal{Mean: 58, StdDev: 9, Min: ptr(18), Max: ptr(90), Integer: true}},
				{Name: "sex", Distribution: ir.Categorical{Options: []ir.WeightedLabel{{Label: "F", Weight: 1}, {Label: "M", Weight: 1}}}},
			},
		}},
		Journeys: []ir.JourneySpec{{
			ID:     "t2d-care",
			Domain: "clinical",
			Events: []ir.EventTemplate{
				{ID: "dx", Type: "diagnosis", Delay: ir.FixedDelay(0), Params: ir.IRObject{"code": ir.IRString("E11.9")}},
				{ID: "a1c", Type: "lab_order", Delay: ir.RangeDelay(1, 7, ir.ShapeUniform), DependsOn: []string{"dx"}},
				{ID: "eye-exam", Type: "visit", Delay: ir.FixedDelay(60), DependsOn: []string{"dx"}, Conditions: []ir.Predicate{
					ir.Compare{Attr: "age", Op: ir.OpGe, Value: ir.IRInt(60)},
				}},
			},
		}},
		Domains: []ir.DomainSchema{
			{Name: "clinical", EventTypes: []string{"diagnosis", "lab_order", "visit"}},
			{Name: "claims", EventTypes: []string{"claim"}},
		},
		Triggers: []ir.TriggerRule{{
			ID:     "dx-claim",
			Source: ir.EventRef{Domain: "clinical", EventType: "diagnosis"},
			Target: ir.EventRef{Domain: "claims", EventType: "claim"},
			Delay:  ir.RangeDelay(5, 20, ir.ShapeUniform),
		}},
		Cohorts: []ir.CohortSpec{{
			Name:       "t2d-2025",
			Population: "t2d-adults",
			Journeys:   []string{"t2d-care"},
			Start:      ir.Date(2025, time.January, 1),
			Stagger:    &stagger,
			Cutoff:     ir.Date(2025, time.December, 31),
		}},
		References: []ir.ReferenceTable{{
			Key:        "US-MA",
			Attributes: ir.Attributes{{Name: "state", Distribution: ir.Fixed(ir.IRString("MA"))}},
		}},
		SpecHash: "test-hash",
	}
}

func run(t *testing.T, b *ir.Bundle, opts ...Option) *CohortRun {
	t.Helper()
	opts = append([]Option{WithRunIDGenerator(NewFixedGenerator("run-1"))}, opts...)
	r, err := Run(context.Background(), b, "t2d-2025", opts...)
	require.NoError(t, err)
	return r
}

// ============================================================================
// Runs
// ============================================================================

func TestRunIsDeterministic(t *testing.T) {
	first := run(t, testBundle(), WithWorkers(1))
	second := run(t, testBundle(), WithWorkers(6))

	assert.Equal(t, first, second)
}

func TestRunMetadata(t *testing.T) {
	r := run(t, testBundle())

	assert.Equal(t, "run-1", r.ID)
	assert.Equal(t, "t2d-adults", r.Population)
	assert.Equal(t, int64(42), r.Seed)
	assert.Equal(t, "test-hash", r.SpecHash)
	assert.Equal(t, ir.Date(2025, time.December, 31), r.Cutoff)
	assert.Empty(t, r.RuleCycles)
	require.Len(t, r.Members, 12)
}

func TestMembersAreCoordinated(t *testing.T) {
	r := run(t, testBundle())

	for i, m := range r.Members {
		assert.Equal(t, i, m.Entity.Index)
		assert.Equal(t, ir.IRString("MA"), m.Entity.Attributes["state"], "reference tables feed the profile")

		assert.Equal(t, DomainID(m.Entity.ID, "clinical"), m.DomainIDs["clinical"])
		assert.Equal(t, DomainID(m.Entity.ID, "claims"), m.DomainIDs["claims"])

		days := int(m.Start.Sub(ir.Date(2025, time.January, 1)).Hours() / 24)
		assert.GreaterOrEqual(t, days, 0)
		assert.LessOrEqual(t, days, 30)

		clinical, ok := m.Timeline("clinical")
		require.True(t, ok)
		assert.Equal(t, m.DomainIDs["clinical"], clinical.EntityID)
		dx := clinical.Events[0]
		assert.Equal(t, "dx", dx.TemplateID)
		assert.Equal(t, m.Start, dx.Date)
		assert.Equal(t, m.DomainIDs["clinical"], dx.EntityID)

		claims, ok := m.Timeline("claims")
		require.True(t, ok)
		require.Len(t, claims.Events, 1)
		assert.Equal(t, dx.ID, claims.Events[0].Origin.SourceEventID)
		require.Len(t, m.Firings, 1)
		assert.Equal(t, "dx-claim", m.Firings[0].RuleID)
		assert.Empty(t, m.Warnings)
	}
}

func TestConditionsSeeEntityAttributes(t *testing.T) {
	r := run(t, testBundle())

	for _, m := range r.Members {
		clinical, _ := m.Timeline("clinical")
		var eye ir.TimelineEvent
		for _, e := range clinical.Events {
			if e.TemplateID == "eye-exam" {
				eye = e
			}
		}
		age := int64(m.Entity.Attributes["age"].(ir.IRInt))
		if age >= 60 {
			assert.Equal(t, ir.StatusScheduled, eye.Status)
		} else {
			assert.Equal(t, ir.StatusSkipped, eye.Status)
		}
	}
}

func TestCutoffOverride(t *testing.T) {
	r := run(t, testBundle(), WithCutoff(ir.Date(2025, time.January, 2)))

	for _, m := range r.Members {
		if m.Start.After(ir.Date(2025, time.January, 2)) {
			assert.Empty(t, m.Firings, "sources after the cutoff do not fire")
		}
	}
}

func TestReferencesNeedTables(t *testing.T) {
	b := testBundle()
	b.References = nil

	r := run(t, b)

	assert.NotContains(t, r.Members[0].Entity.Attributes, "state")
}

func TestResolverCalledOncePerRun(t *testing.T) {
	b := testBundle()
	resolver := testutil.NewCountingResolver(profile.NewStaticResolver(b.References))

	r := run(t, b, WithResolver(resolver), WithWorkers(4))

	assert.Equal(t, []string{"US-MA"}, resolver.Keys())
	assert.Equal(t, ir.IRString("MA"), r.Members[0].Entity.Attributes["state"])
}

func TestSampleSpecs(t *testing.T) {
	b := testutil.LoadBundle(t)

	first, err := Run(context.Background(), b, testutil.T2DCohort, WithRunIDGenerator(NewFixedGenerator("a")))
	require.NoError(t, err)
	second, err := Run(context.Background(), b, testutil.T2DCohort, WithRunIDGenerator(NewFixedGenerator("b")))
	require.NoError(t, err)

	assert.Len(t, first.Members, 200)
	assert.Equal(t, b.SpecHash, first.SpecHash)

	h1, err := first.SnapshotHash()
	require.NoError(t, err)
	h2, err := second.SnapshotHash()
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

// ============================================================================
// Validation
// ============================================================================

func TestNewRejectsUnregisteredEventType(t *testing.T) {
	b := testBundle()
	b.Journeys[0].Events[2].Type = "eye_exam"

	_, err := New(b)

	ce, ok := ir.AsConfigError(err)
	require.True(t, ok)
	assert.Equal(t, ir.ErrUnknownEventType, ce.Code)
}

func TestNewRejectsJourneyCycle(t *testing.T) {
	b := testBundle()
	b.Journeys[0].Events[0].DependsOn = []string{"a1c"}

	_, err := New(b)

	ce, ok := ir.AsConfigError(err)
	require.True(t, ok)
	assert.Equal(t, ir.ErrCycle, ce.Code)
}

func TestRunValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ir.Bundle)
		cohort string
		code   ir.ConfigErrorCode
	}{
		{"unknown cohort", func(*ir.Bundle) {}, "nope", ir.ErrUnknownReference},
		{"unknown population", func(b *ir.Bundle) { b.Cohorts[0].Population = "ghost" }, "t2d-2025", ir.ErrUnknownReference},
		{"unknown journey", func(b *ir.Bundle) { b.Cohorts[0].Journeys = []string{"ghost"} }, "t2d-2025", ir.ErrUnknownReference},
		{"missing cutoff", func(b *ir.Bundle) { b.Cohorts[0].Cutoff = time.Time{} }, "t2d-2025", ir.ErrInvalidSpec},
		{"cutoff before start", func(b *ir.Bundle) { b.Cohorts[0].Cutoff = ir.Date(2024, time.June, 1) }, "t2d-2025", ir.ErrInvalidRange},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := testBundle()
			tt.mutate(b)

			r, err := Run(context.Background(), b, tt.cohort)

			assert.Nil(t, r)
			ce, ok := ir.AsConfigError(err)
			require.True(t, ok, "got %v", err)
			assert.Equal(t, tt.code, ce.Code)
		})
	}
}

func TestRunCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r, err := Run(ctx, testBundle(), "t2d-2025")

	assert.Nil(t, r)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRuleCyclesReported(t *testing.T) {
	b := testBundle()
	b.Triggers = append(b.Triggers, ir.TriggerRule{
		ID:     "claim-dx",
		Source: ir.EventRef{Domain: "claims", EventType: "claim"},
		Target: ir.EventRef{Domain: "clinical", EventType: "diagnosis"},
		Delay:  ir.FixedDelay(1),
	})

	r := run(t, b, WithMaxDepth(2))

	require.Len(t, r.RuleCycles, 1)
	assert.Contains(t, r.RuleCycles[0], "claims.claim -> clinical.diagnosis")
	assert.NotEmpty(t, r.Members[0].Warnings)
}
