package coordinator

import (
	"bytes"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cohortgen/internal/ir"
	"github.com/roach88/cohortgen/internal/metrics"
)

var jan1 = ir.Date(2025, time.January, 1)

func testDomains() []ir.DomainSchema {
	return []ir.DomainSchema{
		{Name: "clinical", EventTypes: []string{"diagnosis", "visit", "lab_order"}},
		{Name: "claims", EventTypes: []string{"claim", "remittance"}},
		{Name: "pharmacy", EventTypes: []string{"prescription", "dispense"}},
	}
}

func dxClaimRule() ir.TriggerRule {
	return ir.TriggerRule{
		ID:     "dx-claim",
		Source: ir.EventRef{Domain: "clinical", EventType: "diagnosis"},
		Target: ir.EventRef{Domain: "claims", EventType: "claim"},
		Delay:  ir.RangeDelay(3, 10, ir.ShapeUniform),
	}
}

func mustRegistry(t *testing.T, rules ...ir.TriggerRule) *Registry {
	t.Helper()
	r, err := NewRegistry(testDomains(), rules)
	require.NoError(t, err)
	return r
}

func event(id, domain, typ string, date time.Time, seq int64) ir.TimelineEvent {
	return ir.TimelineEvent{
		ID:     id,
		Domain: domain,
		Type:   typ,
		Date:   date,
		Status: ir.StatusScheduled,
		Seq:    seq,
	}
}

func linked(t *testing.T, c *Coordinator, opts ...LinkOption) *LinkedEntity {
	t.Helper()
	le, err := c.CreateLinkedEntity("person-1", map[string]string{
		"clinical": "mrn-1",
		"claims":   "member-1",
		"pharmacy": "rx-1",
	}, opts...)
	require.NoError(t, err)
	return le
}

func clinicalTimeline(events ...ir.TimelineEvent) *ir.Timeline {
	return &ir.Timeline{EntityID: "mrn-1", Domain: "clinical", JourneyIDs: []string{"t2d"}, Start: jan1, Events: events}
}

// ============================================================================
// Firing
// ============================================================================

func TestExecuteCoordinatedFiresRule(t *testing.T) {
	c := New(mustRegistry(t, dxClaimRule()))
	le := linked(t, c)
	require.NoError(t, c.AddTimeline(le, "clinical", clinicalTimeline(
		event("dx-1", "clinical", "diagnosis", jan1, 0),
	)))

	res, err := c.ExecuteCoordinated(le, ir.Date(2025, time.December, 31))
	require.NoError(t, err)

	require.Len(t, res.Synthesized["claims"], 1)
	claim := res.Synthesized["claims"][0]
	assert.Equal(t, ir.MustTriggeredEventID("dx-1", "dx-claim"), claim.ID)
	assert.Equal(t, "claim", claim.Type)
	assert.Equal(t, "member-1", claim.EntityID)
	assert.Equal(t, ir.StatusScheduled, claim.Status)
	require.NotNil(t, claim.Origin)
	assert.Equal(t, "dx-1", claim.Origin.SourceEventID)
	assert.Equal(t, "clinical", claim.Origin.SourceDomain)
	assert.Equal(t, "dx-claim", claim.Origin.RuleID)
	assert.Equal(t, 1, claim.Origin.Depth)

	days := int(claim.Date.Sub(jan1).Hours() / 24)
	assert.GreaterOrEqual(t, days, 3)
	assert.LessOrEqual(t, days, 10)

	tl, ok := le.Timeline("claims")
	require.True(t, ok)
	assert.Equal(t, []ir.TimelineEvent{claim}, tl.Events)
	assert.Equal(t, "member-1", tl.EntityID)

	require.Len(t, res.Fired, 1)
	assert.Equal(t, Firing{
		SourceEventID: "dx-1", SourceDomain: "clinical", RuleID: "dx-claim",
		TargetEventID: claim.ID, TargetDomain: "claims", Depth: 1,
	}, res.Fired[0])
	assert.True(t, le.Fired("dx-1"))
	assert.Empty(t, res.Warnings)
}

func TestExecuteCoordinatedLogsSeededFrontier(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	c := New(mustRegistry(t, dxClaimRule()), WithLogger(logger))
	le := linked(t, c)
	require.NoError(t, c.AddTimeline(le, "clinical", clinicalTimeline(
		event("dx-1", "clinical", "diagnosis", jan1, 0),
		event("visit-1", "clinical", "visit", jan1, 1),
	)))

	_, err := c.ExecuteCoordinated(le, ir.Date(2025, time.December, 31))
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "coordinated execution")
	assert.Contains(t, out, "seeded=2")
	assert.Contains(t, out, "fired=1")
}

func TestTriggerDelayIsDeterministic(t *testing.T) {
	run := func() ir.TimelineEvent {
		c := New(mustRegistry(t, dxClaimRule()))
		le := linked(t, c)
		require.NoError(t, c.AddTimeline(le, "clinical", clinicalTimeline(event("dx-1", "clinical", "diagnosis", jan1, 0))))
		res, err := c.ExecuteCoordinated(le, jan1.AddDate(1, 0, 0))
		require.NoError(t, err)
		return res.Synthesized["claims"][0]
	}

	assert.Equal(t, run(), run())
}

func TestTriggerIdempotence(t *testing.T) {
	c := New(mustRegistry(t, dxClaimRule()))
	le := linked(t, c)
	require.NoError(t, c.AddTimeline(le, "clinical", clinicalTimeline(
		event("dx-1", "clinical", "diagnosis", jan1, 0),
		event("dx-2", "clinical", "diagnosis", jan1.AddDate(0, 2, 0), 1),
	)))
	cutoff := ir.Date(2025, time.June, 30)

	first, err := c.ExecuteCoordinated(le, cutoff)
	require.NoError(t, err)
	assert.Equal(t, 2, first.Count())

	second, err := c.ExecuteCoordinated(le, cutoff)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Count())

	later, err := c.ExecuteCoordinated(le, cutoff.AddDate(1, 0, 0))
	require.NoError(t, err)
	assert.Equal(t, 0, later.Count())

	tl, _ := le.Timeline("claims")
	assert.Len(t, tl.Events, 2)
}

func TestCutoffExcludesLaterSources(t *testing.T) {
	c := New(mustRegistry(t, dxClaimRule()))
	le := linked(t, c)
	require.NoError(t, c.AddTimeline(le, "clinical", clinicalTimeline(
		event("dx-1", "clinical", "diagnosis", jan1, 0),
		event("dx-2", "clinical", "diagnosis", ir.Date(2025, time.March, 1), 1),
	)))

	res, err := c.ExecuteCoordinated(le, ir.Date(2025, time.February, 1))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Count())
	assert.False(t, le.Fired("dx-2"))

	res, err = c.ExecuteCoordinated(le, ir.Date(2025, time.March, 1))
	require.NoError(t, err)
	require.Equal(t, 1, res.Count())
	assert.Equal(t, "dx-2", res.Synthesized["claims"][0].Origin.SourceEventID)
}

func TestSkippedEventsNeverFire(t *testing.T) {
	c := New(mustRegistry(t, dxClaimRule()))
	le := linked(t, c)
	skipped := event("dx-1", "clinical", "diagnosis", time.Time{}, 0)
	skipped.Status = ir.StatusSkipped
	skipped.SkipReason = ir.SkipCondition
	require.NoError(t, c.AddTimeline(le, "clinical", clinicalTimeline(skipped)))

	res, err := c.ExecuteCoordinated(le, jan1.AddDate(1, 0, 0))
	require.NoError(t, err)

	assert.Equal(t, 0, res.Count())
}

func TestChainedTriggersPropagate(t *testing.T) {
	claimRemit := ir.TriggerRule{
		ID:     "claim-remit",
		Source: ir.EventRef{Domain: "claims", EventType: "claim"},
		Target: ir.EventRef{Domain: "claims", EventType: "remittance"},
		Delay:  ir.FixedDelay(30),
	}
	c := New(mustRegistry(t, dxClaimRule(), claimRemit))
	le := linked(t, c)
	require.NoError(t, c.AddTimeline(le, "clinical", clinicalTimeline(event("dx-1", "clinical", "diagnosis", jan1, 0))))

	res, err := c.ExecuteCoordinated(le, jan1.AddDate(1, 0, 0))
	require.NoError(t, err)

	require.Len(t, res.Fired, 2)
	assert.Equal(t, "claim-remit", res.Fired[1].RuleID)
	assert.Equal(t, 2, res.Fired[1].Depth)

	synth := res.Synthesized["claims"]
	require.Len(t, synth, 2)
	assert.Equal(t, synth[0].Date.AddDate(0, 0, 30), synth[1].Date)
	assert.Greater(t, synth[1].Seq, synth[0].Seq)
}

func TestSynthesizedAfterCutoffWaitsForLaterInvocation(t *testing.T) {
	claimRemit := ir.TriggerRule{
		ID:     "claim-remit",
		Source: ir.EventRef{Domain: "claims", EventType: "claim"},
		Target: ir.EventRef{Domain: "claims", EventType: "remittance"},
		Delay:  ir.FixedDelay(30),
	}
	rule := dxClaimRule()
	rule.Delay = ir.FixedDelay(10)
	c := New(mustRegistry(t, rule, claimRemit))
	le := linked(t, c)
	require.NoError(t, c.AddTimeline(le, "clinical", clinicalTimeline(event("dx-1", "clinical", "diagnosis", jan1, 0))))

	res, err := c.ExecuteCoordinated(le, ir.Date(2025, time.January, 5))
	require.NoError(t, err)
	require.Equal(t, 1, res.Count(), "the claim is dated after the cutoff and does not fire yet")

	res, err = c.ExecuteCoordinated(le, ir.Date(2025, time.January, 31))
	require.NoError(t, err)
	require.Equal(t, 1, res.Count())
	assert.Equal(t, "remittance", res.Synthesized["claims"][0].Type)
	assert.Equal(t, 1, res.Synthesized["claims"][0].Origin.Depth, "depth restarts per invocation")
}

// ============================================================================
// Conditions
// ============================================================================

func TestRuleConditionUsesAttributesAndParams(t *testing.T) {
	rule := ir.TriggerRule{
		ID:     "t2d-metformin",
		Source: ir.EventRef{Domain: "clinical", EventType: "diagnosis"},
		Target: ir.EventRef{Domain: "pharmacy", EventType: "prescription"},
		Delay:  ir.FixedDelay(0),
		When: ir.And{Predicates: []ir.Predicate{
			ir.Compare{Attr: "params.code", Op: ir.OpEq, Value: ir.IRString("E11.9")},
			ir.Compare{Attr: "egfr", Op: ir.OpGe, Value: ir.IRInt(30)},
		}},
		Params: ir.IRObject{"drug": ir.IRString("metformin")},
	}
	dx := event("dx-1", "clinical", "diagnosis", jan1, 0)
	dx.Params = ir.IRObject{"code": ir.IRString("E11.9")}
	htn := event("dx-2", "clinical", "diagnosis", jan1, 1)
	htn.Params = ir.IRObject{"code": ir.IRString("I10")}

	tests := []struct {
		name  string
		egfr  int64
		fired int
	}{
		{"kidney function adequate", 60, 1},
		{"kidney function reduced", 20, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(mustRegistry(t, rule))
			le := linked(t, c, WithAttributes(ir.IRObject{"egfr": ir.IRInt(tt.egfr)}))
			require.NoError(t, c.AddTimeline(le, "clinical", clinicalTimeline(dx, htn)))

			res, err := c.ExecuteCoordinated(le, jan1)
			require.NoError(t, err)

			require.Len(t, res.Fired, tt.fired)
			if tt.fired > 0 {
				rx := res.Synthesized["pharmacy"][0]
				assert.Equal(t, ir.IRString("metformin"), rx.Params["drug"])
				assert.Equal(t, jan1, rx.Date)
			}
			assert.True(t, le.Fired("dx-1"))
			assert.True(t, le.Fired("dx-2"))
		})
	}
}

func TestSynthesizedEventInheritsSourceParams(t *testing.T) {
	c := New(mustRegistry(t, dxClaimRule()))
	le := linked(t, c)
	dx := event("dx-1", "clinical", "diagnosis", jan1, 0)
	dx.Params = ir.IRObject{"code": ir.IRString("E11.9")}
	require.NoError(t, c.AddTimeline(le, "clinical", clinicalTimeline(dx)))

	res, err := c.ExecuteCoordinated(le, jan1.AddDate(0, 1, 0))
	require.NoError(t, err)

	assert.Equal(t, ir.IRString("E11.9"), res.Synthesized["claims"][0].Params["code"])
}

// ============================================================================
// Depth limit
// ============================================================================

func cyclicRules() []ir.TriggerRule {
	return []ir.TriggerRule{
		{
			ID:     "visit-claim",
			Source: ir.EventRef{Domain: "clinical", EventType: "visit"},
			Target: ir.EventRef{Domain: "claims", EventType: "claim"},
			Delay:  ir.FixedDelay(1),
		},
		{
			ID:     "claim-visit",
			Source: ir.EventRef{Domain: "claims", EventType: "claim"},
			Target: ir.EventRef{Domain: "clinical", EventType: "visit"},
			Delay:  ir.FixedDelay(1),
		},
	}
}

func TestDepthLimitStopsRuleCycle(t *testing.T) {
	m := metrics.New()
	c := New(mustRegistry(t, cyclicRules()...), WithMetrics(m))
	le := linked(t, c)
	require.NoError(t, c.AddTimeline(le, "clinical", clinicalTimeline(event("v-0", "clinical", "visit", jan1, 0))))

	res, err := c.ExecuteCoordinated(le, jan1.AddDate(1, 0, 0))
	require.NoError(t, err, "the depth limit is a warning, not an error")

	assert.Len(t, res.Fired, DefaultMaxDepth)
	require.Len(t, res.Warnings, 1)
	var de *TriggerDepthExceeded
	require.ErrorAs(t, res.Warnings[0], &de)
	assert.Equal(t, DefaultMaxDepth, de.Limit)
	assert.Equal(t, []string{res.Fired[DefaultMaxDepth-1].TargetEventID}, de.Pending)
	assert.True(t, IsTriggerDepthExceeded(res.Warnings[0]))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TriggerDepthExceeded))

	// Resolved events are retained, and the next invocation continues.
	clinical, _ := le.Timeline("clinical")
	claims, _ := le.Timeline("claims")
	assert.Len(t, clinical.Events, 2)
	assert.Len(t, claims.Events, 2)

	next, err := c.ExecuteCoordinated(le, jan1.AddDate(1, 0, 0))
	require.NoError(t, err)
	assert.Len(t, next.Fired, DefaultMaxDepth)
}

func TestWithMaxDepth(t *testing.T) {
	c := New(mustRegistry(t, cyclicRules()...), WithMaxDepth(1))
	le := linked(t, c)
	require.NoError(t, c.AddTimeline(le, "clinical", clinicalTimeline(event("v-0", "clinical", "visit", jan1, 0))))

	res, err := c.ExecuteCoordinated(le, jan1.AddDate(1, 0, 0))
	require.NoError(t, err)

	assert.Len(t, res.Fired, 1)
	assert.Len(t, res.Warnings, 1)
}

// ============================================================================
// Linking and attachment
// ============================================================================

func TestUnlinkedTargetIsWarning(t *testing.T) {
	c := New(mustRegistry(t, dxClaimRule()))
	le, err := c.CreateLinkedEntity("person-1", map[string]string{"clinical": "mrn-1"})
	require.NoError(t, err)
	require.NoError(t, c.AddTimeline(le, "clinical", clinicalTimeline(
		event("dx-1", "clinical", "diagnosis", jan1, 0),
		event("dx-2", "clinical", "diagnosis", jan1, 1),
	)))

	res, err := c.ExecuteCoordinated(le, jan1)
	require.NoError(t, err)

	assert.Equal(t, 0, res.Count())
	require.Len(t, res.Warnings, 1, "one warning per rule and domain")
	var ut *UnlinkedTarget
	require.ErrorAs(t, res.Warnings[0], &ut)
	assert.Equal(t, "claims", ut.Domain)
}

func TestCreateLinkedEntityRejectsUnknownDomain(t *testing.T) {
	c := New(mustRegistry(t))

	_, err := c.CreateLinkedEntity("p", map[string]string{"dental": "d-1"})

	ce, ok := ir.AsConfigError(err)
	require.True(t, ok)
	assert.Equal(t, ir.ErrUnknownDomain, ce.Code)
}

func TestAddTimelineValidation(t *testing.T) {
	c := New(mustRegistry(t))

	tests := []struct {
		name   string
		domain string
		tl     *ir.Timeline
		code   ir.ConfigErrorCode
	}{
		{"unregistered event type", "clinical", clinicalTimeline(event("x", "clinical", "surgery", jan1, 0)), ir.ErrUnknownEventType},
		{"domain mismatch", "claims", clinicalTimeline(), ir.ErrInvalidSpec},
		{"nil timeline", "clinical", nil, ir.ErrInvalidSpec},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			le := linked(t, c)
			ce, ok := ir.AsConfigError(c.AddTimeline(le, tt.domain, tt.tl))
			require.True(t, ok)
			assert.Equal(t, tt.code, ce.Code)
		})
	}
}

func TestAddTimelineRequiresLinkedDomain(t *testing.T) {
	c := New(mustRegistry(t))
	le, err := c.CreateLinkedEntity("p", map[string]string{"claims": "m-1"})
	require.NoError(t, err)

	ce, ok := ir.AsConfigError(c.AddTimeline(le, "clinical", clinicalTimeline()))
	require.True(t, ok)
	assert.Equal(t, ir.ErrUnknownDomain, ce.Code)
}

func TestAddTimelineMergesAndCopies(t *testing.T) {
	c := New(mustRegistry(t))
	le := linked(t, c)
	first := clinicalTimeline(event("a", "clinical", "visit", ir.Date(2025, time.March, 1), 0))
	second := &ir.Timeline{Domain: "clinical", JourneyIDs: []string{"screening"}, Start: jan1, Events: []ir.TimelineEvent{
		event("b", "clinical", "visit", ir.Date(2025, time.February, 1), 0),
		event("a", "clinical", "visit", ir.Date(2025, time.March, 1), 0),
	}}

	first.Events[0].Params = ir.IRObject{"provider": ir.IRString("pcp")}

	require.NoError(t, c.AddTimeline(le, "clinical", first))
	require.NoError(t, c.AddTimeline(le, "clinical", second))
	first.Events[0].Type = "mutated"
	first.Events[0].Params["provider"] = ir.IRString("mutated")

	tl, ok := le.Timeline("clinical")
	require.True(t, ok)
	require.Len(t, tl.Events, 2)
	assert.Equal(t, "b", tl.Events[0].ID)
	assert.Equal(t, "visit", tl.Events[1].Type)
	assert.Equal(t, ir.IRString("pcp"), tl.Events[1].Params["provider"])
	assert.Equal(t, []string{"t2d", "screening"}, tl.JourneyIDs)
	assert.Equal(t, "mrn-1", tl.EntityID)
}

func TestLinkedEntityAccessors(t *testing.T) {
	c := New(mustRegistry(t))
	le := linked(t, c, WithAttributes(ir.IRObject{"age": ir.IRInt(61)}))

	id, ok := le.DomainID("claims")
	assert.True(t, ok)
	assert.Equal(t, "member-1", id)
	assert.Equal(t, []string{"claims", "clinical", "pharmacy"}, le.Domains())
	assert.Equal(t, ir.IRObject{"age": ir.IRInt(61)}, le.Attributes())

	_, ok = le.Timeline("claims")
	assert.False(t, ok)
}
