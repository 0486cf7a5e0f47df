package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/cohortgen/internal/ir"
	"github.com/roach88/cohortgen/internal/pipeline"
)

// createTestStore creates a new file-backed store for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func ptr(f float64) *float64 { return &f }

// testBundle is a small diabetes cohort: a clinical journey with a
// conditional eye exam and a diagnosis → claim trigger.
func testBundle() *ir.Bundle {
	stagger := ir.RangeDelay(0, 14, ir.ShapeUniform)
	return &ir.Bundle{
		Populations: []ir.PopulationSpec{{
			Name:  "t2d-adults",
			Count: 8,
			Seed:  42,
			Attributes: ir.Attributes{
				{Name: "age", Distribution: ir.Normal{Mean: 58, StdDev: 12, Min: ptr(18), Max: ptr(90), Integer: true}},
				{Name: "sex", Distribution: ir.Categorical{Options: []ir.WeightedLabel{{Label: "F", Weight: 1}, {Label: "M", Weight: 1}}}},
				{Name: "comorbidities", Distribution: ir.MultiLabel{Options: []ir.LabelProbability{
					{Label: "hypertension", Probability: 0.6},
					{Label: "ckd", Probability: 0.2},
				}}},
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
			Params: ir.IRObject{"kind": ir.IRString("professional")},
		}},
		Cohorts: []ir.CohortSpec{{
			Name:       "t2d-2025",
			Population: "t2d-adults",
			Journeys:   []string{"t2d-care"},
			Start:      ir.Date(2025, time.January, 1),
			Stagger:    &stagger,
			Cutoff:     ir.Date(2025, time.December, 31),
		}},
		SpecHash: "test-hash",
	}
}

// testRun generates the test cohort with run ID "run-1".
func testRun(t *testing.T) *pipeline.CohortRun {
	t.Helper()
	return testRunWithID(t, "run-1")
}

func testRunWithID(t *testing.T, id string) *pipeline.CohortRun {
	t.Helper()
	run, err := pipeline.Run(context.Background(), testBundle(), "t2d-2025",
		pipeline.WithWorkers(2),
		pipeline.WithRunIDGenerator(pipeline.NewFixedGenerator(id)),
	)
	if err != nil {
		t.Fatalf("pipeline.Run() failed: %v", err)
	}
	return run
}

func writeTestRun(t *testing.T, s *Store, run *pipeline.CohortRun) {
	t.Helper()
	inserted, err := s.WriteRun(context.Background(), run)
	if err != nil {
		t.Fatalf("WriteRun() failed: %v", err)
	}
	if !inserted {
		t.Fatalf("WriteRun() reported run %s as already stored", run.ID)
	}
}
