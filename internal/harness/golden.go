package harness

import (
	"context"
	"testing"

	"github.com/sebdah/goldie/v2"
)

// GoldenDir is where RunWithGolden keeps golden files by default.
const GoldenDir = "testdata/golden"

// RunWithGolden executes a scenario, fails the test on any failed
// assertion, and compares the cohort snapshot against a golden file named
// after the scenario.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// opts are passed to goldie after the defaults, so a test can point the
// fixture directory elsewhere.
func RunWithGolden(t *testing.T, scenario *Scenario, opts ...goldie.Option) error {
	t.Helper()

	result, err := Run(context.Background(), scenario)
	if err != nil {
		return err
	}
	for _, msg := range result.Errors {
		t.Error(msg)
	}
	return AssertGolden(t, scenario.Name, result, opts...)
}

// AssertGolden compares the given result's snapshot against a golden file.
// This is useful when you've already run a scenario and want to compare
// the result against a golden file without re-running.
func AssertGolden(t *testing.T, name string, result *Result, opts ...goldie.Option) error {
	t.Helper()

	snapshot, err := result.Snapshot()
	if err != nil {
		return err
	}
	newGoldie(t, opts...).Assert(t, name, snapshot)
	return nil
}

func newGoldie(t *testing.T, opts ...goldie.Option) *goldie.Goldie {
	all := append([]goldie.Option{
		goldie.WithFixtureDir(GoldenDir),
		goldie.WithNameSuffix(".golden"),
	}, opts...)
	return goldie.New(t, all...)
}
