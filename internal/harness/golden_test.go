package harness

import (
	"context"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/require"
)

// The golden fixtures live in a temp dir: the first run records the
// snapshot, the second must reproduce it byte for byte.
func TestRunWithGolden_Reproducible(t *testing.T) {
	dir := t.TempDir()
	s := loadTestScenario(t, "t2d_early_cutoff.yaml")

	first, err := Run(context.Background(), s)
	require.NoError(t, err)
	snapshot, err := first.Snapshot()
	require.NoError(t, err)
	require.NoError(t, newGoldie(t, goldie.WithFixtureDir(dir)).Update(t, s.Name, snapshot))

	require.NoError(t, RunWithGolden(t, s, goldie.WithFixtureDir(dir)))
}

func TestAssertGolden(t *testing.T) {
	dir := t.TempDir()
	s := loadTestScenario(t, "t2d_early_cutoff.yaml")
	result, err := Run(context.Background(), s, WithWorkers(3))
	require.NoError(t, err)

	snapshot, err := result.Snapshot()
	require.NoError(t, err)
	require.NoError(t, newGoldie(t, goldie.WithFixtureDir(dir)).Update(t, "renamed", snapshot))

	require.NoError(t, AssertGolden(t, "renamed", result, goldie.WithFixtureDir(dir)))
}
