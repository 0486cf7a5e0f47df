package pipeline

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cohortgen/internal/ir"
)

func TestSnapshotIgnoresRunID(t *testing.T) {
	first := run(t, testBundle(), WithWorkers(1))
	second, err := Run(t.Context(), testBundle(), "t2d-2025",
		WithWorkers(4), WithRunIDGenerator(NewFixedGenerator("run-2")))
	require.NoError(t, err)

	a, err := first.SnapshotHash()
	require.NoError(t, err)
	b, err := second.SnapshotHash()
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}

func TestSnapshotChangesWithSeed(t *testing.T) {
	other := testBundle()
	other.Populations[0].Seed = 43

	a, err := run(t, testBundle()).SnapshotHash()
	require.NoError(t, err)
	b, err := run(t, other).SnapshotHash()
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestSnapshotNilAndEmptyAgree(t *testing.T) {
	r := run(t, testBundle())
	want, err := r.Snapshot()
	require.NoError(t, err)

	for i := range r.Members {
		m := &r.Members[i]
		if len(m.Firings) == 0 {
			m.Firings = nil
		}
		if m.Warnings == nil {
			m.Warnings = []string{}
		}
		if m.Entity.Origins == nil {
			m.Entity.Origins = map[string]ir.AttributeOrigin{}
		}
	}
	got, err := r.Snapshot()
	require.NoError(t, err)

	assert.Equal(t, string(want), string(got))
}

func TestSnapshotIsCanonicalJSON(t *testing.T) {
	data, err := run(t, testBundle()).Snapshot()
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, "t2d-2025", doc["cohort"])
	assert.Equal(t, "2025-12-31", doc["cutoff"])
	assert.NotContains(t, doc, "id")
	assert.Len(t, doc["members"], 12)
}
