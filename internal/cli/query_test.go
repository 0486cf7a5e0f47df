package cli

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cohortgen/internal/compiler"
	"github.com/roach88/cohortgen/internal/expr"
	"github.com/roach88/cohortgen/internal/store"
)

// expectedMatches evaluates where in memory over the stored entities.
func expectedMatches(t *testing.T, db, where string) []int {
	t.Helper()
	pred, err := compiler.CompilePredicateSource(where)
	require.NoError(t, err)

	st, err := store.Open(db)
	require.NoError(t, err)
	defer st.Close()

	entities, err := st.ReadEntities(context.Background(), fixedRunID)
	require.NoError(t, err)

	var idx []int
	for _, e := range entities {
		ok, err := expr.Eval(pred, expr.Attrs(e.Attributes))
		require.NoError(t, err)
		if ok {
			idx = append(idx, e.Index)
		}
	}
	return idx
}

func TestQueryMatchesInMemoryEvaluation(t *testing.T) {
	db := storedRun(t)

	predicates := []string{
		`{attr: "age", op: "ge", value: 65}`,
		`{attr: "sex", op: "eq", value: "F"}`,
		`{all: [{attr: "sex", op: "eq", value: "F"}, {attr: "bmi", op: "gt", value: 35.5}]}`,
		`{any: [{attr: "payer", op: "eq", value: "medicaid"}, {attr: "age", op: "lt", value: 40}]}`,
		`{not: {attr: "state", op: "eq", value: "MA"}}`,
		`{attr: "payer", op: "in", value: ["medicare", "medicaid"]}`,
		`{attr: "comorbidities", op: "in", value: ["ckd"]}`,
		`{exists: "hba1c"}`,
	}
	for _, where := range predicates {
		t.Run(where, func(t *testing.T) {
			out, err := execute(t, NewQueryCommand(&RootOptions{Format: "json"}), "--db", db, where)
			require.NoError(t, err)

			var result QueryResult
			resp := decodeResponse(t, out, &result)
			assert.Equal(t, fixedRunID, resp.RunID)
			assert.Equal(t, where, result.Where)

			want := expectedMatches(t, db, where)
			require.Equal(t, len(want), result.Count)
			got := make([]int, len(result.Entities))
			for i, e := range result.Entities {
				got[i] = e.Index
			}
			if len(want) == 0 {
				assert.Empty(t, got)
			} else {
				assert.Equal(t, want, got)
			}
		})
	}
}

func TestQueryCount(t *testing.T) {
	db := storedRun(t)
	where := `{attr: "age", op: "ge", value: 65}`
	want := len(expectedMatches(t, db, where))

	out, err := execute(t, NewQueryCommand(&RootOptions{Format: "json"}), "--db", db, "--count", where)
	require.NoError(t, err)
	var result QueryResult
	decodeResponse(t, out, &result)
	assert.Equal(t, want, result.Count)
	assert.Nil(t, result.Entities)

	out, err = execute(t, NewQueryCommand(&RootOptions{Format: "text"}), "--db", db, "--count", where)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("%d member(s) match\n", want), out)
}

func TestQueryText(t *testing.T) {
	db := storedRun(t)

	out, err := execute(t, NewQueryCommand(&RootOptions{Format: "text"}), "--db", db, `{attr: "state", op: "eq", value: "MA"}`)
	require.NoError(t, err)
	assert.Contains(t, out, "200 member(s) match")
	assert.Contains(t, out, `"state":"MA"`)
}

func TestQueryInvalidPredicate(t *testing.T) {
	db := storedRun(t)

	tests := []struct {
		name  string
		where string
	}{
		{"not CUE", `{attr: "age", op:`},
		{"unknown operator", `{attr: "age", op: "approx", value: 65}`},
		{"event state", `{event: "dx", state: "scheduled"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := execute(t, NewQueryCommand(&RootOptions{Format: "json"}), "--db", db, tt.where)
			require.Error(t, err)
			assert.Equal(t, ExitCommandError, GetExitCode(err))
			if out != "" {
				resp := decodeResponse(t, out, nil)
				require.NotNil(t, resp.Error)
				assert.Equal(t, ErrCodeCompile, resp.Error.Code)
			}
		})
	}
}
