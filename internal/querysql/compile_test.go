package querysql

import (
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cohortgen/internal/expr"
	"github.com/roach88/cohortgen/internal/ir"
)

func TestCompile_SimpleSelect(t *testing.T) {
	compiler := NewSQLCompiler()

	sql, params, err := compiler.Compile(Query{
		From:    "entities",
		Columns: []string{"id", "idx", "attributes"},
		RunID:   "run-1",
		Filter:  ir.Compare{Attr: "state", Op: ir.OpEq, Value: ir.IRString("MA")},
		OrderBy: []string{"idx"},
	})
	require.NoError(t, err)

	assert.Contains(t, sql, "SELECT id, idx, attributes FROM entities")
	assert.Contains(t, sql, "WHERE run_id = ? AND ")
	assert.Contains(t, sql, "ORDER BY idx ASC, id ASC COLLATE BINARY")

	// Values are parameters, never SQL text
	assert.NotContains(t, sql, "MA")
	assert.NotContains(t, sql, "run-1")
	assert.Equal(t, []any{"run-1", `$."state"`, `$."state"`, "MA"}, params)
}

func TestCompile_OrderByMandatory(t *testing.T) {
	sql, params, err := NewSQLCompiler().Compile(Query{From: "entities"})
	require.NoError(t, err)

	assert.Equal(t, "SELECT * FROM entities ORDER BY id ASC COLLATE BINARY", sql)
	assert.Empty(t, params)
}

func TestCompile_RequiresTable(t *testing.T) {
	_, _, err := NewSQLCompiler().Compile(Query{})
	assert.Error(t, err)
}

func TestCompilePredicate_CustomColumn(t *testing.T) {
	c := &SQLCompiler{Column: "params"}
	sql, _, err := c.CompilePredicate(ir.Exists{Attr: "code"})
	require.NoError(t, err)
	assert.Equal(t, "(json_type(params, ?) IS NOT NULL)", sql)
}

func TestCompilePredicate_EmptyLists(t *testing.T) {
	c := NewSQLCompiler()

	sql, _, err := c.CompilePredicate(ir.And{})
	require.NoError(t, err)
	assert.Equal(t, "(1 = 1)", sql)

	sql, _, err = c.CompilePredicate(ir.Or{})
	require.NoError(t, err)
	assert.Equal(t, "(1 = 0)", sql)
}

func TestCompilePredicate_Rejected(t *testing.T) {
	tests := []struct {
		name string
		pred ir.Predicate
		msg  string
	}{
		{"nil", nil, "nil predicate"},
		{"event state", ir.EventState{Event: "dx", State: ir.StatusScheduled}, "cannot be queried"},
		{"in without list", ir.Compare{Attr: "a", Op: ir.OpIn, Value: ir.IRString("x")}, "requires an array"},
		{"order on bool", ir.Compare{Attr: "a", Op: ir.OpLt, Value: ir.IRBool(true)}, "number or string"},
		{"eq on object", ir.Compare{Attr: "a", Op: ir.OpEq, Value: ir.IRObject{}}, "cannot be compared"},
		{"quoted name", ir.Exists{Attr: `a"b`}, "cannot be queried"},
		{"bad op", ir.Compare{Attr: "a", Op: "gte", Value: ir.IRInt(1)}, "unknown operator"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := NewSQLCompiler().CompilePredicate(tt.pred)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

// ============================================================================
// Agreement with expr.Eval
// ============================================================================

var rows = []ir.IRObject{
	{"age": ir.IRInt(34), "sex": ir.IRString("F"), "bmi": ir.IRFloat(27.5), "smoker": ir.IRBool(false)},
	{"age": ir.IRInt(67), "sex": ir.IRString("M"), "bmi": ir.IRFloat(31.2), "smoker": ir.IRBool(true),
		"comorbidities":   ir.IRArray{ir.IRString("hypertension"), ir.IRString("ckd")}},
	{"age": ir.IRInt(71), "sex": ir.IRString("F"), "comorbidities": ir.IRArray{}, "note": ir.IRNull{}},
	{"age": ir.IRString("unknown"), "sex": ir.IRString("M"), "flag": ir.IRInt(1)},
	{"sex": ir.IRString("F"), "flag": ir.IRBool(true), "comorbidities": ir.IRArray{ir.IRString("retinopathy")}},
}

func openTable(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`CREATE TABLE entities (id TEXT PRIMARY KEY, run_id TEXT NOT NULL, attributes TEXT NOT NULL)`)
	require.NoError(t, err)
	for i, attrs := range rows {
		data, err := ir.MarshalCanonical(attrs)
		require.NoError(t, err)
		_, err = db.Exec(`INSERT INTO entities (id, run_id, attributes) VALUES (?, ?, ?)`,
			string(rune('a'+i)), "run-1", string(data))
		require.NoError(t, err)
	}
	return db
}

func TestCompiledQueriesAgreeWithEval(t *testing.T) {
	db := openTable(t)

	preds := map[string]ir.Predicate{
		"eq string":       ir.Compare{Attr: "sex", Op: ir.OpEq, Value: ir.IRString("F")},
		"eq int float":    ir.Compare{Attr: "age", Op: ir.OpEq, Value: ir.IRFloat(67)},
		"eq bool":         ir.Compare{Attr: "smoker", Op: ir.OpEq, Value: ir.IRBool(true)},
		"bool is not int": ir.Compare{Attr: "flag", Op: ir.OpEq, Value: ir.IRInt(1)},
		"eq null":         ir.Compare{Attr: "note", Op: ir.OpEq, Value: ir.IRNull{}},
		"ne":              ir.Compare{Attr: "sex", Op: ir.OpNe, Value: ir.IRString("F")},
		"ne missing":      ir.Compare{Attr: "bmi", Op: ir.OpNe, Value: ir.IRFloat(27.5)},
		"ge":              ir.Compare{Attr: "age", Op: ir.OpGe, Value: ir.IRInt(65)},
		"lt float":        ir.Compare{Attr: "bmi", Op: ir.OpLt, Value: ir.IRFloat(30)},
		"string order":    ir.Compare{Attr: "age", Op: ir.OpGt, Value: ir.IRString("a")},
		"in scalar":       ir.Compare{Attr: "age", Op: ir.OpIn, Value: ir.IRArray{ir.IRInt(34), ir.IRInt(71)}},
		"in array":        ir.Compare{Attr: "comorbidities", Op: ir.OpIn, Value: ir.IRArray{ir.IRString("ckd"), ir.IRString("retinopathy")}},
		"in empty":        ir.Compare{Attr: "sex", Op: ir.OpIn, Value: ir.IRArray{}},
		"exists":          ir.Exists{Attr: "comorbidities"},
		"exists null":     ir.Exists{Attr: "note"},
		"not missing":     ir.Not{Predicate: ir.Compare{Attr: "bmi", Op: ir.OpGt, Value: ir.IRInt(30)}},
		"all":             ir.And{Predicates: []ir.Predicate{ir.Compare{Attr: "sex", Op: ir.OpEq, Value: ir.IRString("F")}, ir.Compare{Attr: "age", Op: ir.OpGe, Value: ir.IRInt(65)}}},
		"any":             ir.Or{Predicates: []ir.Predicate{ir.Exists{Attr: "flag"}, ir.Compare{Attr: "bmi", Op: ir.OpGe, Value: ir.IRInt(30)}}},
		"not any":         ir.Not{Predicate: ir.Or{Predicates: []ir.Predicate{ir.Exists{Attr: "flag"}, ir.Exists{Attr: "note"}}}},
	}

	for name, p := range preds {
		t.Run(name, func(t *testing.T) {
			var want []string
			for i, attrs := range rows {
				ok, err := expr.Eval(p, expr.Attrs(attrs))
				require.NoError(t, err)
				if ok {
					want = append(want, string(rune('a'+i)))
				}
			}

			query, params, err := NewSQLCompiler().Compile(Query{
				From:    "entities",
				Columns: []string{"id"},
				RunID:   "run-1",
				Filter:  p,
			})
			require.NoError(t, err)

			res, err := db.Query(query, params...)
			require.NoError(t, err)
			defer res.Close()
			var got []string
			for res.Next() {
				var id string
				require.NoError(t, res.Scan(&id))
				got = append(got, id)
			}
			require.NoError(t, res.Err())

			assert.Equal(t, want, got, query)
		})
	}
}
