// Package querysql compiles condition predicates to parameterised SQLite.
//
// Stored entities keep their attributes as canonical JSON in one TEXT
// column, so every comparison goes through json_extract/json_type. The
// compiled SQL must agree with expr.Eval on every row:
//   - a comparison against a missing attribute is false
//   - eq/ne and ordering never match across kinds (1 is not true, "1" is not 1)
//   - in over an array attribute holds when any element is listed
//   - leaves are never NULL, so NOT behaves as in Go
//
// Event state predicates only make sense while a journey is being walked
// and are rejected.
package querysql

import (
	"fmt"
	"strings"

	"github.com/roach88/cohortgen/internal/ir"
)

// Query selects rows of one table whose attribute column satisfies Filter.
//
// Semantics:
//
//	SELECT <columns> FROM <from> WHERE run_id = ? AND <filter> ORDER BY <order>, id
type Query struct {
	From    string       // table name
	Columns []string     // selected columns, in scan order
	RunID   string       // restrict to one run; empty means every run
	Filter  ir.Predicate // nil selects every row
	OrderBy []string     // leading sort columns; id is always the final tiebreaker
}

// SQLCompiler compiles queries over a JSON attribute column.
//
// CRITICAL: ALL queries include ORDER BY for deterministic results.
// CRITICAL: All values are parameterized (never interpolated).
type SQLCompiler struct {
	// Column holds the canonical attribute JSON.
	Column string
}

// NewSQLCompiler creates a compiler over the "attributes" column.
func NewSQLCompiler() *SQLCompiler {
	return &SQLCompiler{Column: "attributes"}
}

// Compile converts q to parameterized SQL.
// Returns (sql, params, error) tuple.
func (c *SQLCompiler) Compile(q Query) (string, []any, error) {
	if q.From == "" {
		return "", nil, fmt.Errorf("query requires a table")
	}

	cols := "*"
	if len(q.Columns) > 0 {
		cols = strings.Join(q.Columns, ", ")
	}

	var where []string
	var params []any
	if q.RunID != "" {
		where = append(where, "run_id = ?")
		params = append(params, q.RunID)
	}
	if q.Filter != nil {
		sql, fp, err := c.CompilePredicate(q.Filter)
		if err != nil {
			return "", nil, fmt.Errorf("compile filter: %w", err)
		}
		where = append(where, sql)
		params = append(params, fp...)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s", cols, q.From)
	if len(where) > 0 {
		b.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY " + stableOrderKey(q.OrderBy))
	return b.String(), params, nil
}

// stableOrderKey returns the ORDER BY list. COLLATE BINARY keeps text
// ordering identical across SQLite builds.
func stableOrderKey(leading []string) string {
	parts := make([]string, 0, len(leading)+1)
	for _, col := range leading {
		if col == "id" {
			continue
		}
		parts = append(parts, col+" ASC")
	}
	parts = append(parts, "id ASC COLLATE BINARY")
	return strings.Join(parts, ", ")
}

// CompilePredicate compiles p to a WHERE fragment that is 1 or 0 for
// every row.
func (c *SQLCompiler) CompilePredicate(p ir.Predicate) (string, []any, error) {
	switch node := p.(type) {
	case nil:
		return "", nil, fmt.Errorf("nil predicate")
	case ir.Compare:
		return c.compileCompare(node)
	case ir.Exists:
		path, err := jsonPath(node.Attr)
		if err != nil {
			return "", nil, err
		}
		return fmt.Sprintf("(json_type(%s, ?) IS NOT NULL)", c.Column), []any{path}, nil
	case ir.And:
		return c.compileList(node.Predicates, " AND ", "1 = 1")
	case ir.Or:
		return c.compileList(node.Predicates, " OR ", "1 = 0")
	case ir.Not:
		sql, params, err := c.CompilePredicate(node.Predicate)
		if err != nil {
			return "", nil, err
		}
		return "(NOT " + sql + ")", params, nil
	case ir.EventState:
		return "", nil, fmt.Errorf("event state %q cannot be queried: it only exists while a journey is expanded", node.Event)
	default:
		return "", nil, fmt.Errorf("unsupported predicate type: %T", p)
	}
}

func (c *SQLCompiler) compileList(ps []ir.Predicate, sep, empty string) (string, []any, error) {
	if len(ps) == 0 {
		return "(" + empty + ")", nil, nil
	}
	parts := make([]string, 0, len(ps))
	var params []any
	for _, p := range ps {
		sql, pp, err := c.CompilePredicate(p)
		if err != nil {
			return "", nil, err
		}
		parts = append(parts, sql)
		params = append(params, pp...)
	}
	return "(" + strings.Join(parts, sep) + ")", params, nil
}

func (c *SQLCompiler) compileCompare(cmp ir.Compare) (string, []any, error) {
	path, err := jsonPath(cmp.Attr)
	if err != nil {
		return "", nil, err
	}
	col := c.Column

	switch cmp.Op {
	case ir.OpEq, ir.OpNe:
		sql, params, err := c.equals(path, cmp.Value)
		if err != nil {
			return "", nil, fmt.Errorf("attr %q: %w", cmp.Attr, err)
		}
		if cmp.Op == ir.OpNe {
			// Present and not equal.
			sql = fmt.Sprintf("(json_type(%s, ?) IS NOT NULL AND NOT %s)", col, sql)
			params = append([]any{path}, params...)
		}
		return sql, params, nil

	case ir.OpLt, ir.OpLe, ir.OpGt, ir.OpGe:
		types, param, err := orderable(cmp.Value)
		if err != nil {
			return "", nil, fmt.Errorf("attr %q: %w", cmp.Attr, err)
		}
		sql := fmt.Sprintf("(COALESCE(json_type(%s, ?) IN (%s) AND json_extract(%s, ?) %s ?, 0))",
			col, types, col, sqlOps[cmp.Op])
		return sql, []any{path, path, param}, nil

	case ir.OpIn:
		list, ok := cmp.Value.(ir.IRArray)
		if !ok {
			return "", nil, fmt.Errorf("attr %q: in requires an array, got %s", cmp.Attr, ir.KindName(cmp.Value))
		}
		var alts []string
		var params []any
		for _, v := range list {
			scalar, sp, err := c.equals(path, v)
			if err != nil {
				return "", nil, fmt.Errorf("attr %q: %w", cmp.Attr, err)
			}
			elem, ep, err := elementEquals(v)
			if err != nil {
				return "", nil, fmt.Errorf("attr %q: %w", cmp.Attr, err)
			}
			alts = append(alts, scalar,
				fmt.Sprintf("(COALESCE(json_type(%s, ?) = 'array' AND EXISTS (SELECT 1 FROM json_each(%s, ?) AS e WHERE %s), 0))",
					col, col, elem))
			params = append(params, sp...)
			params = append(params, path, path)
			params = append(params, ep...)
		}
		if len(alts) == 0 {
			return "(1 = 0)", nil, nil
		}
		return "(" + strings.Join(alts, " OR ") + ")", params, nil

	default:
		return "", nil, fmt.Errorf("attr %q: unknown operator %q", cmp.Attr, cmp.Op)
	}
}

var sqlOps = map[ir.CompareOp]string{
	ir.OpLt: "<",
	ir.OpLe: "<=",
	ir.OpGt: ">",
	ir.OpGe: ">=",
}

// equals compiles a kind-guarded equality against the attribute at path.
func (c *SQLCompiler) equals(path string, v ir.IRValue) (string, []any, error) {
	col := c.Column
	if _, ok := v.(ir.IRNull); ok {
		return fmt.Sprintf("(COALESCE(json_type(%s, ?) = 'null', 0))", col), []any{path}, nil
	}
	types, param, err := scalar(v)
	if err != nil {
		return "", nil, err
	}
	sql := fmt.Sprintf("(COALESCE(json_type(%s, ?) IN (%s) AND json_extract(%s, ?) = ?, 0))", col, types, col)
	return sql, []any{path, path, param}, nil
}

// elementEquals compiles equality against a json_each row aliased e.
func elementEquals(v ir.IRValue) (string, []any, error) {
	if _, ok := v.(ir.IRNull); ok {
		return "e.type = 'null'", nil, nil
	}
	types, param, err := scalar(v)
	if err != nil {
		return "", nil, err
	}
	return fmt.Sprintf("e.type IN (%s) AND e.value = ?", types), []any{param}, nil
}

// scalar returns the json_type names a value may match and its SQL
// parameter.
func scalar(v ir.IRValue) (string, any, error) {
	switch val := v.(type) {
	case ir.IRString:
		return "'text'", string(val), nil
	case ir.IRInt:
		return "'integer', 'real'", int64(val), nil
	case ir.IRFloat:
		return "'integer', 'real'", float64(val), nil
	case ir.IRBool:
		if val {
			return "'true'", 1, nil
		}
		return "'false'", 0, nil
	case nil:
		return "", nil, fmt.Errorf("missing comparison value")
	default:
		return "", nil, fmt.Errorf("%s cannot be compared in SQL", ir.KindName(v))
	}
}

// orderable is scalar restricted to numbers and strings.
func orderable(v ir.IRValue) (string, any, error) {
	switch v.(type) {
	case ir.IRString, ir.IRInt, ir.IRFloat:
		return scalar(v)
	default:
		return "", nil, fmt.Errorf("ordering requires a number or string, got %s", ir.KindName(v))
	}
}

// jsonPath quotes attr as a single JSON object key.
func jsonPath(attr string) (string, error) {
	if attr == "" {
		return "", fmt.Errorf("comparison requires an attribute name")
	}
	if strings.ContainsAny(attr, `"\`) {
		return "", fmt.Errorf("attribute name %q cannot be queried", attr)
	}
	return `$."` + attr + `"`, nil
}
