// Package probe runs single SQL operations against one endpoint. Every call
// owns its connection from dial to close; nothing is pooled or held across
// calls, so one unreachable node can only ever cost its own timeouts.
package probe

import (
	"context"
	"fmt"
	"strconv"

	"github.com/go-mysql-org/go-mysql-failover/endpoint"
)

// Statement is one SQL statement with its placeholder arguments.
type Statement struct {
	Query string
	Args  []interface{}
}

// Op is one logical operation: one connection, one or more statements,
// optionally wrapped in BEGIN/COMMIT.
type Op struct {
	Database   string
	Statements []Statement
	Tx         bool
}

// Query builds a single-statement Op.
func Query(db string, query string, args ...interface{}) Op {
	return Op{
		Database:   db,
		Statements: []Statement{{Query: query, Args: args}},
	}
}

// Transaction builds an Op that commits all statements atomically.
func Transaction(db string, stmts ...Statement) Op {
	return Op{
		Database:   db,
		Statements: stmts,
		Tx:         true,
	}
}

func (op Op) String() string {
	if len(op.Statements) == 1 {
		return op.Statements[0].Query
	}
	return fmt.Sprintf("%d statements", len(op.Statements))
}

// Prober executes an Op against an Endpoint. Rows holds the result of the
// last statement of the Op.
type Prober interface {
	Execute(ctx context.Context, ep endpoint.Endpoint, op Op) (*Rows, error)
}

// Rows is a fully materialized result set. Text values are strings,
// integers are int64 or uint64, NULL is nil.
type Rows struct {
	Columns []string
	Values  [][]interface{}

	AffectedRows uint64
	InsertID     uint64
}

func (r *Rows) Len() int {
	if r == nil {
		return 0
	}
	return len(r.Values)
}

// Scalar returns the first column of the first row. ok is false when
// there is no row.
func (r *Rows) Scalar() (v interface{}, ok bool) {
	if r.Len() == 0 || len(r.Values[0]) == 0 {
		return nil, false
	}
	return r.Values[0][0], true
}

// String returns the value at row, col formatted as a string, and false
// for NULL or out-of-range cells.
func (r *Rows) String(row, col int) (string, bool) {
	if row >= r.Len() || col >= len(r.Values[row]) {
		return "", false
	}
	return AsString(r.Values[row][col])
}

// AsString converts a scalar value returned by a Prober to a string.
func AsString(v interface{}) (string, bool) {
	switch x := v.(type) {
	case nil:
		return "", false
	case string:
		return x, true
	case []byte:
		return string(x), true
	case int64:
		return strconv.FormatInt(x, 10), true
	case uint64:
		return strconv.FormatUint(x, 10), true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	default:
		return fmt.Sprint(x), true
	}
}

// AsInt converts a scalar value returned by a Prober to an int64.
func AsInt(v interface{}) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case uint64:
		return int64(x), true
	case float64:
		return int64(x), true
	case string, []byte:
		s, _ := AsString(x)
		n, err := strconv.ParseInt(s, 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

// QueryScalar runs op and returns the single value it selects. A query that
// returns no row yields (nil, false, nil); NULL yields (nil, true, nil).
func QueryScalar(ctx context.Context, p Prober, ep endpoint.Endpoint, op Op) (interface{}, bool, error) {
	rows, err := p.Execute(ctx, ep, op)
	if err != nil {
		return nil, false, err
	}
	v, ok := rows.Scalar()
	return v, ok, nil
}
