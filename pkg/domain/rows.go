// Package domain defines the row-level storage contracts, change records and
// rule evaluation primitives shared by entitykit stores and sessions.
package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// Row maps column names to canonical column values.
type Row map[string]any

// Clone returns a shallow copy of the row. Column values are scalars, so a
// shallow copy is sufficient to isolate callers from store state.
func (r Row) Clone() Row {
	if r == nil {
		return nil
	}
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Columns returns the row's column names in lexical order.
func (r Row) Columns() []string {
	cols := make([]string, 0, len(r))
	for k := range r {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols
}

// Store errors shared by persistence implementations.
var (
	// ErrRowExists is returned when inserting a row whose key is already taken.
	ErrRowExists = errors.New("row already exists")
	// ErrRowNotFound is returned when updating or deleting a missing row.
	ErrRowNotFound = errors.New("row not found")
)

// FormatKey renders the primary key string for the given ordered key columns
// and values. Integral numbers render identically whatever their Go type, so
// rows decoded from JSON snapshots address the same keys as freshly written ones.
func FormatKey(columns []string, values []any) string {
	var b strings.Builder
	for i, col := range columns {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(col)
		b.WriteByte('=')
		var v any
		if i < len(values) {
			v = values[i]
		}
		b.WriteString(FormatValue(v))
	}
	return b.String()
}

// KeyOf renders the primary key string of row for the given key columns.
func KeyOf(columns []string, row Row) string {
	values := make([]any, len(columns))
	for i, col := range columns {
		values[i] = row[col]
	}
	return FormatKey(columns, values)
}

// FormatValue renders a single column value for key construction.
func FormatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return "<nil>"
	case string:
		return strconv.Quote(t)
	case int:
		return strconv.FormatInt(int64(t), 10)
	case int8:
		return strconv.FormatInt(int64(t), 10)
	case int16:
		return strconv.FormatInt(int64(t), 10)
	case int32:
		return strconv.FormatInt(int64(t), 10)
	case int64:
		return strconv.FormatInt(t, 10)
	case uint:
		return strconv.FormatUint(uint64(t), 10)
	case uint32:
		return strconv.FormatUint(uint64(t), 10)
	case uint64:
		return strconv.FormatUint(t, 10)
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1<<53 {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'g', -1, 64)
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return strconv.FormatInt(n, 10)
		}
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	default:
		return strconv.Quote(fmt.Sprint(t))
	}
}
