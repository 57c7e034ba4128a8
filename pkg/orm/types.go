package orm

import (
	"encoding/json"
	"math"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
)

// ColumnType names the storage type of a mapped column.
type ColumnType string

// Supported column types.
const (
	TypeInteger  ColumnType = "integer"
	TypeSmallInt ColumnType = "smallint"
	TypeBigInt   ColumnType = "bigint"
	TypeString   ColumnType = "string"
	TypeText     ColumnType = "text"
	TypeBoolean  ColumnType = "boolean"
	TypeFloat    ColumnType = "float"
	TypeDateTime ColumnType = "datetime"
)

// IsInteger reports whether the type stores integers.
func (t ColumnType) IsInteger() bool {
	return t == TypeInteger || t == TypeSmallInt || t == TypeBigInt
}

// Convert normalizes v to the canonical Go representation of the column type:
// int64, string, bool, float64 or time.Time. Nil stays nil.
func (t ColumnType) Convert(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch t {
	case TypeInteger, TypeSmallInt, TypeBigInt:
		return toInt64(v)
	case TypeString, TypeText:
		switch s := v.(type) {
		case string:
			return s, nil
		case []byte:
			return string(s), nil
		}
	case TypeBoolean:
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			return strconv.ParseBool(b)
		}
		if n, err := toInt64(v); err == nil {
			return n != 0, nil
		}
	case TypeFloat:
		return toFloat64(v)
	case TypeDateTime:
		switch d := v.(type) {
		case time.Time:
			return d.UTC(), nil
		case string:
			parsed, err := time.Parse(time.RFC3339Nano, d)
			if err != nil {
				return nil, errors.Wrapf(err, "parse %s", t)
			}
			return parsed.UTC(), nil
		}
	}
	return nil, errors.Newf("cannot convert %T to %s", v, t)
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int8:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint:
		return int64(n), nil
	case uint8:
		return int64(n), nil
	case uint16:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case uint64:
		if n > math.MaxInt64 {
			return 0, errors.Newf("integer %d overflows int64", n)
		}
		return int64(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, errors.Newf("float %v is not integral", n)
		}
		return int64(n), nil
	case json.Number:
		return n.Int64()
	case string:
		return strconv.ParseInt(n, 10, 64)
	}
	return 0, errors.Newf("cannot convert %T to integer", v)
}

func toFloat64(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	case string:
		return strconv.ParseFloat(n, 64)
	}
	i, err := toInt64(v)
	if err != nil {
		return 0, errors.Newf("cannot convert %T to float", v)
	}
	return float64(i), nil
}

// valueOf reads a Go field value into its column form, dereferencing the
// pointer types used for nullable columns.
func valueOf(v any) any {
	switch p := v.(type) {
	case *string:
		if p == nil {
			return nil
		}
		return *p
	case *int:
		if p == nil {
			return nil
		}
		return *p
	case *int32:
		if p == nil {
			return nil
		}
		return *p
	case *int64:
		if p == nil {
			return nil
		}
		return *p
	case *bool:
		if p == nil {
			return nil
		}
		return *p
	case *float64:
		if p == nil {
			return nil
		}
		return *p
	case *time.Time:
		if p == nil {
			return nil
		}
		return *p
	}
	return v
}

// assign stores a canonical column value into the Go field dst.
func assign[V any](dst *V, v any) error {
	switch d := any(dst).(type) {
	case *int64:
		n, err := toInt64(orZero(v, int64(0)))
		*d = n
		return err
	case *int:
		n, err := toInt64(orZero(v, int64(0)))
		*d = int(n)
		return err
	case *int32:
		n, err := toInt64(orZero(v, int64(0)))
		if n > math.MaxInt32 || n < math.MinInt32 {
			return errors.Newf("integer %d overflows int32", n)
		}
		*d = int32(n)
		return err
	case *string:
		s, ok := orZero(v, "").(string)
		if !ok {
			return errors.Newf("cannot assign %T to string", v)
		}
		*d = s
	case *bool:
		b, ok := orZero(v, false).(bool)
		if !ok {
			return errors.Newf("cannot assign %T to bool", v)
		}
		*d = b
	case *float64:
		f, err := toFloat64(orZero(v, float64(0)))
		*d = f
		return err
	case *time.Time:
		tm, ok := orZero(v, time.Time{}).(time.Time)
		if !ok {
			return errors.Newf("cannot assign %T to time", v)
		}
		*d = tm
	case **string:
		return assignPtr(d, v)
	case **int64:
		return assignPtr(d, v)
	case **int:
		return assignPtr(d, v)
	case **bool:
		return assignPtr(d, v)
	case **float64:
		return assignPtr(d, v)
	case **time.Time:
		return assignPtr(d, v)
	default:
		return errors.Newf("unsupported field type %T", dst)
	}
	return nil
}

func assignPtr[V any](dst **V, v any) error {
	if v == nil {
		*dst = nil
		return nil
	}
	var val V
	if err := assign(&val, v); err != nil {
		return err
	}
	*dst = &val
	return nil
}

func orZero(v any, zero any) any {
	if v == nil {
		return zero
	}
	return v
}
