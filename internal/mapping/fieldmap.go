// Package mapping turns raw records into candidate rows for the target tables.
//
// A TableMap is data, not code: each FieldMap names a target column, a dotted path
// into the record, a cast type and optional transforms. The built-in Sparkify maps
// live in sparkify.go and any of them can be replaced from configuration.
package mapping

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"sparkify/internal/record"
)

// Type is the cast applied to a source value.
type Type string

const (
	TypeText        Type = "text"
	TypeInt         Type = "int"
	TypeBigint      Type = "bigint"
	TypeDouble      Type = "double"
	TypeTimestampMS Type = "timestamp_ms"
)

func (t Type) valid() bool {
	switch t {
	case TypeText, TypeInt, TypeBigint, TypeDouble, TypeTimestampMS:
		return true
	}
	return false
}

// Row is one candidate row keyed by target column. Integer columns hold int64,
// double columns float64, text columns string, timestamp columns time.Time (UTC).
// Absent values are nil.
type Row map[string]any

// FieldMap maps one source path to one target column.
type FieldMap struct {
	Column     string
	Path       string
	Type       Type
	Transforms []string
}

// TableMap is the declarative mapping for one target table.
type TableMap struct {
	Table  string
	Fields []FieldMap

	// Required columns must be non-nil for the row to be emitted. The natural key
	// is always among them.
	Required []string
}

// Validate checks types, transforms and that every required column is mapped.
func (m TableMap) Validate() error {
	if m.Table == "" {
		return fmt.Errorf("mapping: table map without table name")
	}
	seen := make(map[string]bool, len(m.Fields))
	for _, f := range m.Fields {
		if f.Column == "" || f.Path == "" {
			return fmt.Errorf("mapping %s: field needs column and path", m.Table)
		}
		if seen[f.Column] {
			return fmt.Errorf("mapping %s: duplicate column %q", m.Table, f.Column)
		}
		seen[f.Column] = true
		if !f.Type.valid() {
			return fmt.Errorf("mapping %s.%s: unknown type %q", m.Table, f.Column, f.Type)
		}
		for _, name := range f.Transforms {
			if _, ok := transforms[name]; !ok {
				return fmt.Errorf("mapping %s.%s: unknown transform %q", m.Table, f.Column, name)
			}
		}
	}
	for _, c := range m.Required {
		if !seen[c] {
			return fmt.Errorf("mapping %s: required column %q is not mapped", m.Table, c)
		}
	}
	return nil
}

// Apply maps rec into a Row. A present value that cannot be cast returns an error
// wrapping record.ErrMalformedRecord.
func (m TableMap) Apply(rec record.Record) (Row, error) {
	row := make(Row, len(m.Fields))
	for _, f := range m.Fields {
		raw, _ := rec.Lookup(f.Path)
		v, err := cast(raw, f.Type)
		if err != nil {
			return nil, fmt.Errorf("%w: %s.%s from %q: %v", record.ErrMalformedRecord, m.Table, f.Column, f.Path, err)
		}
		for _, name := range f.Transforms {
			v = transforms[name](v)
		}
		if s, ok := v.(string); ok && s == "" {
			v = nil
		}
		row[f.Column] = v
	}
	return row, nil
}

// Complete reports whether every required column of row is non-nil.
func (m TableMap) Complete(row Row) bool {
	if row == nil {
		return false
	}
	for _, c := range m.Required {
		if row[c] == nil {
			return false
		}
	}
	return true
}

// Columns returns the mapped column names in field order.
func (m TableMap) Columns() []string {
	out := make([]string, len(m.Fields))
	for i, f := range m.Fields {
		out[i] = f.Column
	}
	return out
}

var transforms = map[string]func(any) any{
	"trim": func(v any) any {
		if s, ok := v.(string); ok {
			return strings.TrimSpace(s)
		}
		return v
	},
	"lower": func(v any) any {
		if s, ok := v.(string); ok {
			return strings.ToLower(s)
		}
		return v
	},
	"blank_as_null": func(v any) any {
		if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
			return nil
		}
		return v
	},
	"zero_as_null": func(v any) any {
		switch t := v.(type) {
		case int64:
			if t == 0 {
				return nil
			}
		case float64:
			if t == 0 {
				return nil
			}
		}
		return v
	},
}

func cast(v any, t Type) (any, error) {
	if v == nil {
		return nil, nil
	}
	if s, ok := v.(string); ok && s == "" {
		return nil, nil
	}
	switch t {
	case TypeText:
		return toText(v)
	case TypeInt, TypeBigint:
		return toInt64(v)
	case TypeDouble:
		return toFloat64(v)
	case TypeTimestampMS:
		ms, err := toInt64(v)
		if err != nil || ms == nil {
			return nil, err
		}
		return time.UnixMilli(ms.(int64)).UTC(), nil
	}
	return nil, fmt.Errorf("unknown type %q", t)
}

func toText(v any) (any, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case json.Number:
		return t.String(), nil
	case bool:
		return strconv.FormatBool(t), nil
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case int:
		return strconv.Itoa(t), nil
	}
	return nil, fmt.Errorf("cannot use %T as text", v)
}

func toInt64(v any) (any, error) {
	switch t := v.(type) {
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n, nil
		}
		return integral(t.Float64())
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return nil, nil
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, nil
		}
		return integral(strconv.ParseFloat(s, 64))
	case int64:
		return t, nil
	case int:
		return int64(t), nil
	case float64:
		return integral(t, nil)
	}
	return nil, fmt.Errorf("cannot use %T as integer", v)
}

func integral(f float64, err error) (any, error) {
	if err != nil {
		return nil, err
	}
	if f != math.Trunc(f) || math.IsInf(f, 0) || math.Abs(f) > 1<<53 {
		return nil, fmt.Errorf("%v is not an integer", f)
	}
	return int64(f), nil
}

func toFloat64(v any) (any, error) {
	switch t := v.(type) {
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return nil, err
		}
		return f, nil
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return nil, nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, err
		}
		return f, nil
	case float64:
		return t, nil
	case int64:
		return float64(t), nil
	case int:
		return float64(t), nil
	}
	return nil, fmt.Errorf("cannot use %T as double", v)
}
