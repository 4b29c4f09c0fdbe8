package config

import (
	"fmt"
	"strings"

	"github.com/spf13/cast"
)

// Options is a free-form option bag attached to config blocks whose keys depend
// on a selected kind (predicates, metrics backends). Getters never fail: a missing
// or mistyped key yields the supplied default.
type Options map[string]any

// Any returns the raw value for key, or nil.
func (o Options) Any(key string) any {
	if o == nil {
		return nil
	}
	return o[key]
}

// scalar returns key with surrounding blanks trimmed from string values, so
// that cast parses " 42 " the way a hand-edited YAML file means it.
func (o Options) scalar(key string) (any, bool) {
	v := o.Any(key)
	if v == nil {
		return nil, false
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s), true
	}
	return v, true
}

// String returns key as a string. Non-string scalars are formatted.
func (o Options) String(key, def string) string {
	v := o.Any(key)
	if v == nil {
		return def
	}
	s, err := cast.ToStringE(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return s
}

// Int returns key as an int. Strings are parsed; floats are truncated.
func (o Options) Int(key string, def int) int {
	v, ok := o.scalar(key)
	if !ok {
		return def
	}
	n, err := cast.ToIntE(v)
	if err != nil {
		return def
	}
	return n
}

// Float returns key as a float64.
func (o Options) Float(key string, def float64) float64 {
	v, ok := o.scalar(key)
	if !ok {
		return def
	}
	f, err := cast.ToFloat64E(v)
	if err != nil {
		return def
	}
	return f
}

// Bool returns key as a bool. Accepts "true"/"false"/"1"/"0" strings.
func (o Options) Bool(key string, def bool) bool {
	v, ok := o.scalar(key)
	if !ok {
		return def
	}
	b, err := cast.ToBoolE(v)
	if err != nil {
		return def
	}
	return b
}

// StringSlice returns key as []string. A comma-separated string is split.
func (o Options) StringSlice(key string) []string {
	v := o.Any(key)
	if s, ok := v.(string); ok {
		var out []string
		for _, p := range strings.Split(s, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	if v == nil {
		return nil
	}
	out, err := cast.ToStringSliceE(v)
	if err != nil {
		return nil
	}
	return out
}

// StringMap returns key as map[string]string.
func (o Options) StringMap(key string) map[string]string {
	v := o.Any(key)
	if v == nil {
		return nil
	}
	m, err := cast.ToStringMapStringE(v)
	if err != nil {
		return nil
	}
	return m
}
