// Package dedupe collapses candidate rows that share a natural key.
package dedupe

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Policy selects which row survives for a key.
type Policy int

const (
	// FirstOccurrence keeps the first row seen for each key.
	FirstOccurrence Policy = iota
	// MostRecent keeps the row with the greatest version; equal versions keep the
	// earliest row.
	MostRecent
)

func (p Policy) String() string {
	switch p {
	case FirstOccurrence:
		return "first_occurrence"
	case MostRecent:
		return "most_recent"
	}
	return fmt.Sprintf("Policy(%d)", int(p))
}

// Apply returns one row per non-empty key, in order of each key's first
// appearance. Rows whose key is empty are dropped. version is only consulted for
// MostRecent and may be nil otherwise.
func Apply[T any](p Policy, rows []T, key func(T) string, version func(T) int64) []T {
	if len(rows) == 0 {
		return nil
	}
	if p == MostRecent && version == nil {
		panic("dedupe: MostRecent needs a version func")
	}

	idx := make(map[string]int, len(rows))
	out := make([]T, 0, len(rows))
	for _, r := range rows {
		k := key(r)
		if k == "" {
			continue
		}
		i, seen := idx[k]
		if !seen {
			idx[k] = len(out)
			out = append(out, r)
			continue
		}
		if p == MostRecent && version(r) > version(out[i]) {
			out[i] = r
		}
	}
	return out
}

// NormalizeKey renders a key component as a canonical string so that equal keys
// compare equal regardless of their Go type ("7", int64(7) and 7 all become "7").
func NormalizeKey(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case []byte:
		return strings.TrimSpace(string(t))
	case int64:
		return strconv.FormatInt(t, 10)
	case int:
		return strconv.Itoa(t)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

// Key joins the normalized components of a composite key. It returns "" if any
// component is empty.
func Key(parts ...any) string {
	if len(parts) == 1 {
		return NormalizeKey(parts[0])
	}
	var b strings.Builder
	for i, p := range parts {
		s := NormalizeKey(p)
		if s == "" {
			return ""
		}
		if i > 0 {
			b.WriteByte('\x1f')
		}
		b.WriteString(s)
	}
	return b.String()
}
