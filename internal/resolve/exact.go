package resolve

import (
	"fmt"
	"strconv"
)

type exactKey struct {
	title    string
	name     string
	duration string
}

func keyOf(title, name string, d float64) exactKey {
	return exactKey{title: title, name: name, duration: strconv.FormatFloat(d, 'g', -1, 64)}
}

// Exact matches on byte-equal title and creator name and an equal duration.
type Exact struct {
	index map[exactKey][]Entry
}

// NewExact indexes entries for exact lookup.
func NewExact(entries []Entry) *Exact {
	idx := make(map[exactKey][]Entry, len(entries))
	for _, e := range entries {
		k := keyOf(e.Title, e.CreatorName, e.Duration)
		idx[k] = append(idx[k], e)
	}
	return &Exact{index: idx}
}

// Match implements Matcher.
func (x *Exact) Match(c Candidate) Result {
	return outcomeOf(x.index[keyOf(c.Title, c.CreatorName, c.Duration)])
}

// JoinSQL implements SQLMatcher. The statement uses only ANSI joins and
// aggregates so it runs unchanged on Postgres, SQLite and Redshift.
func (x *Exact) JoinSQL(catalogTable, creatorTable string) string {
	return fmt.Sprintf(`SELECT ci.title AS title, cr.name AS name, ci.duration AS duration,
       MIN(ci.item_id) AS item_id, MIN(ci.creator_id) AS creator_id, COUNT(*) AS n
FROM %s ci
JOIN %s cr ON cr.creator_id = ci.creator_id
GROUP BY ci.title, cr.name, ci.duration`, catalogTable, creatorTable)
}
