package storage

import (
	"fmt"
	"strings"
)

// Merge describes a set-based merge from a staging table into a target table.
type Merge struct {
	Target  TableSpec
	Staging string

	// Source[i] is the staging column feeding Target.InsertColumns()[i].
	Source []string

	// Filter is an optional predicate on staging rows (e.g. "actor_ok = 1").
	Filter string

	// Order is the staging column holding arrival order. Defaults to "seq".
	Order string
}

// MergeStep is one statement of a merge. Counted steps contribute their
// affected-row count to the number of rows loaded.
type MergeStep struct {
	SQL     string
	Counted bool
}

// BuildMerge renders the statements that apply m.Target.Policy to the staged
// rows. The SQL is plain ANSI plus window functions and UPDATE ... FROM, which
// Postgres, SQLite (3.33+) and Redshift all accept.
//
// Within the staged rows, InsertIgnore and InsertOrReplace keep the first row
// per key by arrival order; InsertOrUpdate keeps the row with the highest
// version, earliest first on ties. This matches deduplicating in memory and then
// upserting row by row.
func BuildMerge(m Merge) ([]MergeStep, error) {
	t := m.Target
	if err := t.Validate(); err != nil {
		return nil, err
	}
	cols := t.InsertColumns()
	if len(m.Source) != len(cols) {
		return nil, fmt.Errorf("storage: merge into %s: %d source columns for %d target columns", t.Name, len(m.Source), len(cols))
	}
	if m.Staging == "" {
		return nil, fmt.Errorf("storage: merge into %s: staging table is empty", t.Name)
	}
	order := m.Order
	if order == "" {
		order = "seq"
	}

	srcOf := make(map[string]string, len(cols))
	for i, c := range cols {
		srcOf[c] = m.Source[i]
	}

	where := ""
	if m.Filter != "" {
		where = " WHERE " + m.Filter
	}
	colList := strings.Join(cols, ", ")
	sCols := prefixed("s.", cols)

	if t.Policy == AppendOnly {
		return []MergeStep{{
			SQL: fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s%s ORDER BY %s",
				t.Name, colList, strings.Join(m.Source, ", "), m.Staging, where, order),
			Counted: true,
		}}, nil
	}

	rank := order
	if t.Policy == InsertOrUpdate && t.Version != "" {
		rank = srcOf[t.Version] + " DESC, " + order
	}
	projected := make([]string, len(cols))
	for i, c := range cols {
		projected[i] = m.Source[i] + " AS " + c
	}
	keySrc := make([]string, len(t.Key))
	for i, k := range t.Key {
		keySrc[i] = srcOf[k]
	}
	latest := fmt.Sprintf("(SELECT %s, ROW_NUMBER() OVER (PARTITION BY %s ORDER BY %s) AS rn FROM %s%s) s",
		strings.Join(projected, ", "), strings.Join(keySrc, ", "), rank, m.Staging, where)

	keyMatch := func(left string) string {
		parts := make([]string, len(t.Key))
		for i, k := range t.Key {
			parts[i] = fmt.Sprintf("%s.%s = s.%s", left, k, k)
		}
		return strings.Join(parts, " AND ")
	}

	insertNew := MergeStep{
		SQL: fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s WHERE s.rn = 1 AND NOT EXISTS (SELECT 1 FROM %s t WHERE %s)",
			t.Name, colList, sCols, latest, t.Name, keyMatch("t")),
		Counted: true,
	}

	switch t.Policy {
	case InsertIgnore:
		return []MergeStep{insertNew}, nil

	case InsertOrUpdate:
		upd := t.UpdateColumns()
		sets := make([]string, len(upd))
		for i, c := range upd {
			sets[i] = fmt.Sprintf("%s = s.%s", c, c)
		}
		cond := "s.rn = 1 AND " + keyMatch(t.Name)
		if t.Version != "" {
			cond += fmt.Sprintf(" AND %s.%s <= s.%s", t.Name, t.Version, t.Version)
		}
		update := MergeStep{
			SQL:     fmt.Sprintf("UPDATE %s SET %s FROM %s WHERE %s", t.Name, strings.Join(sets, ", "), latest, cond),
			Counted: true,
		}
		return []MergeStep{update, insertNew}, nil

	case InsertOrReplace:
		stagedKey := make([]string, len(t.Key))
		for i, k := range t.Key {
			stagedKey[i] = fmt.Sprintf("st.%s = %s.%s", srcOf[k], t.Name, k)
		}
		filter := ""
		if m.Filter != "" {
			filter = " AND " + m.Filter
		}
		del := MergeStep{
			SQL: fmt.Sprintf("DELETE FROM %s WHERE EXISTS (SELECT 1 FROM %s st WHERE %s%s)",
				t.Name, m.Staging, strings.Join(stagedKey, " AND "), filter),
		}
		insert := MergeStep{
			SQL:     fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s WHERE s.rn = 1", t.Name, colList, sCols, latest),
			Counted: true,
		}
		return []MergeStep{del, insert}, nil
	}
	return nil, fmt.Errorf("storage: merge into %s: unsupported policy %s", t.Name, t.Policy)
}

func prefixed(p string, cols []string) string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = p + c
	}
	return strings.Join(out, ", ")
}
