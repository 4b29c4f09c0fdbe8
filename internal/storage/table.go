package storage

import (
	"fmt"
	"strings"
)

// ConflictPolicy is how a write treats a row whose natural key already exists.
type ConflictPolicy int

const (
	// AppendOnly inserts every row; the table has no natural key.
	AppendOnly ConflictPolicy = iota
	// InsertIgnore keeps the stored row.
	InsertIgnore
	// InsertOrUpdate overwrites the update columns, guarded by the version column
	// when one is set (incoming version must be >= stored).
	InsertOrUpdate
	// InsertOrReplace overwrites every non-key column.
	InsertOrReplace
)

func (p ConflictPolicy) String() string {
	switch p {
	case AppendOnly:
		return "append_only"
	case InsertIgnore:
		return "insert_ignore"
	case InsertOrUpdate:
		return "insert_or_update"
	case InsertOrReplace:
		return "insert_or_replace"
	}
	return fmt.Sprintf("ConflictPolicy(%d)", int(p))
}

// ColumnType is a logical column type; each backend maps it to its own DDL.
type ColumnType string

const (
	TypeText      ColumnType = "text"
	TypeInt       ColumnType = "int"
	TypeBigint    ColumnType = "bigint"
	TypeDouble    ColumnType = "double"
	TypeTimestamp ColumnType = "timestamp"
	// TypeSerial is a backend-generated surrogate key. It is never written.
	TypeSerial ColumnType = "serial"
)

// ColumnSpec describes one column.
type ColumnSpec struct {
	Name     string     `json:"name"`
	Type     ColumnType `json:"type"`
	Nullable bool       `json:"nullable,omitempty"`
}

// TableSpec is everything a backend needs to create and write a table.
type TableSpec struct {
	Name    string       `json:"name"`
	Columns []ColumnSpec `json:"columns"`

	// Key is the natural key. It is enforced unique unless the table is a staging
	// table. Empty for AppendOnly tables.
	Key []string `json:"key,omitempty"`

	// Unique lists additional unique constraints.
	Unique [][]string `json:"unique,omitempty"`

	Policy ConflictPolicy `json:"policy"`

	// Update names the columns overwritten by InsertOrUpdate; empty means every
	// non-key column.
	Update []string `json:"update,omitempty"`

	// Version guards InsertOrUpdate: a stored row is only overwritten by a row whose
	// Version value is greater than or equal to its own.
	Version string `json:"version,omitempty"`

	// Staging marks an unconstrained intermediate table.
	Staging bool `json:"staging,omitempty"`
}

// Column returns the named column spec.
func (t TableSpec) Column(name string) (ColumnSpec, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return ColumnSpec{}, false
}

// ColumnNames returns every column, including serial ones, in declaration order.
func (t TableSpec) ColumnNames() []string {
	out := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		out[i] = c.Name
	}
	return out
}

// InsertColumns returns the writable columns in declaration order. Row values
// passed to Upsert and Stage follow this order.
func (t TableSpec) InsertColumns() []string {
	out := make([]string, 0, len(t.Columns))
	for _, c := range t.Columns {
		if c.Type != TypeSerial {
			out = append(out, c.Name)
		}
	}
	return out
}

// SerialColumn returns the generated column name, or "".
func (t TableSpec) SerialColumn() string {
	for _, c := range t.Columns {
		if c.Type == TypeSerial {
			return c.Name
		}
	}
	return ""
}

// UpdateColumns returns the columns an InsertOrUpdate or InsertOrReplace writes
// over an existing row.
func (t TableSpec) UpdateColumns() []string {
	if t.Policy == InsertOrUpdate && len(t.Update) > 0 {
		return t.Update
	}
	key := make(map[string]bool, len(t.Key))
	for _, k := range t.Key {
		key[k] = true
	}
	var out []string
	for _, c := range t.InsertColumns() {
		if !key[c] {
			out = append(out, c)
		}
	}
	return out
}

// Validate checks that names referenced by the spec exist and fit its policy.
func (t TableSpec) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("storage: table name is empty")
	}
	if len(t.Columns) == 0 {
		return fmt.Errorf("storage: table %s has no columns", t.Name)
	}
	seen := map[string]bool{}
	serials := 0
	for _, c := range t.Columns {
		if c.Name == "" {
			return fmt.Errorf("storage: table %s has an unnamed column", t.Name)
		}
		if seen[c.Name] {
			return fmt.Errorf("storage: table %s: duplicate column %q", t.Name, c.Name)
		}
		seen[c.Name] = true
		switch c.Type {
		case TypeText, TypeInt, TypeBigint, TypeDouble, TypeTimestamp:
		case TypeSerial:
			serials++
		default:
			return fmt.Errorf("storage: table %s: column %s has unknown type %q", t.Name, c.Name, c.Type)
		}
	}
	if serials > 1 {
		return fmt.Errorf("storage: table %s: more than one serial column", t.Name)
	}

	refs := append([]string(nil), t.Key...)
	refs = append(refs, t.Update...)
	for _, u := range t.Unique {
		refs = append(refs, u...)
	}
	if t.Version != "" {
		refs = append(refs, t.Version)
	}
	for _, r := range refs {
		if !seen[r] {
			return fmt.Errorf("storage: table %s: unknown column %q", t.Name, r)
		}
	}

	if t.Staging {
		return nil
	}
	if t.Policy == AppendOnly && len(t.Key) > 0 {
		return fmt.Errorf("storage: table %s: append-only tables have no natural key", t.Name)
	}
	if t.Policy != AppendOnly && len(t.Key) == 0 {
		return fmt.Errorf("storage: table %s: %s needs a natural key", t.Name, t.Policy)
	}
	return nil
}
