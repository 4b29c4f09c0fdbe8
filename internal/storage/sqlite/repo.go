// Package sqlite is the embedded SQLite backend (modernc.org/sqlite, no cgo).
//
// SQLite has no native timestamp type: timestamps are stored as RFC3339Nano TEXT
// in UTC and parsed back by SelectAll. Use a file DSN; every connection to
// ":memory:" sees its own empty database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"

	"sparkify/internal/storage"
)

// sqliteConstraint is the primary result code SQLITE_CONSTRAINT. Extended codes
// (UNIQUE, NOTNULL, ...) share it in their low byte.
const sqliteConstraint = 19

// maxParams stays under SQLITE_MAX_VARIABLE_NUMBER.
const maxParams = 32000

// Repo implements storage.Repository for SQLite.
type Repo struct {
	db *sql.DB
}

func init() {
	storage.Register("sqlite", New)
}

// New opens the database named by cfg.DSN.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Repo{db: db}, nil
}

// Close closes the database handle.
func (r *Repo) Close() { _ = r.db.Close() }

// EnsureTables creates missing tables.
func (r *Repo) EnsureTables(ctx context.Context, tables []storage.TableSpec) error {
	for _, t := range tables {
		ddl, err := buildCreateTableSQL(t)
		if err != nil {
			return err
		}
		if _, err := r.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table %s: %w", t.Name, err)
		}
	}
	return nil
}

// SelectAll implements storage.Repository.
func (r *Repo) SelectAll(ctx context.Context, spec storage.TableSpec) ([][]any, error) {
	q := fmt.Sprintf("SELECT %s FROM %s%s", joinIdentList(spec.ColumnNames()), sqlIdent(spec.Name), orderBy(spec))
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("sqlite: select %s: %w", spec.Name, err)
	}
	defer rows.Close()

	var out [][]any
	for rows.Next() {
		vals := make([]any, len(spec.Columns))
		ptrs := make([]any, len(vals))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("sqlite: scan %s: %w", spec.Name, err)
		}
		for i, c := range spec.Columns {
			v, err := fromSQLite(c.Type, vals[i])
			if err != nil {
				return nil, fmt.Errorf("sqlite: %s.%s: %w", spec.Name, c.Name, err)
			}
			vals[i] = v
		}
		out = append(out, vals)
	}
	return out, rows.Err()
}

// Begin implements storage.Repository.
func (r *Repo) Begin(ctx context.Context) (storage.Tx, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &Tx{tx: tx}, nil
}

// Tx is a SQLite transaction. It also implements storage.Stager.
type Tx struct {
	tx *sql.Tx
}

// Upsert implements storage.Tx.
func (t *Tx) Upsert(ctx context.Context, spec storage.TableSpec, rows [][]any) (int64, error) {
	cols := spec.InsertColumns()
	var total int64
	for _, part := range storage.Chunk(rows, len(cols), 0, maxParams) {
		q, args := buildUpsertSQL(spec, cols, part)
		n, err := t.exec(ctx, q, args...)
		if err != nil {
			return total, fmt.Errorf("sqlite: upsert %s: %w", spec.Name, err)
		}
		total += n
	}
	return total, nil
}

// Stage implements storage.Stager with chunked multi-row inserts.
func (t *Tx) Stage(ctx context.Context, spec storage.TableSpec, rows [][]any) (int64, error) {
	plain := spec
	plain.Policy = storage.AppendOnly
	return t.Upsert(ctx, plain, rows)
}

// Exec runs a statement inside the transaction and returns the affected row count.
//
// When to use: the staged loader's merge and cleanup statements, which are
// rendered per backend and carry no bind parameters.
//
// Errors:
//   - Constraint failures wrap storage.ErrConstraintViolation.
func (t *Tx) Exec(ctx context.Context, query string) (int64, error) {
	return t.exec(ctx, query)
}

// QueryInt scans the first column of the first row as an integer.
//
// Edge cases:
//   - A NULL result (COUNT over nothing, MAX of an empty table) yields 0.
//
// Errors:
//   - sql.ErrNoRows when the query returns no row.
func (t *Tx) QueryInt(ctx context.Context, query string) (int64, error) {
	var n sql.NullInt64
	if err := t.tx.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, err
	}
	return n.Int64, nil
}

// Savepoint opens a named savepoint. The name is quoted as an identifier.
//
// When to use: around one batch so a failing batch can be undone with RollbackTo
// without losing the rest of the partition.
func (t *Tx) Savepoint(ctx context.Context, name string) error {
	_, err := t.tx.ExecContext(ctx, "SAVEPOINT "+sqlIdent(name))
	return err
}

// RollbackTo undoes everything since Savepoint(name). The savepoint stays open.
func (t *Tx) RollbackTo(ctx context.Context, name string) error {
	_, err := t.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+sqlIdent(name))
	return err
}

// Release discards the savepoint and keeps its work.
func (t *Tx) Release(ctx context.Context, name string) error {
	_, err := t.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+sqlIdent(name))
	return err
}

// Commit and Rollback end the transaction. The context is unused by database/sql here.
func (t *Tx) Commit(context.Context) error   { return t.tx.Commit() }
func (t *Tx) Rollback(context.Context) error { return t.tx.Rollback() }

func (t *Tx) exec(ctx context.Context, q string, args ...any) (int64, error) {
	res, err := t.tx.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, classify(err)
	}
	return res.RowsAffected()
}

// classify wraps constraint failures in storage.ErrConstraintViolation.
func classify(err error) error {
	var se *msqlite.Error
	if errors.As(err, &se) && se.Code()&0xff == sqliteConstraint {
		return storage.Violation(err)
	}
	return err
}

// buildUpsertSQL renders one multi-row INSERT with the policy's ON CONFLICT clause.
func buildUpsertSQL(spec storage.TableSpec, cols []string, rows [][]any) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(sqlIdent(spec.Name))
	b.WriteString(" (")
	b.WriteString(joinIdentList(cols))
	b.WriteString(") VALUES ")

	ph := "(" + strings.TrimRight(strings.Repeat("?, ", len(cols)), ", ") + ")"
	args := make([]any, 0, len(rows)*len(cols))
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(ph)
		for _, v := range row {
			args = append(args, toSQLite(v))
		}
	}

	if spec.Staging || len(spec.Key) == 0 {
		return b.String(), args
	}

	b.WriteString(" ON CONFLICT (")
	b.WriteString(joinIdentList(spec.Key))
	b.WriteString(")")

	switch spec.Policy {
	case storage.InsertIgnore:
		b.WriteString(" DO NOTHING")
	case storage.InsertOrUpdate, storage.InsertOrReplace:
		b.WriteString(" DO UPDATE SET ")
		for i, c := range spec.UpdateColumns() {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s = excluded.%s", sqlIdent(c), sqlIdent(c))
		}
		if spec.Policy == storage.InsertOrUpdate && spec.Version != "" {
			fmt.Fprintf(&b, " WHERE %s.%s <= excluded.%s", sqlIdent(spec.Name), sqlIdent(spec.Version), sqlIdent(spec.Version))
		}
	}
	return b.String(), args
}

func orderBy(spec storage.TableSpec) string {
	if s := spec.SerialColumn(); s != "" {
		return " ORDER BY " + sqlIdent(s)
	}
	if len(spec.Key) > 0 {
		return " ORDER BY " + joinIdentList(spec.Key)
	}
	return ""
}

func sqlIdent(id string) string {
	// SQLite supports "quoted identifiers"
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

func joinIdentList(columns []string) string {
	out := make([]string, len(columns))
	for i, c := range columns {
		out[i] = sqlIdent(c)
	}
	return strings.Join(out, ", ")
}

func buildCreateTableSQL(t storage.TableSpec) (string, error) {
	if err := t.Validate(); err != nil {
		return "", err
	}
	hasSerial := t.SerialColumn() != ""

	var parts []string
	for _, c := range t.Columns {
		if c.Type == storage.TypeSerial {
			// INTEGER PRIMARY KEY is the rowid and auto-generates values.
			parts = append(parts, fmt.Sprintf("%s INTEGER PRIMARY KEY AUTOINCREMENT", sqlIdent(c.Name)))
			continue
		}
		def := sqlIdent(c.Name) + " " + columnType(c.Type)
		if !c.Nullable && !t.Staging {
			def += " NOT NULL"
		}
		parts = append(parts, def)
	}
	if !t.Staging && len(t.Key) > 0 {
		if hasSerial {
			parts = append(parts, fmt.Sprintf("UNIQUE (%s)", joinIdentList(t.Key)))
		} else {
			parts = append(parts, fmt.Sprintf("PRIMARY KEY (%s)", joinIdentList(t.Key)))
		}
	}
	if !t.Staging {
		for _, u := range t.Unique {
			parts = append(parts, fmt.Sprintf("UNIQUE (%s)", joinIdentList(u)))
		}
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n);", sqlIdent(t.Name), strings.Join(parts, ",\n  ")), nil
}

func columnType(t storage.ColumnType) string {
	switch t {
	case storage.TypeInt, storage.TypeBigint:
		return "INTEGER"
	case storage.TypeDouble:
		return "REAL"
	default:
		return "TEXT"
	}
}

// toSQLite converts bind values the driver would store with the wrong affinity.
func toSQLite(v any) any {
	switch t := v.(type) {
	case time.Time:
		return formatSQLiteTime(t)
	case *time.Time:
		if t == nil {
			return nil
		}
		return formatSQLiteTime(*t)
	}
	return v
}

// fromSQLite normalizes a scanned value to the storage.Repository contract.
func fromSQLite(typ storage.ColumnType, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if b, ok := v.([]byte); ok {
		v = string(b)
	}
	switch typ {
	case storage.TypeTimestamp:
		switch t := v.(type) {
		case string:
			return parseSQLiteTime(t)
		case time.Time:
			return t.UTC(), nil
		}
	case storage.TypeInt, storage.TypeBigint, storage.TypeSerial:
		switch t := v.(type) {
		case int64:
			return t, nil
		case float64:
			return int64(t), nil
		}
	case storage.TypeDouble:
		switch t := v.(type) {
		case float64:
			return t, nil
		case int64:
			return float64(t), nil
		}
	case storage.TypeText:
		if s, ok := v.(string); ok {
			return s, nil
		}
		return fmt.Sprint(v), nil
	}
	return nil, fmt.Errorf("unexpected %T for %s column", v, typ)
}

// formatSQLiteTime formats a time as RFC3339Nano in UTC.
// We store timestamps as TEXT for reliable scanning/parsing with modernc.org/sqlite.
func formatSQLiteTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseSQLiteTime parses timestamps returned by SQLite into time.Time.
//
// Supported formats:
//   - RFC3339Nano (what we write)
//   - RFC3339
//   - "2006-01-02 15:04:05Z07:00", with or without fractional seconds
//   - "2006-01-02 15:04:05" (interpreted as UTC)
func parseSQLiteTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty time string")
	}

	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05Z07:00",
		"2006-01-02 15:04:05.999999999Z07:00",
	}
	for _, layout := range layouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	if ts, err := time.ParseInLocation("2006-01-02 15:04:05", s, time.UTC); err == nil {
		return ts, nil
	}
	return time.Time{}, fmt.Errorf("unsupported time format: %q", s)
}
