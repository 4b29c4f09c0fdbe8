// Package mssql is the SQL Server backend. It supports transactional loads only;
// its transactions do not implement storage.Stager.
package mssql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	mssql "github.com/microsoft/go-mssqldb"

	"sparkify/internal/storage"
)

// SQL Server has a hard limit of 2100 parameters. We stay comfortably below that.
const (
	maxParams = 2000
	maxRows   = 1000
)

// Error numbers treated as constraint violations.
const (
	errUniqueConstraint = 2627
	errUniqueIndex      = 2601
	errForeignKey       = 547
	errNotNull          = 515
)

// Repo implements storage.Repository for Microsoft SQL Server.
//
// Upserts avoid MERGE:
//   - insert_ignore:     INSERT ... SELECT FROM (VALUES ...) with a NOT EXISTS anti-join
//   - insert_or_update:  UPDATE ... FROM a VALUES table (version guarded), then insert_ignore
//   - insert_or_replace: DELETE ... FROM a VALUES table, then a plain insert
type Repo struct {
	db dbConn
}

func init() {
	storage.Register("mssql", New)
}

// New constructs a Repo using database/sql and the "sqlserver" driver.
//
// This method validates connectivity via PingContext.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	raw, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, err
	}

	// Conservative defaults for ETL-style bursty loads.
	raw.SetMaxOpenConns(16)
	raw.SetMaxIdleConns(16)

	if err := raw.PingContext(ctx); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return &Repo{db: &sqlDB{db: raw}}, nil
}

// Close releases database resources held by this repository.
func (r *Repo) Close() {
	if r == nil || r.db == nil {
		return
	}
	_ = r.db.Close()
}

// EnsureTables creates tables guarded by OBJECT_ID checks.
//
// This method is idempotent and safe to run on every ETL invocation.
func (r *Repo) EnsureTables(ctx context.Context, tables []storage.TableSpec) error {
	for _, t := range tables {
		q, err := buildCreateSQL(t)
		if err != nil {
			return err
		}
		if _, err := r.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("mssql: create table %s: %w", t.Name, err)
		}
	}
	return nil
}

// SelectAll implements storage.Repository.
func (r *Repo) SelectAll(ctx context.Context, spec storage.TableSpec) ([][]any, error) {
	cols := spec.ColumnNames()
	q := fmt.Sprintf("SELECT %s FROM %s%s", joinIdents(cols), mssqlTableIdent(spec.Name), orderBy(spec))
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("mssql: select %s: %w", spec.Name, err)
	}
	defer rows.Close()

	var out [][]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("mssql: scan %s: %w", spec.Name, err)
		}
		for i, v := range vals {
			vals[i] = normalize(v)
		}
		out = append(out, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("mssql: rows %s: %w", spec.Name, err)
	}
	return out, nil
}

// Begin implements storage.Repository.
func (r *Repo) Begin(ctx context.Context) (storage.Tx, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("mssql: begin tx: %w", err)
	}
	return &Tx{tx: tx}, nil
}

// Tx is a SQL Server transaction.
type Tx struct {
	tx txConn
}

// Upsert implements storage.Tx.
func (t *Tx) Upsert(ctx context.Context, spec storage.TableSpec, rows [][]any) (int64, error) {
	cols := spec.InsertColumns()
	var total int64
	for _, part := range storage.Chunk(rows, len(cols), maxRows, maxParams) {
		for _, st := range buildUpsertSQL(spec, cols, part) {
			n, err := t.exec(ctx, st.sql, st.args...)
			if err != nil {
				return total, fmt.Errorf("mssql: upsert %s: %w", spec.Name, err)
			}
			if st.counted {
				total += n
			}
		}
	}
	return total, nil
}

// Exec runs query and returns the affected row count. Unique, foreign key and
// NOT NULL errors wrap storage.ErrConstraintViolation.
func (t *Tx) Exec(ctx context.Context, query string) (int64, error) {
	return t.exec(ctx, query)
}

// QueryInt scans one integer; NULL yields 0.
func (t *Tx) QueryInt(ctx context.Context, query string) (int64, error) {
	var n sql.NullInt64
	if err := t.tx.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, err
	}
	return n.Int64, nil
}

// Savepoint issues SAVE TRANSACTION.
func (t *Tx) Savepoint(ctx context.Context, name string) error {
	_, err := t.tx.ExecContext(ctx, "SAVE TRANSACTION "+name)
	return err
}

// RollbackTo rolls back to the named SAVE TRANSACTION point.
func (t *Tx) RollbackTo(ctx context.Context, name string) error {
	_, err := t.tx.ExecContext(ctx, "ROLLBACK TRANSACTION "+name)
	return err
}

// Release is a no-op: SQL Server savepoints live until the transaction ends.
func (t *Tx) Release(context.Context, string) error { return nil }

func (t *Tx) Commit(context.Context) error   { return t.tx.Commit() }
func (t *Tx) Rollback(context.Context) error { return t.tx.Rollback() }

func (t *Tx) exec(ctx context.Context, q string, args ...any) (int64, error) {
	res, err := t.tx.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, nil
}

func classify(err error) error {
	var msErr mssql.Error
	if errors.As(err, &msErr) {
		switch msErr.Number {
		case errUniqueConstraint, errUniqueIndex, errForeignKey, errNotNull:
			return storage.Violation(err)
		}
	}
	return err
}

func normalize(v any) any {
	switch t := v.(type) {
	case int32:
		return int64(t)
	case int16:
		return int64(t)
	case uint8:
		return int64(t)
	case float32:
		return float64(t)
	case []byte:
		return string(t)
	case time.Time:
		return t.UTC()
	}
	return v
}

type statement struct {
	sql     string
	args    []any
	counted bool
}

// buildUpsertSQL returns the statements applying spec.Policy to one chunk.
func buildUpsertSQL(spec storage.TableSpec, cols []string, rows [][]any) []statement {
	table := mssqlTableIdent(spec.Name)
	colList := joinIdents(cols)
	values, args := valuesTable(cols, rows)

	if spec.Staging || len(spec.Key) == 0 {
		return []statement{{
			sql:     fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s", table, colList, prefixed("v.", cols), values),
			args:    args,
			counted: true,
		}}
	}

	on := keyMatch("t", "v", spec.Key)
	insertNew := statement{
		sql: fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s WHERE NOT EXISTS (SELECT 1 FROM %s t WHERE %s)",
			table, colList, prefixed("v.", cols), values, table, on),
		args:    args,
		counted: true,
	}

	switch spec.Policy {
	case storage.InsertOrUpdate:
		upd := spec.UpdateColumns()
		sets := make([]string, len(upd))
		for i, c := range upd {
			sets[i] = fmt.Sprintf("t.%s = v.%s", mssqlIdent(c), mssqlIdent(c))
		}
		q := fmt.Sprintf("UPDATE t SET %s FROM %s t JOIN %s ON %s", strings.Join(sets, ", "), table, values, on)
		if spec.Version != "" {
			q += fmt.Sprintf(" WHERE t.%s <= v.%s", mssqlIdent(spec.Version), mssqlIdent(spec.Version))
		}
		return []statement{{sql: q, args: args, counted: true}, insertNew}

	case storage.InsertOrReplace:
		del := statement{
			sql:  fmt.Sprintf("DELETE t FROM %s t JOIN %s ON %s", table, values, on),
			args: args,
		}
		insert := statement{
			sql:     fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s", table, colList, prefixed("v.", cols), values),
			args:    args,
			counted: true,
		}
		return []statement{del, insert}
	}
	return []statement{insertNew}
}

// valuesTable renders "(VALUES (@p1, ...), ...) AS v([a], [b])".
func valuesTable(cols []string, rows [][]any) (string, []any) {
	var b strings.Builder
	b.WriteString("(VALUES ")
	args := make([]any, 0, len(rows)*len(cols))
	p := 1
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range cols {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "@p%d", p)
			args = append(args, row[j])
			p++
		}
		b.WriteString(")")
	}
	fmt.Fprintf(&b, ") AS v(%s)", joinIdents(cols))
	return b.String(), args
}

func keyMatch(left, right string, key []string) string {
	parts := make([]string, len(key))
	for i, k := range key {
		parts[i] = fmt.Sprintf("%s.%s = %s.%s", left, mssqlIdent(k), right, mssqlIdent(k))
	}
	return strings.Join(parts, " AND ")
}

// buildCreateSQL renders CREATE TABLE wrapped in an OBJECT_ID guard.
//
// Text columns that take part in a key or unique constraint are NVARCHAR(450)
// so they stay indexable; other text columns are NVARCHAR(MAX).
func buildCreateSQL(t storage.TableSpec) (string, error) {
	if err := t.Validate(); err != nil {
		return "", err
	}

	indexed := map[string]bool{}
	if !t.Staging {
		for _, k := range t.Key {
			indexed[k] = true
		}
		for _, u := range t.Unique {
			for _, c := range u {
				indexed[c] = true
			}
		}
	}

	hasSerial := t.SerialColumn() != ""
	var parts []string
	for _, c := range t.Columns {
		parts = append(parts, mssqlColumnDef(c, indexed[c.Name], t.Staging))
	}
	if !t.Staging {
		if len(t.Key) > 0 {
			kind := "PRIMARY KEY"
			if hasSerial {
				kind = "UNIQUE"
			}
			parts = append(parts, fmt.Sprintf("%s (%s)", kind, joinIdents(t.Key)))
		}
		for _, u := range t.Unique {
			parts = append(parts, fmt.Sprintf("UNIQUE (%s)", joinIdents(u)))
		}
	}
	return wrapCreateIfMissing(t.Name, strings.Join(parts, ", ")), nil
}

// wrapCreateIfMissing wraps a CREATE TABLE statement in an OBJECT_ID guard.
//
// This keeps EnsureTables idempotent without requiring IF NOT EXISTS syntax.
func wrapCreateIfMissing(tableName string, innerDefs string) string {
	return fmt.Sprintf(
		"IF OBJECT_ID(N'%s', N'U') IS NULL BEGIN CREATE TABLE %s (%s); END;",
		tableName,
		mssqlTableIdent(tableName),
		innerDefs,
	)
}

func mssqlColumnDef(c storage.ColumnSpec, indexed, staging bool) string {
	if c.Type == storage.TypeSerial {
		return mssqlIdent(c.Name) + " BIGINT IDENTITY(1,1) PRIMARY KEY"
	}
	var typ string
	switch c.Type {
	case storage.TypeInt:
		typ = "INT"
	case storage.TypeBigint:
		typ = "BIGINT"
	case storage.TypeDouble:
		typ = "FLOAT"
	case storage.TypeTimestamp:
		typ = "DATETIME2(3)"
	default:
		typ = "NVARCHAR(MAX)"
		if indexed {
			typ = "NVARCHAR(450)"
		}
	}
	def := mssqlIdent(c.Name) + " " + typ
	if !c.Nullable && !staging {
		def += " NOT NULL"
	} else {
		def += " NULL"
	}
	return def
}

func orderBy(spec storage.TableSpec) string {
	if s := spec.SerialColumn(); s != "" {
		return " ORDER BY " + mssqlIdent(s)
	}
	if len(spec.Key) > 0 {
		return " ORDER BY " + joinIdents(spec.Key)
	}
	return ""
}

// mssqlIdent returns a bracket-quoted identifier, escaping ']' as ']]'.
func mssqlIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// mssqlTableIdent returns a bracket-quoted identifier for schema-qualified names.
//
// Example:
//
//	"dbo.actor" -> [dbo].[actor]
func mssqlTableIdent(name string) string {
	parts := strings.Split(name, ".")
	for i := range parts {
		parts[i] = mssqlIdent(strings.TrimSpace(parts[i]))
	}
	return strings.Join(parts, ".")
}

func joinIdents(cols []string) string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = mssqlIdent(c)
	}
	return strings.Join(out, ", ")
}

func prefixed(p string, cols []string) string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = p + mssqlIdent(c)
	}
	return strings.Join(out, ", ")
}

// ---- database/sql seam types ----

// dbConn is a small interface over *sql.DB used to make this package testable.
type dbConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error)
	Close() error
}

// txConn is a small interface over *sql.Tx used for testability.
type txConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) rowScanner
	Commit() error
	Rollback() error
}

// rowScanner is a narrow adapter over *sql.Row.Scan.
type rowScanner interface {
	Scan(dest ...any) error
}

// sqlDB wraps *sql.DB to implement dbConn.
type sqlDB struct {
	db *sql.DB
}

func (s *sqlDB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, query, args...)
}

func (s *sqlDB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, query, args...)
}

// BeginTx begins a transaction and returns a txConn wrapper.
func (s *sqlDB) BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error) {
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &sqlTx{tx: tx}, nil
}

func (s *sqlDB) Close() error { return s.db.Close() }

// sqlTx wraps *sql.Tx to implement txConn.
type sqlTx struct {
	tx *sql.Tx
}

func (s *sqlTx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.tx.ExecContext(ctx, query, args...)
}

func (s *sqlTx) QueryRowContext(ctx context.Context, query string, args ...any) rowScanner {
	return s.tx.QueryRowContext(ctx, query, args...)
}

func (s *sqlTx) Commit() error   { return s.tx.Commit() }
func (s *sqlTx) Rollback() error { return s.tx.Rollback() }

var (
	_ dbConn = (*sqlDB)(nil)
	_ txConn = (*sqlTx)(nil)
)
