// Package postgres is the Postgres backend, built on pgx (pgxpool for
// connections, CopyFrom for staging).
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"sparkify/internal/storage"
)

// maxParams stays under the protocol limit of 65535 bind parameters.
const maxParams = 65000

/*
Repo implements storage.Repository for Postgres.

It provides:
  - Multi-row upserts rendered from storage.ConflictPolicy as ON CONFLICT clauses
  - COPY-based staging through pgx.CopyFrom
  - SQLSTATE class 23 classified as storage.ErrConstraintViolation
*/
type Repo struct {
	pool *pgxpool.Pool
}

func init() {
	storage.Register("postgres", New)
}

// New creates a pool for cfg.DSN and checks connectivity.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &Repo{pool: pool}, nil
}

// Close closes the connection pool.
func (r *Repo) Close() {
	r.pool.Close()
}

// EnsureTables creates tables when missing.
//
// This method is idempotent.
func (r *Repo) EnsureTables(ctx context.Context, tables []storage.TableSpec) error {
	for _, t := range tables {
		schemaSQL, baseSQL, err := buildCreateSQL(t)
		if err != nil {
			return err
		}
		if schemaSQL != "" {
			if _, err := r.pool.Exec(ctx, schemaSQL); err != nil {
				return fmt.Errorf("create schema for %s: %w", t.Name, err)
			}
		}
		if _, err := r.pool.Exec(ctx, baseSQL); err != nil {
			return fmt.Errorf("create table %s: %w", t.Name, err)
		}
	}
	return nil
}

// SelectAll implements storage.Repository.
func (r *Repo) SelectAll(ctx context.Context, spec storage.TableSpec) ([][]any, error) {
	q := fmt.Sprintf("SELECT %s FROM %s%s", joinIdentList(spec.ColumnNames()), pgTable(spec.Name), orderBy(spec))
	rows, err := r.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("SelectAll: query %s: %w", spec.Name, err)
	}
	defer rows.Close()

	var out [][]any
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("SelectAll: scan %s: %w", spec.Name, err)
		}
		for i, v := range vals {
			vals[i] = normalize(v)
		}
		out = append(out, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("SelectAll: rows %s: %w", spec.Name, err)
	}
	return out, nil
}

// Begin implements storage.Repository.
func (r *Repo) Begin(ctx context.Context) (storage.Tx, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &Tx{tx: tx}, nil
}

// Tx wraps a pgx transaction. It implements storage.Stager.
type Tx struct {
	tx pgx.Tx
}

// Upsert implements storage.Tx.
func (t *Tx) Upsert(ctx context.Context, spec storage.TableSpec, rows [][]any) (int64, error) {
	cols := spec.InsertColumns()
	var total int64
	for _, part := range storage.Chunk(rows, len(cols), 0, maxParams) {
		q, args := buildUpsertSQL(spec, cols, part)
		n, err := t.exec(ctx, q, args...)
		if err != nil {
			return total, fmt.Errorf("postgres: upsert %s: %w", spec.Name, err)
		}
		total += n
	}
	return total, nil
}

// Stage implements storage.Stager with COPY FROM STDIN.
func (t *Tx) Stage(ctx context.Context, spec storage.TableSpec, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	n, err := t.tx.CopyFrom(ctx, pgIdentifier(spec.Name), spec.InsertColumns(), pgx.CopyFromRows(rows))
	if err != nil {
		return n, fmt.Errorf("postgres: copy into %s: %w", spec.Name, classify(err))
	}
	return n, nil
}

// Exec runs query inside the transaction and returns the command tag's row count.
//
// When to use:
//   - Merge statements from the staging tables into the target tables.
//   - Truncating staging tables after a partition.
//
// Edge cases:
//   - DDL reports 0 rows affected.
//
// Errors:
//   - SQLSTATE class 23 wraps storage.ErrConstraintViolation; other errors are
//     returned as pgx reports them.
func (t *Tx) Exec(ctx context.Context, query string) (int64, error) {
	return t.exec(ctx, query)
}

// QueryInt scans a single integer from the first row.
//
// Edge cases:
//   - NULL scans as 0, so aggregates over empty tables need no COALESCE.
//
// Errors:
//   - pgx.ErrNoRows when the query returns nothing.
func (t *Tx) QueryInt(ctx context.Context, query string) (int64, error) {
	var n *int64
	if err := t.tx.QueryRow(ctx, query).Scan(&n); err != nil {
		return 0, err
	}
	if n == nil {
		return 0, nil
	}
	return *n, nil
}

// Savepoint opens a named savepoint in the current transaction.
//
// When to use: the transactional loader brackets each batch with Savepoint and
// Release, and calls RollbackTo when the batch fails.
//
// Errors:
//   - Any error leaves the transaction aborted; the caller must Rollback.
func (t *Tx) Savepoint(ctx context.Context, name string) error {
	_, err := t.tx.Exec(ctx, "SAVEPOINT "+pgIdent(name))
	return err
}

// RollbackTo rewinds to the savepoint and clears the aborted state.
func (t *Tx) RollbackTo(ctx context.Context, name string) error {
	_, err := t.tx.Exec(ctx, "ROLLBACK TO SAVEPOINT "+pgIdent(name))
	return err
}

// Release drops the savepoint.
func (t *Tx) Release(ctx context.Context, name string) error {
	_, err := t.tx.Exec(ctx, "RELEASE SAVEPOINT "+pgIdent(name))
	return err
}

// Commit and Rollback end the transaction.
func (t *Tx) Commit(ctx context.Context) error   { return t.tx.Commit(ctx) }
func (t *Tx) Rollback(ctx context.Context) error { return t.tx.Rollback(ctx) }

func (t *Tx) exec(ctx context.Context, q string, args ...any) (int64, error) {
	tag, err := t.tx.Exec(ctx, q, args...)
	if err != nil {
		return 0, classify(err)
	}
	return tag.RowsAffected(), nil
}

// classify wraps integrity constraint violations (SQLSTATE class 23).
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && strings.HasPrefix(pgErr.Code, "23") {
		return storage.Violation(err)
	}
	return err
}

func normalize(v any) any {
	switch t := v.(type) {
	case int32:
		return int64(t)
	case int16:
		return int64(t)
	case float32:
		return float64(t)
	case time.Time:
		return t.UTC()
	}
	return v
}

// buildUpsertSQL constructs a single INSERT statement and its args for Postgres.
//
// It is pure and deterministic, so placeholder numbering and the ON CONFLICT
// clause can be unit tested without a database.
func buildUpsertSQL(spec storage.TableSpec, cols []string, rows [][]any) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(pgTable(spec.Name))
	b.WriteString(" (")
	b.WriteString(joinIdentList(cols))
	b.WriteString(") VALUES ")

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
			fmt.Fprintf(&b, "$%d", p)
			args = append(args, row[j])
			p++
		}
		b.WriteString(")")
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
			fmt.Fprintf(&b, "%s = EXCLUDED.%s", pgIdent(c), pgIdent(c))
		}
		if spec.Policy == storage.InsertOrUpdate && spec.Version != "" {
			fmt.Fprintf(&b, " WHERE %s.%s <= EXCLUDED.%s", pgTable(spec.Name), pgIdent(spec.Version), pgIdent(spec.Version))
		}
	}
	return b.String(), args
}

// buildCreateSQL generates DDL for one table.
//
// Outputs:
//   - schemaSQL: optional CREATE SCHEMA statement when t.Name is schema-qualified.
//   - baseSQL:   CREATE TABLE IF NOT EXISTS for the table.
//
// The natural key becomes the primary key, or a UNIQUE constraint when the table
// has a serial surrogate. Staging tables get neither and no NOT NULL clauses.
func buildCreateSQL(t storage.TableSpec) (schemaSQL, baseSQL string, err error) {
	if err := t.Validate(); err != nil {
		return "", "", err
	}
	if schema, _ := splitQualifiedName(t.Name); schema != "" {
		schemaSQL = fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s;`, pgIdent(schema))
	}

	hasSerial := t.SerialColumn() != ""
	defs := make([]string, 0, len(t.Columns)+2)
	for _, c := range t.Columns {
		defs = append(defs, buildColumnDef(c, t.Staging))
	}
	if !t.Staging {
		if len(t.Key) > 0 {
			kind := "PRIMARY KEY"
			if hasSerial {
				kind = "UNIQUE"
			}
			defs = append(defs, fmt.Sprintf("%s (%s)", kind, joinIdentList(t.Key)))
		}
		for _, u := range t.Unique {
			defs = append(defs, fmt.Sprintf("UNIQUE (%s)", joinIdentList(u)))
		}
	}
	baseSQL = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (%s);`, pgTable(t.Name), strings.Join(defs, ", "))
	return schemaSQL, baseSQL, nil
}

// buildColumnDef renders a single column definition.
func buildColumnDef(c storage.ColumnSpec, staging bool) string {
	if c.Type == storage.TypeSerial {
		return pgIdent(c.Name) + " BIGSERIAL PRIMARY KEY"
	}
	def := pgIdent(c.Name) + " " + pgType(c.Type)
	if !c.Nullable && !staging {
		def += " NOT NULL"
	}
	return def
}

func pgType(t storage.ColumnType) string {
	switch t {
	case storage.TypeInt:
		return "INTEGER"
	case storage.TypeBigint:
		return "BIGINT"
	case storage.TypeDouble:
		return "DOUBLE PRECISION"
	case storage.TypeTimestamp:
		return "TIMESTAMPTZ"
	default:
		return "TEXT"
	}
}

func orderBy(spec storage.TableSpec) string {
	if s := spec.SerialColumn(); s != "" {
		return " ORDER BY " + pgIdent(s)
	}
	if len(spec.Key) > 0 {
		return " ORDER BY " + joinIdentList(spec.Key)
	}
	return ""
}

// splitQualifiedName splits a schema-qualified name into (schema, table).
//
// Examples:
//   - "public.countries" => ("public", "countries")
//   - "countries"        => ("", "countries")
func splitQualifiedName(name string) (schema string, table string) {
	name = strings.TrimSpace(name)
	parts := strings.Split(name, ".")
	if len(parts) != 2 {
		return "", name
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
}

func pgIdentifier(name string) pgx.Identifier {
	if schema, table := splitQualifiedName(name); schema != "" {
		return pgx.Identifier{schema, table}
	}
	return pgx.Identifier{name}
}

func pgTable(name string) string {
	return pgIdentifier(name).Sanitize()
}

func pgIdent(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func joinIdentList(cols []string) string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = pgIdent(c)
	}
	return strings.Join(out, ", ")
}
