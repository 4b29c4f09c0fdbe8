// Package redshift is the Amazon Redshift backend. It supports staged loads only:
// staging rows are written to S3 as JSON lines and bulk loaded with COPY.
package redshift

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"sparkify/internal/storage"
)

var errNoSavepoints = errors.New("redshift: savepoints are not supported")

// uploader is the part of s3manager.Uploader used here.
type uploader interface {
	UploadWithContext(ctx aws.Context, in *s3manager.UploadInput, opts ...func(*s3manager.Uploader)) (*s3manager.UploadOutput, error)
}

// Repo implements storage.Repository for Redshift.
type Repo struct {
	db  *sql.DB
	cfg storage.Config
	up  uploader
}

func init() {
	storage.Register("redshift", New)
}

// New opens a lib/pq connection and an S3 uploader for the staging bucket.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	if cfg.IAMRole == "" || cfg.StagingBucket == "" || cfg.Region == "" {
		return nil, fmt.Errorf("redshift: iam_role, staging_bucket and region are required")
	}
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	sess, err := session.NewSession(&aws.Config{Region: aws.String(cfg.Region)})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Repo{db: db, cfg: cfg, up: s3manager.NewUploader(sess)}, nil
}

func (r *Repo) Close() {
	_ = r.db.Close()
}

// EnsureTables implements storage.Repository.
func (r *Repo) EnsureTables(ctx context.Context, tables []storage.TableSpec) error {
	for _, t := range tables {
		q, err := buildCreateSQL(t)
		if err != nil {
			return err
		}
		if _, err := r.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("redshift: create table %s: %w", t.Name, err)
		}
	}
	return nil
}

// SelectAll implements storage.Repository.
func (r *Repo) SelectAll(ctx context.Context, spec storage.TableSpec) ([][]any, error) {
	cols := spec.ColumnNames()
	q := fmt.Sprintf("SELECT %s FROM %s%s", joinIdents(cols), tableIdent(spec.Name), orderBy(spec))
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("redshift: select %s: %w", spec.Name, err)
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
			return nil, fmt.Errorf("redshift: scan %s: %w", spec.Name, err)
		}
		for i, v := range vals {
			vals[i] = normalize(v)
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
	return &Tx{tx: tx, cfg: r.cfg, up: r.up}, nil
}

// execer is the part of *sql.Tx used by Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	Commit() error
	Rollback() error
}

// Tx is a Redshift transaction. It implements storage.Stager.
type Tx struct {
	tx  execer
	cfg storage.Config
	up  uploader
}

// Upsert is not supported; use a staged load.
func (t *Tx) Upsert(context.Context, storage.TableSpec, [][]any) (int64, error) {
	return 0, storage.ErrTransactionalUnsupported
}

// Stage writes rows as JSON lines to the staging bucket and COPYs them into
// spec.Name. Timestamps travel as epoch milliseconds.
func (t *Tx) Stage(ctx context.Context, spec storage.TableSpec, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	cols := spec.InsertColumns()
	body, err := encodeJSONLines(cols, rows)
	if err != nil {
		return 0, fmt.Errorf("redshift: encode %s: %w", spec.Name, err)
	}

	key := path.Join(t.cfg.StagingPrefix, spec.Name, uuid.NewString()+".json")
	if _, err := t.up.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(t.cfg.StagingBucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(body),
	}); err != nil {
		return 0, fmt.Errorf("redshift: upload s3://%s/%s: %w", t.cfg.StagingBucket, key, err)
	}

	q := buildCopySQL(spec.Name, cols, "s3://"+t.cfg.StagingBucket+"/"+key, t.cfg.IAMRole, t.cfg.Region)
	if _, err := t.exec(ctx, q); err != nil {
		return 0, fmt.Errorf("redshift: copy into %s: %w", spec.Name, err)
	}
	return int64(len(rows)), nil
}

// Exec runs a merge or cleanup statement inside the transaction.
func (t *Tx) Exec(ctx context.Context, query string) (int64, error) {
	return t.exec(ctx, query)
}

func (t *Tx) QueryInt(ctx context.Context, query string) (int64, error) {
	var n sql.NullInt64
	if err := t.tx.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, err
	}
	return n.Int64, nil
}

// Redshift has no savepoints. The staged loader never asks for them, and
// config validation rejects the transactional mode for this backend.
func (t *Tx) Savepoint(context.Context, string) error  { return errNoSavepoints }
func (t *Tx) RollbackTo(context.Context, string) error { return errNoSavepoints }
func (t *Tx) Release(context.Context, string) error    { return errNoSavepoints }

func (t *Tx) Commit(context.Context) error   { return t.tx.Commit() }
func (t *Tx) Rollback(context.Context) error { return t.tx.Rollback() }

func (t *Tx) exec(ctx context.Context, q string) (int64, error) {
	res, err := t.tx.ExecContext(ctx, q)
	if err != nil {
		return 0, classify(err)
	}
	return res.RowsAffected()
}

func classify(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code.Class() == "23" {
		return storage.Violation(err)
	}
	return err
}

// encodeJSONLines renders one object per row, keyed by column name.
func encodeJSONLines(cols []string, rows [][]any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	obj := make(map[string]any, len(cols))
	for _, row := range rows {
		for i, c := range cols {
			v := row[i]
			if ts, ok := v.(time.Time); ok {
				v = ts.UnixMilli()
			}
			obj[c] = v
		}
		if err := enc.Encode(obj); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func buildCopySQL(table string, cols []string, s3URL, iamRole, region string) string {
	return fmt.Sprintf("COPY %s (%s) FROM %s IAM_ROLE %s FORMAT AS JSON 'auto' TIMEFORMAT 'epochmillisecs' REGION %s",
		tableIdent(table), joinIdents(cols), pq.QuoteLiteral(s3URL), pq.QuoteLiteral(iamRole), pq.QuoteLiteral(region))
}

// buildCreateSQL renders CREATE TABLE IF NOT EXISTS. Key and unique constraints
// are informational in Redshift; uniqueness comes from the merge statements.
func buildCreateSQL(t storage.TableSpec) (string, error) {
	if err := t.Validate(); err != nil {
		return "", err
	}
	defs := make([]string, 0, len(t.Columns)+2)
	for _, c := range t.Columns {
		defs = append(defs, columnDef(c, t.Staging))
	}
	if !t.Staging {
		if len(t.Key) > 0 {
			kind := "PRIMARY KEY"
			if t.SerialColumn() != "" {
				kind = "UNIQUE"
			}
			defs = append(defs, fmt.Sprintf("%s (%s)", kind, joinIdents(t.Key)))
		}
		for _, u := range t.Unique {
			defs = append(defs, fmt.Sprintf("UNIQUE (%s)", joinIdents(u)))
		}
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", tableIdent(t.Name), strings.Join(defs, ", ")), nil
}

func columnDef(c storage.ColumnSpec, staging bool) string {
	var typ string
	switch c.Type {
	case storage.TypeSerial:
		return pq.QuoteIdentifier(c.Name) + " BIGINT IDENTITY(0,1) PRIMARY KEY"
	case storage.TypeInt:
		typ = "INTEGER"
	case storage.TypeBigint:
		typ = "BIGINT"
	case storage.TypeDouble:
		typ = "DOUBLE PRECISION"
	case storage.TypeTimestamp:
		typ = "TIMESTAMP"
	default:
		typ = "VARCHAR(65535)"
	}
	def := pq.QuoteIdentifier(c.Name) + " " + typ
	if !c.Nullable && !staging {
		def += " NOT NULL"
	}
	return def
}

func normalize(v any) any {
	switch t := v.(type) {
	case int32:
		return int64(t)
	case []byte:
		return string(t)
	case time.Time:
		return t.UTC()
	}
	return v
}

func orderBy(spec storage.TableSpec) string {
	if s := spec.SerialColumn(); s != "" {
		return " ORDER BY " + pq.QuoteIdentifier(s)
	}
	if len(spec.Key) > 0 {
		return " ORDER BY " + joinIdents(spec.Key)
	}
	return ""
}

func tableIdent(name string) string {
	parts := strings.Split(name, ".")
	for i := range parts {
		parts[i] = pq.QuoteIdentifier(strings.TrimSpace(parts[i]))
	}
	return strings.Join(parts, ".")
}

func joinIdents(cols []string) string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = pq.QuoteIdentifier(c)
	}
	return strings.Join(out, ", ")
}
