// Package storage defines the backend-agnostic contracts used by the loaders.
//
// Backends (postgres, sqlite, mssql, redshift) register themselves under a kind
// from an init function; import internal/storage/all to get every backend.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrConstraintViolation wraps driver errors for unique, not-null, check and
	// foreign-key violations. Loaders treat it as recoverable for dimension tables
	// and fatal for the fact table.
	ErrConstraintViolation = errors.New("constraint violation")

	// ErrStagingUnsupported is returned when a staged load is attempted on a
	// backend whose transactions do not implement Stager.
	ErrStagingUnsupported = errors.New("staging not supported by backend")

	// ErrTransactionalUnsupported is returned by warehouse backends that only
	// accept set-based staged loads.
	ErrTransactionalUnsupported = errors.New("row-by-row upsert not supported by backend")
)

// Config is what a backend factory needs.
//
// The staging fields are used by warehouse backends that bulk-load from object
// storage; other backends ignore them.
type Config struct {
	Kind string
	DSN  string

	IAMRole       string
	StagingBucket string
	StagingPrefix string
	Region        string
}

// Repository is one connection (or pool) to a relational target.
type Repository interface {
	// Close releases connections. Call once.
	Close()

	// EnsureTables creates missing tables with CREATE TABLE IF NOT EXISTS
	// semantics. Existing tables are left untouched.
	EnsureTables(ctx context.Context, tables []TableSpec) error

	// SelectAll returns every row of spec.Name with values in spec.Columns order,
	// ordered by the serial column if any, otherwise by the natural key. Integers
	// are int64, doubles float64, text string and timestamps time.Time in UTC.
	SelectAll(ctx context.Context, spec TableSpec) ([][]any, error)

	// Begin opens a transaction. Nothing written through it is visible to other
	// transactions before Commit.
	Begin(ctx context.Context) (Tx, error)
}

// Tx is a single transaction.
type Tx interface {
	// Upsert writes rows (values in spec.InsertColumns order) applying
	// spec.Policy, and returns the number of rows inserted or changed. Rows must
	// already be unique by natural key. Constraint failures wrap
	// ErrConstraintViolation.
	Upsert(ctx context.Context, spec TableSpec, rows [][]any) (int64, error)

	// Exec runs a statement and returns the rows it affected.
	Exec(ctx context.Context, query string) (int64, error)

	// QueryInt runs a query that returns a single integer (e.g. COUNT(*)).
	QueryInt(ctx context.Context, query string) (int64, error)

	Savepoint(ctx context.Context, name string) error
	RollbackTo(ctx context.Context, name string) error
	Release(ctx context.Context, name string) error

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Stager is implemented by transactions that can bulk-load a staging table.
type Stager interface {
	// Stage appends rows (values in spec.InsertColumns order) to an unconstrained
	// staging table and returns the number written.
	Stage(ctx context.Context, spec TableSpec, rows [][]any) (int64, error)
}

type factory func(ctx context.Context, cfg Config) (Repository, error)

var (
	mu        sync.RWMutex
	factories = map[string]factory{}
)

// Register registers a backend under a kind (e.g. "postgres", "sqlite").
//
// When to use:
//   - Call Register from an init() function in a backend package.
//
// Panics:
//   - If kind is empty, f is nil, or kind is already registered.
func Register(kind string, f factory) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: factory already registered for kind=%q", kind))
	}
	factories[kind] = f
}

// New constructs a Repository using the registered backend factory.
//
// Errors:
//   - Returns an error if cfg.Kind is empty or unsupported.
//   - Returns whatever error the registered factory returns.
func New(ctx context.Context, cfg Config) (Repository, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing kind")
	}

	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("unsupported storage.kind=%s (registered: %v)", cfg.Kind, Kinds())
	}
	return f(ctx, cfg)
}

// Kinds lists registered backends.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Violation wraps a classified driver error so that errors.Is matches both
// ErrConstraintViolation and the driver error.
func Violation(err error) error {
	return fmt.Errorf("%w: %w", ErrConstraintViolation, err)
}

// Chunk splits rows so that no statement binds more than maxParams values.
func Chunk(rows [][]any, width, maxRows, maxParams int) [][][]any {
	if len(rows) == 0 {
		return nil
	}
	n := maxRows
	if n <= 0 {
		n = len(rows)
	}
	if width > 0 && maxParams > 0 && n*width > maxParams {
		n = maxParams / width
	}
	if n < 1 {
		n = 1
	}
	out := make([][][]any, 0, (len(rows)+n-1)/n)
	for start := 0; start < len(rows); start += n {
		end := start + n
		if end > len(rows) {
			end = len(rows)
		}
		out = append(out, rows[start:end])
	}
	return out
}
