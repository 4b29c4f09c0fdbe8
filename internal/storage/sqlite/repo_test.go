package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sparkify/internal/storage"
)

func openTestRepo(t *testing.T) *Repo {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "test.db") + "?_pragma=busy_timeout(5000)"
	r, err := New(context.Background(), storage.Config{Kind: "sqlite", DSN: dsn})
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return r.(*Repo)
}

func actorSpec() storage.TableSpec {
	return storage.TableSpec{
		Name: "actor",
		Columns: []storage.ColumnSpec{
			{Name: "actor_id", Type: storage.TypeBigint},
			{Name: "first_name", Type: storage.TypeText, Nullable: true},
			{Name: "level", Type: storage.TypeText, Nullable: true},
			{Name: "level_ts", Type: storage.TypeBigint},
		},
		Key:     []string{"actor_id"},
		Policy:  storage.InsertOrUpdate,
		Update:  []string{"level", "level_ts"},
		Version: "level_ts",
	}
}

func eventSpec() storage.TableSpec {
	return storage.TableSpec{
		Name: "events",
		Columns: []storage.ColumnSpec{
			{Name: "id", Type: storage.TypeSerial},
			{Name: "at", Type: storage.TypeTimestamp},
			{Name: "score", Type: storage.TypeDouble, Nullable: true},
			{Name: "event_key", Type: storage.TypeText, Nullable: true},
		},
		Unique: [][]string{{"event_key"}},
		Policy: storage.AppendOnly,
	}
}

func upsert(t *testing.T, r *Repo, spec storage.TableSpec, rows ...[]any) int64 {
	t.Helper()
	ctx := context.Background()
	tx, err := r.Begin(ctx)
	require.NoError(t, err)
	n, err := tx.Upsert(ctx, spec, rows)
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))
	return n
}

func TestEnsureTables_Idempotent(t *testing.T) {
	r := openTestRepo(t)
	ctx := context.Background()
	specs := []storage.TableSpec{actorSpec(), eventSpec()}
	require.NoError(t, r.EnsureTables(ctx, specs))
	require.NoError(t, r.EnsureTables(ctx, specs))

	bad := actorSpec()
	bad.Key = []string{"missing"}
	require.Error(t, r.EnsureTables(ctx, []storage.TableSpec{bad}))
}

func TestUpsert_VersionGuard(t *testing.T) {
	r := openTestRepo(t)
	ctx := context.Background()
	spec := actorSpec()
	require.NoError(t, r.EnsureTables(ctx, []storage.TableSpec{spec}))

	require.EqualValues(t, 1, upsert(t, r, spec, []any{int64(7), "Ann", "free", int64(100)}))
	// Older event: ignored.
	require.EqualValues(t, 0, upsert(t, r, spec, []any{int64(7), "Zed", "paid", int64(50)}))
	// Newer event: level changes, first_name does not.
	require.EqualValues(t, 1, upsert(t, r, spec, []any{int64(7), "Zed", "paid", int64(200)}))

	rows, err := r.SelectAll(ctx, spec)
	require.NoError(t, err)
	require.Equal(t, [][]any{{int64(7), "Ann", "paid", int64(200)}}, rows)
}

func TestUpsert_IgnoreAndReplace(t *testing.T) {
	r := openTestRepo(t)
	ctx := context.Background()

	ignore := actorSpec()
	ignore.Name, ignore.Policy, ignore.Update, ignore.Version = "a_ignore", storage.InsertIgnore, nil, ""
	replace := actorSpec()
	replace.Name, replace.Policy, replace.Update, replace.Version = "a_replace", storage.InsertOrReplace, nil, ""
	require.NoError(t, r.EnsureTables(ctx, []storage.TableSpec{ignore, replace}))

	for _, spec := range []storage.TableSpec{ignore, replace} {
		upsert(t, r, spec, []any{int64(1), "A", "free", int64(1)}, []any{int64(2), "B", "free", int64(1)})
		upsert(t, r, spec, []any{int64(1), "A2", "paid", int64(0)})
	}

	got, err := r.SelectAll(ctx, ignore)
	require.NoError(t, err)
	require.Equal(t, "A", got[0][1])

	got, err = r.SelectAll(ctx, replace)
	require.NoError(t, err)
	require.Equal(t, []any{int64(1), "A2", "paid", int64(0)}, got[0])
	require.Len(t, got, 2)
}

func TestAppendOnly_SerialTimeAndViolation(t *testing.T) {
	r := openTestRepo(t)
	ctx := context.Background()
	spec := eventSpec()
	require.NoError(t, r.EnsureTables(ctx, []storage.TableSpec{spec}))

	at := time.Date(2018, 11, 1, 21, 1, 46, 796e6, time.FixedZone("x", -3600))
	upsert(t, r, spec, []any{at, 1.5, "k1"}, []any{at, nil, "k2"})

	rows, err := r.SelectAll(ctx, spec)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, int64(1), rows[0][0])
	require.Equal(t, int64(2), rows[1][0])
	require.Equal(t, at.UTC(), rows[0][1])
	require.Nil(t, rows[1][2])

	tx, err := r.Begin(ctx)
	require.NoError(t, err)
	defer func() { _ = tx.Rollback(ctx) }()

	require.NoError(t, tx.Savepoint(ctx, "sp1"))
	_, err = tx.Upsert(ctx, spec, [][]any{{at, 2.0, "k1"}})
	require.True(t, errors.Is(err, storage.ErrConstraintViolation), "err=%v", err)
	require.NoError(t, tx.RollbackTo(ctx, "sp1"))
	require.NoError(t, tx.Release(ctx, "sp1"))

	n, err := tx.Upsert(ctx, spec, [][]any{{at, 3.0, "k3"}})
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
	require.NoError(t, tx.Commit(ctx))

	count, err := func() (int64, error) {
		tx, err := r.Begin(ctx)
		if err != nil {
			return 0, err
		}
		defer func() { _ = tx.Rollback(ctx) }()
		return tx.QueryInt(ctx, "SELECT COUNT(*) FROM events")
	}()
	require.NoError(t, err)
	require.EqualValues(t, 3, count)
}

func TestTx_ExecQueryIntAndSavepoint(t *testing.T) {
	r := openTestRepo(t)
	ctx := context.Background()
	spec := actorSpec()
	require.NoError(t, r.EnsureTables(ctx, []storage.TableSpec{spec}))

	tx, err := r.Begin(ctx)
	require.NoError(t, err)
	defer func() { _ = tx.Rollback(ctx) }()

	top, err := tx.QueryInt(ctx, "SELECT MAX(level_ts) FROM actor")
	require.NoError(t, err)
	require.Zero(t, top, "NULL aggregate reads as 0")

	_, err = tx.QueryInt(ctx, "SELECT level_ts FROM actor WHERE actor_id = 1")
	require.ErrorIs(t, err, sql.ErrNoRows)

	_, err = tx.Upsert(ctx, spec, [][]any{{int64(1), "Ann", "free", int64(10)}})
	require.NoError(t, err)
	require.NoError(t, tx.Savepoint(ctx, "batch"))
	_, err = tx.Upsert(ctx, spec, [][]any{{int64(2), "Bo", "paid", int64(20)}})
	require.NoError(t, err)
	require.NoError(t, tx.RollbackTo(ctx, "batch"))
	require.NoError(t, tx.Release(ctx, "batch"))

	n, err := tx.QueryInt(ctx, "SELECT COUNT(*) FROM actor")
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	n, err = tx.Exec(ctx, "DELETE FROM actor")
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	_, err = tx.Exec(ctx, `INSERT INTO actor (actor_id, level_ts) VALUES (3, NULL)`)
	require.ErrorIs(t, err, storage.ErrConstraintViolation)
}

func TestStageAndMerge(t *testing.T) {
	r := openTestRepo(t)
	ctx := context.Background()

	target := actorSpec()
	staging := storage.TableSpec{
		Name: "staging_actor",
		Columns: []storage.ColumnSpec{
			{Name: "seq", Type: storage.TypeBigint},
			{Name: "uid", Type: storage.TypeBigint},
			{Name: "fname", Type: storage.TypeText},
			{Name: "lvl", Type: storage.TypeText},
			{Name: "ts", Type: storage.TypeBigint},
		},
		Policy:  storage.AppendOnly,
		Staging: true,
	}
	require.NoError(t, r.EnsureTables(ctx, []storage.TableSpec{target, staging}))
	upsert(t, r, target, []any{int64(7), "Ann", "free", int64(100)})

	tx, err := r.Begin(ctx)
	require.NoError(t, err)
	n, err := tx.(storage.Stager).Stage(ctx, staging, [][]any{
		{int64(1), int64(7), "Ann", "paid", int64(300)},
		{int64(2), int64(7), "Ann", "free", int64(200)},
		{int64(3), int64(8), "Bob", "free", int64(10)},
		{int64(4), int64(8), "Bob", "paid", int64(10)},
	})
	require.NoError(t, err)
	require.EqualValues(t, 4, n)

	steps, err := storage.BuildMerge(storage.Merge{Target: target, Staging: staging.Name, Source: []string{"uid", "fname", "lvl", "ts"}})
	require.NoError(t, err)
	var loaded int64
	for _, s := range steps {
		n, err := tx.Exec(ctx, s.SQL)
		require.NoError(t, err, s.SQL)
		if s.Counted {
			loaded += n
		}
	}
	require.NoError(t, tx.Commit(ctx))
	require.EqualValues(t, 2, loaded)

	rows, err := r.SelectAll(ctx, target)
	require.NoError(t, err)
	require.Equal(t, [][]any{
		{int64(7), "Ann", "paid", int64(300)},
		{int64(8), "Bob", "free", int64(10)},
	}, rows)
}

func TestBuildUpsertSQL(t *testing.T) {
	q, args := buildUpsertSQL(actorSpec(), actorSpec().InsertColumns(), [][]any{{1, "a", "b", 2}, {3, "c", "d", 4}})
	require.Len(t, args, 8)
	require.True(t, strings.HasSuffix(q,
		`ON CONFLICT ("actor_id") DO UPDATE SET "level" = excluded."level", "level_ts" = excluded."level_ts" WHERE "actor"."level_ts" <= excluded."level_ts"`), q)
	require.Contains(t, q, `VALUES (?, ?, ?, ?), (?, ?, ?, ?)`)
}

func TestParseSQLiteTime(t *testing.T) {
	t.Parallel()

	want := time.Date(2026, 1, 27, 12, 17, 8, 0, time.UTC)
	for _, in := range []string{
		"2026-01-27T12:17:08Z",
		"2026-01-27T13:17:08+01:00",
		"2026-01-27 12:17:08+00:00",
		"2026-01-27 12:17:08.000000000+00:00",
		"2026-01-27 12:17:08",
	} {
		got, err := parseSQLiteTime(in)
		require.NoError(t, err, in)
		require.True(t, got.Equal(want), "%s => %s", in, got)
	}
	_, err := parseSQLiteTime("not-a-time")
	require.Error(t, err)

	in := time.Date(2026, 1, 27, 12, 17, 8, 123, time.FixedZone("X", 3600))
	got, err := parseSQLiteTime(formatSQLiteTime(in))
	require.NoError(t, err)
	require.True(t, got.Equal(in))
}
