package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"sparkify/internal/storage"
)

const (
	occurrenceCount = 2
	startUpTimeOut  = 60 * time.Second
)

// setupRepo starts a PostgreSQL container and returns a connected Repo.
// Cleanup is registered on t.
func setupRepo(ctx context.Context, t *testing.T) *Repo {
	t.Helper()

	pgContainer, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("sparkify_test"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(occurrenceCount).
				WithStartupTimeout(startUpTimeOut),
		),
	)
	require.NoError(t, err, "Failed to start postgres container")
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(pgContainer) })

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err, "Failed to get connection string")

	repo, err := storage.New(ctx, storage.Config{Kind: "postgres", DSN: connStr})
	require.NoError(t, err, "Failed to connect")
	t.Cleanup(repo.Close)
	return repo.(*Repo)
}

func TestRepo_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	r := setupRepo(ctx, t)

	events := storage.TableSpec{
		Name: "events",
		Columns: []storage.ColumnSpec{
			{Name: "id", Type: storage.TypeSerial},
			{Name: "at", Type: storage.TypeTimestamp},
			{Name: "n", Type: storage.TypeInt, Nullable: true},
			{Name: "event_key", Type: storage.TypeText, Nullable: true},
		},
		Unique: [][]string{{"event_key"}},
		Policy: storage.AppendOnly,
	}
	staging := storage.TableSpec{
		Name: "staging_actor",
		Columns: []storage.ColumnSpec{
			{Name: "seq", Type: storage.TypeBigint},
			{Name: "actor_id", Type: storage.TypeBigint},
			{Name: "first_name", Type: storage.TypeText},
			{Name: "level", Type: storage.TypeText},
			{Name: "level_ts", Type: storage.TypeBigint},
		},
		Staging: true,
	}
	specs := []storage.TableSpec{actorSpec(), events, staging}
	require.NoError(t, r.EnsureTables(ctx, specs))
	require.NoError(t, r.EnsureTables(ctx, specs))

	t.Run("version guard", func(t *testing.T) {
		tx, err := r.Begin(ctx)
		require.NoError(t, err)
		_, err = tx.Upsert(ctx, actorSpec(), [][]any{{int64(7), "Ann", "paid", int64(200)}})
		require.NoError(t, err)
		_, err = tx.Upsert(ctx, actorSpec(), [][]any{{int64(7), "Ann", "free", int64(100)}})
		require.NoError(t, err)
		require.NoError(t, tx.Commit(ctx))

		rows, err := r.SelectAll(ctx, actorSpec())
		require.NoError(t, err)
		require.Equal(t, [][]any{{int64(7), "Ann", "paid", int64(200)}}, rows)
	})

	t.Run("violation and savepoint", func(t *testing.T) {
		at := time.Date(2018, 11, 1, 21, 1, 46, 796000000, time.UTC)
		tx, err := r.Begin(ctx)
		require.NoError(t, err)
		_, err = tx.Upsert(ctx, events, [][]any{{at, int64(1), "k1"}})
		require.NoError(t, err)

		require.NoError(t, tx.Savepoint(ctx, "batch_1"))
		_, err = tx.Upsert(ctx, events, [][]any{{at, int64(2), "k1"}})
		require.True(t, errors.Is(err, storage.ErrConstraintViolation), "err=%v", err)
		require.NoError(t, tx.RollbackTo(ctx, "batch_1"))
		require.NoError(t, tx.Release(ctx, "batch_1"))
		require.NoError(t, tx.Commit(ctx))

		rows, err := r.SelectAll(ctx, events)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		require.Equal(t, int64(1), rows[0][0])
		require.True(t, at.Equal(rows[0][1].(time.Time)))
		require.Equal(t, int64(1), rows[0][2])
	})

	t.Run("stage and merge", func(t *testing.T) {
		tx, err := r.Begin(ctx)
		require.NoError(t, err)
		stager, ok := tx.(storage.Stager)
		require.True(t, ok)

		n, err := stager.Stage(ctx, staging, [][]any{
			{int64(1), int64(9), "Bo", "free", int64(100)},
			{int64(2), int64(9), "Bo", "paid", int64(300)},
			{int64(3), int64(7), "Ann", "free", int64(250)},
		})
		require.NoError(t, err)
		require.Equal(t, int64(3), n)

		steps, err := storage.BuildMerge(storage.Merge{
			Target:  actorSpec(),
			Staging: "staging_actor",
			Source:  []string{"actor_id", "first_name", "level", "level_ts"},
		})
		require.NoError(t, err)
		for _, s := range steps {
			_, err := tx.Exec(ctx, s.SQL)
			require.NoError(t, err, s.SQL)
		}
		count, err := tx.QueryInt(ctx, "SELECT COUNT(*) FROM staging_actor")
		require.NoError(t, err)
		require.Equal(t, int64(3), count)
		_, err = tx.Exec(ctx, "DELETE FROM staging_actor")
		require.NoError(t, err)
		require.NoError(t, tx.Commit(ctx))

		rows, err := r.SelectAll(ctx, actorSpec())
		require.NoError(t, err)
		require.Equal(t, [][]any{
			{int64(7), "Ann", "free", int64(250)},
			{int64(9), "Bo", "paid", int64(300)},
		}, rows)
	})
}
