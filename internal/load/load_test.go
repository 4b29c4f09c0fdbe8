package load

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sparkify/internal/config"
	"sparkify/internal/mapping"
	"sparkify/internal/record"
	"sparkify/internal/resolve"
	"sparkify/internal/schema"
	"sparkify/internal/storage"
	_ "sparkify/internal/storage/sqlite"
)

const (
	songS1 = `{"song_id":"S1","title":"Sehr kosmisch","artist_id":"A1","year":0,"duration":218.93179,"artist_name":"Harmonia","artist_location":"","artist_latitude":null,"artist_longitude":null}`
	songS2 = `{"song_id":"S2","title":"Twin","artist_id":"A2","year":2004,"duration":100.5,"artist_name":"Dup","artist_location":"Oslo","artist_latitude":59.9,"artist_longitude":10.7}`
	songS3 = `{"song_id":"S3","title":"Twin","artist_id":"A2","year":2005,"duration":100.5,"artist_name":"Dup","artist_location":"Oslo","artist_latitude":59.9,"artist_longitude":10.7}`
)

func event(user, level string, ts int64, song, artist string, length float64) string {
	return fmt.Sprintf(`{"page":"NextSong","userId":%q,"firstName":"Ann","lastName":"Lee","gender":"F","level":%q,"ts":%d,`+
		`"sessionId":139,"itemInSession":1,"location":"Kent","userAgent":"UA","song":%q,"artist":%q,"length":%v}`,
		user, level, ts, song, artist, length)
}

func newMapper(t *testing.T) *mapping.Mapper {
	t.Helper()
	m, err := mapping.FromConfig(config.MappingConfig{})
	require.NoError(t, err)
	return m
}

func catalog(t *testing.T, lines ...string) []mapping.CatalogRows {
	t.Helper()
	m := newMapper(t)
	var out []mapping.CatalogRows
	_, err := record.NewReader(record.Options{Strict: true}).Read(context.Background(), strings.NewReader(strings.Join(lines, "\n")), func(rec record.Record) error {
		rows, err := m.MapCatalog(rec)
		if err != nil {
			return err
		}
		out = append(out, rows)
		return nil
	})
	require.NoError(t, err)
	return out
}

func events(t *testing.T, lines ...string) []mapping.EventRows {
	t.Helper()
	m := newMapper(t)
	var out []mapping.EventRows
	_, err := record.NewReader(record.Options{Strict: true}).Read(context.Background(), strings.NewReader(strings.Join(lines, "\n")), func(rec record.Record) error {
		rows, ok, err := m.MapEvent(rec)
		if err != nil {
			return err
		}
		if ok {
			out = append(out, rows)
		}
		return nil
	})
	require.NoError(t, err)
	return out
}

func openRepo(t *testing.T, name string) storage.Repository {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), name+".db") + "?_pragma=busy_timeout(5000)"
	r, err := storage.New(context.Background(), storage.Config{Kind: "sqlite", DSN: dsn})
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return r
}

type partition struct {
	catalog []string
	events  []string
}

// runLoader loads every catalog partition, then every event partition.
func runLoader(t *testing.T, l Loader, parts ...partition) Result {
	t.Helper()
	ctx := context.Background()
	total := NewResult()
	require.NoError(t, l.EnsureTables(ctx))
	for i, p := range parts {
		if len(p.catalog) == 0 {
			continue
		}
		res, err := l.LoadCatalog(ctx, fmt.Sprintf("song-%d", i), catalog(t, p.catalog...))
		require.NoError(t, err)
		total.Merge(res)
	}
	require.NoError(t, l.PrepareFacts(ctx))
	for i, p := range parts {
		if len(p.events) == 0 {
			continue
		}
		res, err := l.LoadEvents(ctx, fmt.Sprintf("log-%d", i), events(t, p.events...))
		require.NoError(t, err)
		total.Merge(res)
	}
	return total
}

func selectAll(t *testing.T, r storage.Repository, spec storage.TableSpec) [][]any {
	t.Helper()
	rows, err := r.SelectAll(context.Background(), spec)
	require.NoError(t, err)
	return rows
}

func TestTransactional_SingleMatchingPlay(t *testing.T) {
	repo := openRepo(t, "tx")
	l := NewTransactional(repo, nil, Options{})

	res := runLoader(t, l, partition{
		catalog: []string{songS1},
		events:  []string{event("7", "free", 1000000000000, "Sehr kosmisch", "Harmonia", 218.93179)},
	})
	require.Equal(t, int64(1), res.Loaded[schema.PlayEvent])
	require.Empty(t, res.Skipped)

	start := time.Date(2001, 9, 9, 1, 46, 40, 0, time.UTC)
	plays := selectAll(t, repo, schema.PlayEventSpec(false))
	require.Len(t, plays, 1)
	// play_id, start_time, actor_id, level, item_id, creator_id, session_id, location, user_agent, event_key
	require.Equal(t, int64(1), plays[0][0])
	require.True(t, start.Equal(plays[0][1].(time.Time)))
	require.Equal(t, []any{int64(7), "free", "S1", "A1", int64(139), "Kent", "UA"}, plays[0][2:9])

	times := selectAll(t, repo, schema.TimePointSpec())
	require.Len(t, times, 1)
	require.True(t, start.Equal(times[0][0].(time.Time)))
	require.Equal(t, []any{int64(1), int64(9), int64(36), int64(9), int64(2001), int64(6)}, times[0][1:])
	require.Equal(t, [][]any{{int64(7), "Ann", "Lee", "F", "free", int64(1000000000000)}},
		selectAll(t, repo, schema.ActorSpec()))
	require.Equal(t, [][]any{{"S1", "Sehr kosmisch", "A1", nil, 218.93179}},
		selectAll(t, repo, schema.CatalogItemSpec()))
	require.Equal(t, [][]any{{"A1", "Harmonia", nil, nil, nil}},
		selectAll(t, repo, schema.CreatorSpec()))
}

func TestTransactional_UnresolvedAndAmbiguousAreDropped(t *testing.T) {
	repo := openRepo(t, "tx")
	l := NewTransactional(repo, nil, Options{})

	res := runLoader(t, l, partition{
		catalog: []string{songS1, songS2, songS3},
		events: []string{
			event("7", "free", 1000000000000, "Unknown", "Nobody", 1),
			event("7", "free", 1000000001000, "Twin", "Dup", 100.5),
			event("7", "free", 1000000002000, "Sehr kosmisch", "Harmonia", 218.93179),
		},
	})
	require.Equal(t, int64(1), res.Loaded[schema.PlayEvent])
	require.Equal(t, int64(1), res.Skipped[ReasonUnresolved])
	require.Equal(t, int64(1), res.Skipped[ReasonAmbiguous])
	// Time points cover every passing event, resolved or not.
	require.Len(t, selectAll(t, repo, schema.TimePointSpec()), 3)
}

func TestTransactional_LatestLevelWinsAcrossPartitions(t *testing.T) {
	repo := openRepo(t, "tx")
	l := NewTransactional(repo, nil, Options{})

	runLoader(t, l,
		partition{catalog: []string{songS1}},
		partition{events: []string{
			event("7", "free", 1000, "x", "y", 1),
			event("7", "paid", 3000, "x", "y", 1),
			event("7", "free", 2000, "x", "y", 1),
		}},
		partition{events: []string{event("7", "free", 2500, "x", "y", 1)}},
	)
	actors := selectAll(t, repo, schema.ActorSpec())
	require.Len(t, actors, 1)
	require.Equal(t, "paid", actors[0][4])
	require.Equal(t, int64(3000), actors[0][5])
}

func TestTransactional_RerunIsIdempotentForDimensions(t *testing.T) {
	for _, exactlyOnce := range []bool{false, true} {
		t.Run(fmt.Sprintf("exactly_once=%v", exactlyOnce), func(t *testing.T) {
			repo := openRepo(t, "tx")
			p := partition{
				catalog: []string{songS1, songS1},
				events: []string{
					event("7", "free", 1000000000000, "Sehr kosmisch", "Harmonia", 218.93179),
					event("7", "free", 1000000000000, "Sehr kosmisch", "Harmonia", 218.93179),
				},
			}
			runLoader(t, NewTransactional(repo, nil, Options{ExactlyOnce: exactlyOnce}), p)
			dims := map[string][][]any{}
			for _, spec := range []storage.TableSpec{schema.CatalogItemSpec(), schema.CreatorSpec(), schema.ActorSpec(), schema.TimePointSpec()} {
				dims[spec.Name] = selectAll(t, repo, spec)
			}

			res := runLoader(t, NewTransactional(repo, nil, Options{ExactlyOnce: exactlyOnce}), p)
			for _, spec := range []storage.TableSpec{schema.CatalogItemSpec(), schema.CreatorSpec(), schema.ActorSpec(), schema.TimePointSpec()} {
				require.Equal(t, dims[spec.Name], selectAll(t, repo, spec), spec.Name)
			}

			plays := selectAll(t, repo, schema.PlayEventSpec(exactlyOnce))
			if exactlyOnce {
				require.Len(t, plays, 1)
				require.Equal(t, int64(0), res.Loaded[schema.PlayEvent])
				require.Equal(t, int64(2), res.Skipped[ReasonDuplicate])
			} else {
				// At-least-once: a re-run appends the plays again.
				require.Len(t, plays, 4)
			}
		})
	}
}

func TestStaged_MatchesTransactional(t *testing.T) {
	parts := []partition{
		{catalog: []string{songS1, songS2, songS3, songS1}},
		{
			catalog: []string{`{"song_id":"S4","title":"Late","artist_id":"A1","year":1999,"duration":50,"artist_name":"Harmonia"}`},
			events: []string{
				event("7", "free", 1000000000000, "Sehr kosmisch", "Harmonia", 218.93179),
				event("7", "paid", 1000000005000, "Twin", "Dup", 100.5),
				event("8", "free", 1000000001000, "Late", "Harmonia", 50),
				event("7", "free", 1000000003000, "Unknown", "Nobody", 1),
				event("7", "free", 1000000000000, "Sehr kosmisch", "Harmonia", 218.93179),
				`{"page":"Home","userId":"9","level":"paid","ts":1000000009000}`,
				`{"page":"NextSong","userId":"","level":"free","ts":1000000004000,"song":"Late","artist":"Harmonia","length":50}`,
			},
		},
		{events: []string{
			event("8", "paid", 1000000000500, "Late", "Harmonia", 50),
			event("9", "paid", 1000000001000, "Late", "Harmonia", 50),
		}},
	}

	for _, exactlyOnce := range []bool{false, true} {
		t.Run(fmt.Sprintf("exactly_once=%v", exactlyOnce), func(t *testing.T) {
			opts := Options{BatchSize: 2, ExactlyOnce: exactlyOnce}
			txRepo, stRepo := openRepo(t, "tx"), openRepo(t, "staged")

			txRes := runLoader(t, NewTransactional(txRepo, nil, opts), parts...)
			stRes := runLoader(t, NewStaged(stRepo, nil, opts), parts...)
			// Run twice to cover re-processing.
			txRes.Merge(runLoader(t, NewTransactional(txRepo, nil, opts), parts...))
			stRes.Merge(runLoader(t, NewStaged(stRepo, nil, opts), parts...))

			for _, spec := range schema.Targets(exactlyOnce) {
				require.Equal(t, selectAll(t, txRepo, spec), selectAll(t, stRepo, spec), spec.Name)
			}
			require.Equal(t, txRes.Loaded[schema.PlayEvent], stRes.Loaded[schema.PlayEvent])
			require.Equal(t, txRes.Skipped, stRes.Skipped)

			actors := selectAll(t, stRepo, schema.ActorSpec())
			require.Len(t, actors, 3)
			require.Equal(t, "paid", actors[0][4]) // actor 7: ts 1000000005000 wins
			require.Equal(t, "free", actors[1][4]) // actor 8: the later free event wins
		})
	}
}

func TestStaged_RequiresStager(t *testing.T) {
	l := NewStaged(&fakeRepo{tx: &fakeTx{}}, nil, Options{})
	_, err := l.LoadCatalog(context.Background(), "p", catalog(t, songS1))
	require.ErrorIs(t, err, storage.ErrStagingUnsupported)
}

func TestFactQueries_ExactlyOnce(t *testing.T) {
	q := factQueries(resolve.NewExact(nil), true)
	require.Contains(t, q.insert, "INSERT INTO play_event (start_time, actor_id, level, item_id, creator_id, session_id, location, user_agent, event_key) SELECT s.play_start_time, s.play_actor_id, s.play_level, r.item_id, r.creator_id, s.session_id, s.location, s.user_agent, s.event_key FROM")
	require.Contains(t, q.insert, "PARTITION BY st.event_key ORDER BY st.seq")
	require.Contains(t, q.insert, "NOT EXISTS (SELECT 1 FROM play_event p WHERE p.event_key = s.event_key)")
	require.True(t, strings.HasSuffix(q.insert, "ORDER BY s.seq"))

	q = factQueries(resolve.NewExact(nil), false)
	require.NotContains(t, q.insert, "NOT EXISTS")
	require.NotContains(t, q.unresolved, "ROW_NUMBER")
}

// fakeRepo hands out a scripted transaction.
type fakeRepo struct {
	tx *fakeTx
}

func (r *fakeRepo) Close()                                              {}
func (r *fakeRepo) EnsureTables(context.Context, []storage.TableSpec) error { return nil }
func (r *fakeRepo) SelectAll(context.Context, storage.TableSpec) ([][]any, error) {
	return nil, nil
}
func (r *fakeRepo) Begin(context.Context) (storage.Tx, error) { return r.tx, nil }

// fakeTx fails any Upsert that contains a row whose first value is in bad.
type fakeTx struct {
	bad       map[any]bool
	written   [][]any
	log       []string
	committed bool
	rolled    bool
	upsertErr error
}

func (f *fakeTx) Upsert(_ context.Context, spec storage.TableSpec, rows [][]any) (int64, error) {
	f.log = append(f.log, fmt.Sprintf("upsert %s %d", spec.Name, len(rows)))
	if f.upsertErr != nil {
		return 0, f.upsertErr
	}
	for _, r := range rows {
		if f.bad[r[0]] {
			return 0, storage.Violation(errors.New("CHECK constraint failed"))
		}
	}
	f.written = append(f.written, rows...)
	return int64(len(rows)), nil
}

func (f *fakeTx) Exec(context.Context, string) (int64, error)     { return 0, nil }
func (f *fakeTx) QueryInt(context.Context, string) (int64, error) { return 0, nil }
func (f *fakeTx) Savepoint(_ context.Context, name string) error {
	f.log = append(f.log, "savepoint "+name)
	return nil
}
func (f *fakeTx) RollbackTo(_ context.Context, name string) error {
	f.log = append(f.log, "rollback "+name)
	return nil
}
func (f *fakeTx) Release(_ context.Context, name string) error {
	f.log = append(f.log, "release "+name)
	return nil
}
func (f *fakeTx) Commit(context.Context) error   { f.committed = true; return nil }
func (f *fakeTx) Rollback(context.Context) error { f.rolled = true; return nil }

func TestTransactional_RecoversRowByRow(t *testing.T) {
	ftx := &fakeTx{bad: map[any]bool{"S2": true}}
	l := NewTransactional(&fakeRepo{tx: ftx}, nil, Options{BatchSize: 2})

	res, err := l.LoadCatalog(context.Background(), "p", catalog(t, songS1, songS2, songS3))
	require.NoError(t, err)
	require.True(t, ftx.committed)
	require.Equal(t, int64(2), res.Loaded[schema.CatalogItem])
	require.Equal(t, int64(2), res.Loaded[schema.Creator])
	require.Equal(t, int64(1), res.Skipped[ReasonConstraint])

	require.Equal(t, []string{
		"savepoint load_batch", "upsert catalog_item 2", "rollback load_batch",
		"savepoint load_row", "upsert catalog_item 1", "release load_row",
		"savepoint load_row", "upsert catalog_item 1", "rollback load_row", "release load_row",
		"release load_batch",
		"savepoint load_batch", "upsert catalog_item 1", "release load_batch",
		"savepoint load_batch", "upsert creator 2", "release load_batch",
	}, ftx.log)
}

func TestTransactional_FailureRollsBack(t *testing.T) {
	ftx := &fakeTx{upsertErr: errors.New("connection reset")}
	l := NewTransactional(&fakeRepo{tx: ftx}, nil, Options{})

	_, err := l.LoadCatalog(context.Background(), "p", catalog(t, songS1))
	require.ErrorContains(t, err, "connection reset")
	require.True(t, ftx.rolled)
	require.False(t, ftx.committed)
}

func TestTransactional_FactViolationFailsPartition(t *testing.T) {
	ftx := &fakeTx{}
	l := NewTransactional(&fakeRepo{tx: ftx}, func([]resolve.Entry) resolve.Matcher {
		return resolve.NewExact([]resolve.Entry{{ItemID: "S1", CreatorID: "A1", Title: "Sehr kosmisch", CreatorName: "Harmonia", Duration: 218.93179}})
	}, Options{})
	require.NoError(t, l.PrepareFacts(context.Background()))

	rows := events(t, event("7", "free", 1000000000000, "Sehr kosmisch", "Harmonia", 218.93179))
	ftx.bad = map[any]bool{time.UnixMilli(1000000000000).UTC(): true}
	_, err := l.LoadEvents(context.Background(), "p", rows)
	require.ErrorIs(t, err, storage.ErrConstraintViolation)
	require.True(t, ftx.rolled)
}

func TestTransactional_EventsNeedPrepare(t *testing.T) {
	l := NewTransactional(&fakeRepo{tx: &fakeTx{}}, nil, Options{})
	_, err := l.LoadEvents(context.Background(), "p", nil)
	require.Error(t, err)
}

func TestResult_String(t *testing.T) {
	r := NewResult()
	r.load("play_event", 2)
	r.load("actor", 1)
	r.skip(ReasonUnresolved, 3)
	r.skip(ReasonDuplicate, 0)
	require.Equal(t, "actor=1 play_event=2 skip_unresolved=3", r.String())
	require.Equal(t, int64(3), r.Total())
}
