package load

import (
	"context"
	"fmt"
	"strings"
	"time"

	"sparkify/internal/logging"
	"sparkify/internal/mapping"
	"sparkify/internal/resolve"
	"sparkify/internal/schema"
	"sparkify/internal/storage"
)

// Staged loads partitions through the staging pair and set-based merges.
type Staged struct {
	Repo    storage.Repository
	Matcher resolve.SQLMatcher
	Opts    Options
}

var _ Loader = (*Staged)(nil)

// NewStaged returns a Staged loader. A nil matcher selects exact matching.
func NewStaged(repo storage.Repository, matcher resolve.SQLMatcher, opts Options) *Staged {
	if matcher == nil {
		matcher = resolve.NewExact(nil)
	}
	return &Staged{Repo: repo, Matcher: matcher, Opts: opts}
}

func (l *Staged) logf(format string, v ...any) {
	logging.OrDiscard(l.Opts.Logger).Printf(format, v...)
}

// EnsureTables implements Loader.
func (l *Staged) EnsureTables(ctx context.Context) error {
	return l.Repo.EnsureTables(ctx, schema.All(l.Opts.ExactlyOnce))
}

// PrepareFacts is a no-op: resolution runs inside the merge.
func (l *Staged) PrepareFacts(context.Context) error { return nil }

// LoadCatalog implements Loader.
func (l *Staged) LoadCatalog(ctx context.Context, partition string, rows []mapping.CatalogRows) (Result, error) {
	start := time.Now()
	staged := make([][]any, len(rows))
	for i, r := range rows {
		staged[i] = schema.CatalogStagingRow(int64(i+1), r)
	}
	res, err := l.run(ctx, schema.StagingCatalogSpec(), staged, func(tx storage.Tx, res Result) error {
		return l.merge(ctx, tx, schema.CatalogMerges(), res)
	})
	if err != nil {
		return NewResult(), err
	}
	l.logf("stage=stage_catalog partition=%s staged=%d %s duration=%s", partition, len(staged), res, durMS(start))
	return res, nil
}

// LoadEvents implements Loader.
func (l *Staged) LoadEvents(ctx context.Context, partition string, rows []mapping.EventRows) (Result, error) {
	start := time.Now()
	staged := make([][]any, len(rows))
	for i, r := range rows {
		staged[i] = schema.EventStagingRow(int64(i+1), r)
	}
	res, err := l.run(ctx, schema.StagingEventsSpec(), staged, func(tx storage.Tx, res Result) error {
		if err := l.merge(ctx, tx, schema.EventMerges(), res); err != nil {
			return err
		}
		return l.mergeFacts(ctx, tx, res)
	})
	if err != nil {
		return NewResult(), err
	}
	l.logf("stage=stage_events partition=%s staged=%d %s duration=%s", partition, len(staged), res, durMS(start))
	return res, nil
}

// run clears the staging table, stages rows and applies merge in one transaction.
func (l *Staged) run(ctx context.Context, staging storage.TableSpec, rows [][]any, merge func(storage.Tx, Result) error) (Result, error) {
	res := NewResult()
	tx, err := l.Repo.Begin(ctx)
	if err != nil {
		return res, fmt.Errorf("load: begin: %w", err)
	}
	stager, ok := tx.(storage.Stager)
	if !ok {
		_ = tx.Rollback(ctx)
		return res, storage.ErrStagingUnsupported
	}

	err = func() error {
		if _, err := tx.Exec(ctx, "DELETE FROM "+staging.Name); err != nil {
			return fmt.Errorf("load: clear %s: %w", staging.Name, err)
		}
		if _, err := stager.Stage(ctx, staging, rows); err != nil {
			return fmt.Errorf("load: stage %s: %w", staging.Name, err)
		}
		return merge(tx, res)
	}()
	if err := finish(ctx, tx, err); err != nil {
		return NewResult(), err
	}
	return res, nil
}

func (l *Staged) merge(ctx context.Context, tx storage.Tx, merges []storage.Merge, res Result) error {
	for _, m := range merges {
		steps, err := storage.BuildMerge(m)
		if err != nil {
			return err
		}
		for _, st := range steps {
			n, err := tx.Exec(ctx, st.SQL)
			if err != nil {
				return fmt.Errorf("load: merge %s: %w", m.Target.Name, err)
			}
			if st.Counted {
				res.load(m.Target.Name, n)
			}
		}
	}
	return nil
}

// mergeFacts resolves staged events against the catalog in SQL and appends the
// matches. Unresolved and ambiguous events are counted, not loaded.
func (l *Staged) mergeFacts(ctx context.Context, tx storage.Tx, res Result) error {
	q := factQueries(l.Matcher, l.Opts.ExactlyOnce)

	attempted, err := tx.QueryInt(ctx, q.attempted)
	if err != nil {
		return fmt.Errorf("load: count facts: %w", err)
	}
	unresolved, err := tx.QueryInt(ctx, q.unresolved)
	if err != nil {
		return fmt.Errorf("load: count unresolved: %w", err)
	}
	ambiguous, err := tx.QueryInt(ctx, q.ambiguous)
	if err != nil {
		return fmt.Errorf("load: count ambiguous: %w", err)
	}
	inserted, err := tx.Exec(ctx, q.insert)
	if err != nil {
		return fmt.Errorf("load: merge %s: %w", schema.PlayEvent, err)
	}

	res.load(schema.PlayEvent, inserted)
	res.skip(ReasonUnresolved, unresolved)
	res.skip(ReasonAmbiguous, ambiguous)
	res.skip(ReasonDuplicate, attempted-inserted-unresolved-ambiguous)
	return nil
}

type factSQL struct {
	attempted  string
	unresolved string
	ambiguous  string
	insert     string
}

// factQueries renders the fact merge. With exactlyOnce the staged events are
// first reduced to the earliest row per event_key and rows whose key is already
// stored are not inserted.
func factQueries(m resolve.SQLMatcher, exactlyOnce bool) factSQL {
	spec := schema.PlayEventSpec(exactlyOnce)
	join := m.JoinSQL(schema.CatalogItem, schema.Creator)
	on := "r.title = s.song_title AND r.name = s.artist_name AND r.duration = s.length"

	facts := fmt.Sprintf("(SELECT * FROM %s WHERE fact_ok = 1) s", schema.StagingEvents)
	if exactlyOnce {
		facts = fmt.Sprintf("(SELECT * FROM (SELECT st.*, ROW_NUMBER() OVER (PARTITION BY st.event_key ORDER BY st.seq) AS rk FROM %s st WHERE st.fact_ok = 1) d WHERE d.rk = 1) s",
			schema.StagingEvents)
	}

	cols := spec.InsertColumns()
	proj := make([]string, len(cols))
	for i, c := range cols {
		if src, ok := schema.FactSource[c]; ok {
			proj[i] = "s." + src
		} else {
			proj[i] = "r." + c
		}
	}
	insert := fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s JOIN (%s) r ON %s WHERE r.n = 1",
		spec.Name, strings.Join(cols, ", "), strings.Join(proj, ", "), facts, join, on)
	if exactlyOnce {
		insert += fmt.Sprintf(" AND NOT EXISTS (SELECT 1 FROM %s p WHERE p.event_key = s.event_key)", spec.Name)
	}
	insert += " ORDER BY s.seq"

	return factSQL{
		attempted:  fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE fact_ok = 1", schema.StagingEvents),
		unresolved: fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE NOT EXISTS (SELECT 1 FROM (%s) r WHERE %s)", facts, join, on),
		ambiguous:  fmt.Sprintf("SELECT COUNT(*) FROM %s JOIN (%s) r ON %s WHERE r.n > 1", facts, join, on),
		insert:     insert,
	}
}
