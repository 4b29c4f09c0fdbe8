package load

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sparkify/internal/logging"
	"sparkify/internal/mapping"
	"sparkify/internal/resolve"
	"sparkify/internal/schema"
	"sparkify/internal/storage"
)

// MatcherFunc builds a key resolver over the persisted catalog.
type MatcherFunc func(entries []resolve.Entry) resolve.Matcher

// ExactMatcher is the default MatcherFunc.
func ExactMatcher(entries []resolve.Entry) resolve.Matcher { return resolve.NewExact(entries) }

// Transactional loads partitions with row-oriented upserts.
type Transactional struct {
	Repo       storage.Repository
	NewMatcher MatcherFunc
	Opts       Options

	matcher resolve.Matcher
}

var _ Loader = (*Transactional)(nil)

// NewTransactional returns a Transactional loader. A nil newMatcher selects
// ExactMatcher.
func NewTransactional(repo storage.Repository, newMatcher MatcherFunc, opts Options) *Transactional {
	if newMatcher == nil {
		newMatcher = ExactMatcher
	}
	return &Transactional{Repo: repo, NewMatcher: newMatcher, Opts: opts}
}

func (l *Transactional) logf(format string, v ...any) {
	logging.OrDiscard(l.Opts.Logger).Printf(format, v...)
}

// EnsureTables implements Loader.
func (l *Transactional) EnsureTables(ctx context.Context) error {
	return l.Repo.EnsureTables(ctx, schema.Targets(l.Opts.ExactlyOnce))
}

// LoadCatalog implements Loader.
func (l *Transactional) LoadCatalog(ctx context.Context, partition string, rows []mapping.CatalogRows) (Result, error) {
	start := time.Now()
	res := NewResult()
	items, creators := catalogCandidates(rows)

	tx, err := l.Repo.Begin(ctx)
	if err != nil {
		return res, fmt.Errorf("load: begin: %w", err)
	}
	err = func() error {
		if err := l.writeDimension(ctx, tx, schema.CatalogItemSpec(), dedupeRows(schema.CatalogItem, false, items), res); err != nil {
			return err
		}
		return l.writeDimension(ctx, tx, schema.CreatorSpec(), dedupeRows(schema.Creator, false, creators), res)
	}()
	if err := finish(ctx, tx, err); err != nil {
		return NewResult(), err
	}
	l.logf("stage=load_catalog partition=%s %s duration=%s", partition, res, durMS(start))
	return res, nil
}

// PrepareFacts builds the key resolver from the persisted catalog.
func (l *Transactional) PrepareFacts(ctx context.Context) error {
	start := time.Now()
	entries, err := catalogEntries(ctx, l.Repo)
	if err != nil {
		return err
	}
	l.matcher = l.NewMatcher(entries)
	l.logf("stage=prepare_facts entries=%d duration=%s", len(entries), durMS(start))
	return nil
}

// LoadEvents implements Loader.
func (l *Transactional) LoadEvents(ctx context.Context, partition string, rows []mapping.EventRows) (Result, error) {
	if l.matcher == nil {
		return NewResult(), fmt.Errorf("load: PrepareFacts was not called")
	}
	start := time.Now()
	res := NewResult()
	actors, times, facts := eventCandidates(rows)

	tx, err := l.Repo.Begin(ctx)
	if err != nil {
		return res, fmt.Errorf("load: begin: %w", err)
	}
	err = func() error {
		if err := l.writeDimension(ctx, tx, schema.ActorSpec(), dedupeRows(schema.Actor, false, actors), res); err != nil {
			return err
		}
		if err := l.writeDimension(ctx, tx, schema.TimePointSpec(), dedupeRows(schema.TimePoint, false, times), res); err != nil {
			return err
		}
		return l.writeFacts(ctx, tx, facts, res)
	}()
	if err := finish(ctx, tx, err); err != nil {
		return NewResult(), err
	}
	l.logf("stage=load_events partition=%s %s duration=%s", partition, res, durMS(start))
	return res, nil
}

// writeDimension upserts rows batch by batch, each batch inside a savepoint. A
// batch that hits a constraint violation is rolled back and retried row by row;
// violating rows are skipped and counted.
func (l *Transactional) writeDimension(ctx context.Context, tx storage.Tx, spec storage.TableSpec, rows []mapping.Row, res Result) error {
	vals := valuesOf(spec, rows)
	size := l.Opts.batchSize()
	for startIdx := 0; startIdx < len(vals); startIdx += size {
		end := min(startIdx+size, len(vals))
		batch := vals[startIdx:end]

		if err := tx.Savepoint(ctx, "load_batch"); err != nil {
			return fmt.Errorf("load: savepoint: %w", err)
		}
		n, err := tx.Upsert(ctx, spec, batch)
		if err == nil {
			res.load(spec.Name, n)
			if err := tx.Release(ctx, "load_batch"); err != nil {
				return fmt.Errorf("load: release savepoint: %w", err)
			}
			continue
		}
		if !errors.Is(err, storage.ErrConstraintViolation) {
			return err
		}
		if err := tx.RollbackTo(ctx, "load_batch"); err != nil {
			return fmt.Errorf("load: rollback to savepoint: %w", err)
		}
		l.logf("stage=dimension_batch table=%s rows=%d status=retry_rows err=%v", spec.Name, len(batch), err)
		if err := l.writeRows(ctx, tx, spec, batch, res); err != nil {
			return err
		}
		if err := tx.Release(ctx, "load_batch"); err != nil {
			return fmt.Errorf("load: release savepoint: %w", err)
		}
	}
	return nil
}

func (l *Transactional) writeRows(ctx context.Context, tx storage.Tx, spec storage.TableSpec, rows [][]any, res Result) error {
	for _, row := range rows {
		if err := tx.Savepoint(ctx, "load_row"); err != nil {
			return fmt.Errorf("load: savepoint: %w", err)
		}
		n, err := tx.Upsert(ctx, spec, [][]any{row})
		switch {
		case err == nil:
			res.load(spec.Name, n)
		case errors.Is(err, storage.ErrConstraintViolation):
			if err := tx.RollbackTo(ctx, "load_row"); err != nil {
				return fmt.Errorf("load: rollback to savepoint: %w", err)
			}
			res.skip(ReasonConstraint, 1)
			l.logf("stage=dimension_row table=%s status=skipped err=%v", spec.Name, err)
		default:
			return err
		}
		if err := tx.Release(ctx, "load_row"); err != nil {
			return fmt.Errorf("load: release savepoint: %w", err)
		}
	}
	return nil
}

// writeFacts resolves and appends fact rows. A constraint violation here fails
// the partition.
func (l *Transactional) writeFacts(ctx context.Context, tx storage.Tx, facts []mapping.Row, res Result) error {
	spec := schema.PlayEventSpec(l.Opts.ExactlyOnce)
	deduped := dedupeRows(schema.PlayEvent, l.Opts.ExactlyOnce, facts)
	res.skip(ReasonDuplicate, int64(len(facts)-len(deduped)))

	resolved := make([]mapping.Row, 0, len(deduped))
	for _, f := range deduped {
		c, ok := candidateOf(f)
		if !ok {
			res.skip(ReasonUnresolved, 1)
			continue
		}
		r := l.matcher.Match(c)
		switch r.Outcome {
		case resolve.Matched:
			row := make(mapping.Row, len(f)+2)
			for k, v := range f {
				row[k] = v
			}
			row["item_id"] = r.ItemID
			row["creator_id"] = r.CreatorID
			resolved = append(resolved, row)
		case resolve.Ambiguous:
			res.skip(ReasonAmbiguous, 1)
		default:
			res.skip(ReasonUnresolved, 1)
		}
	}

	vals := valuesOf(spec, resolved)
	size := l.Opts.batchSize()
	var inserted int64
	for startIdx := 0; startIdx < len(vals); startIdx += size {
		end := min(startIdx+size, len(vals))
		n, err := tx.Upsert(ctx, spec, vals[startIdx:end])
		if err != nil {
			return fmt.Errorf("load: fact batch: %w", err)
		}
		inserted += n
	}
	res.load(spec.Name, inserted)
	res.skip(ReasonDuplicate, int64(len(resolved))-inserted)
	return nil
}

// candidateOf builds the lookup triple. ok is false when a component is missing;
// such an event can never resolve, as with a NULL join key.
func candidateOf(f mapping.Row) (resolve.Candidate, bool) {
	title, okT := f["song_title"].(string)
	name, okN := f["artist_name"].(string)
	length, okL := f["length"].(float64)
	if !okT || !okN || !okL {
		return resolve.Candidate{}, false
	}
	return resolve.Candidate{Title: title, CreatorName: name, Duration: length}, true
}

// catalogEntries reads the persisted dimensions and joins them for the resolver.
// Rows with a NULL title, name or duration can never match and are left out.
func catalogEntries(ctx context.Context, repo storage.Repository) ([]resolve.Entry, error) {
	itemSpec, creatorSpec := schema.CatalogItemSpec(), schema.CreatorSpec()
	itemRows, err := repo.SelectAll(ctx, itemSpec)
	if err != nil {
		return nil, fmt.Errorf("load: read %s: %w", itemSpec.Name, err)
	}
	creatorRows, err := repo.SelectAll(ctx, creatorSpec)
	if err != nil {
		return nil, fmt.Errorf("load: read %s: %w", creatorSpec.Name, err)
	}

	idx := func(spec storage.TableSpec, name string) int {
		for i, c := range spec.ColumnNames() {
			if c == name {
				return i
			}
		}
		panic("load: unknown column " + name)
	}
	iID, iTitle, iCreator, iDur := idx(itemSpec, "item_id"), idx(itemSpec, "title"), idx(itemSpec, "creator_id"), idx(itemSpec, "duration")
	cID, cName := idx(creatorSpec, "creator_id"), idx(creatorSpec, "name")

	items := make([]resolve.Item, 0, len(itemRows))
	for _, r := range itemRows {
		id, _ := r[iID].(string)
		title, okT := r[iTitle].(string)
		creator, _ := r[iCreator].(string)
		dur, okD := r[iDur].(float64)
		if !okT || !okD {
			continue
		}
		items = append(items, resolve.Item{ItemID: id, Title: title, CreatorID: creator, Duration: dur})
	}
	creators := make([]resolve.Creator, 0, len(creatorRows))
	for _, r := range creatorRows {
		id, _ := r[cID].(string)
		name, ok := r[cName].(string)
		if !ok {
			continue
		}
		creators = append(creators, resolve.Creator{CreatorID: id, Name: name})
	}
	return resolve.Build(items, creators), nil
}
